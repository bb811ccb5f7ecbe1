package indicators

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// Highest returns the max of the last period values, or 0 if there are fewer.
func Highest(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	out := values[len(values)-period]
	for _, v := range values[len(values)-period:] {
		if v > out {
			out = v
		}
	}
	return out
}

// Lowest returns the min of the last period values, or 0 if there are fewer.
func Lowest(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	out := values[len(values)-period]
	for _, v := range values[len(values)-period:] {
		if v < out {
			out = v
		}
	}
	return out
}
