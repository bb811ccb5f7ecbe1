package risk

import (
	"math"

	"github.com/shopspring/decimal"
)

// stepTolerance absorbs binary float noise such as 99999.99999999999 so a value
// that is meant to sit on the grid is not floored one step down.
var stepTolerance = decimal.New(1, -9)

func steps(v, step float64, mode func(decimal.Decimal) decimal.Decimal) float64 {
	if step <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	s := decimal.NewFromFloat(step)
	q := decimal.NewFromFloat(v).Div(s)
	if r := q.Round(0); q.Sub(r).Abs().LessThan(stepTolerance) {
		q = r
	} else {
		q = mode(q)
	}
	f, _ := q.Mul(s).Float64()
	return f
}

// RoundDownToStep floors v to a multiple of step. A non-positive step returns v.
func RoundDownToStep(v, step float64) float64 {
	return steps(v, step, decimal.Decimal.Floor)
}

// RoundUpToStep ceils v to a multiple of step. A non-positive step returns v.
func RoundUpToStep(v, step float64) float64 {
	return steps(v, step, decimal.Decimal.Ceil)
}

// RoundToStep rounds v to the nearest multiple of step.
func RoundToStep(v, step float64) float64 {
	return steps(v, step, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
}

// awayFromEntry rounds a protective price so the distance to the entry never
// shrinks: down when below entry, up when above.
func awayFromEntry(price, entry, tick float64) float64 {
	if price < entry {
		return RoundDownToStep(price, tick)
	}
	return RoundUpToStep(price, tick)
}
