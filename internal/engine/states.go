package engine

// State is the lifecycle state of one instrument.
type State string

const (
	StateFlat          State = "FLAT"
	StatePendingStaged State = "PENDING_STAGED"
	StateOpen          State = "OPEN"
	StateManaging      State = "MANAGING"
	StateClosing       State = "CLOSING"
	StateReversing     State = "REVERSING"
)

// Code maps the state to a stable number for gauges.
func (s State) Code() float64 {
	switch s {
	case StateFlat:
		return 0
	case StatePendingStaged:
		return 1
	case StateOpen:
		return 2
	case StateManaging:
		return 3
	case StateClosing:
		return 4
	case StateReversing:
		return 5
	}
	return -1
}
