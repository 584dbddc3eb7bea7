package sync

// SubState is the lifecycle of one collection subscription.
type SubState int

const (
	Unsubscribed SubState = iota
	Subscribing
	Active
	Stalled
)

func (s SubState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Stalled:
		return "stalled"
	}
	return "unknown"
}
