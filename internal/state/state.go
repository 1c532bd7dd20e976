// Package state defines the job lifecycle state machine. A job starts
// pending, is popped into processing, and from there either completes,
// fails temporarily (retrying, from where the reaper moves it back to
// pending), or fails for good.
package state

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Retrying   Status = "retrying"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

var allStatuses = []Status{
	Pending,
	Processing,
	Retrying,
	Completed,
	Failed,
}

var transitions = map[Status]map[Status]bool{
	Pending: {
		Processing: true,
	},
	Processing: {
		Completed: true,
		Retrying:  true,
		Failed:    true,
	},
	Retrying: {
		Pending: true,
	},
}

func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func IsTerminal(s Status) bool {
	switch s {
	case Completed, Failed:
		return true
	default:
		return false
	}
}
