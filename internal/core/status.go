package core

// JobState is the store-side lock state of a job row.
type JobState int

const (
	// StateWaiting is the initial state and the state between runs.
	StateWaiting JobState = 0
	// StateExecuting means one holder won the race and is running the job.
	StateExecuting JobState = 1
)

func (s JobState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// JobStatus is a consistent read-only snapshot of the scheduling columns.
// Times are epoch milliseconds.
type JobStatus struct {
	State          JobState `json:"state"`
	NextTime       int64    `json:"next_time"`
	LastActiveTime int64    `json:"last_active_time"`
	Enabled        bool     `json:"enabled"`
}
