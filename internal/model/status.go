package model

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// In-flight statuses occupy the per-anchor slot: at most one task per
// (channel, anchor) may be in one of these at a time.
var inFlightStatuses = map[Status]bool{
	StatusPending: true,
	StatusQueued:  true,
	StatusRunning: true,
}

// Settled statuses still accept thread replies, which run follow-up turns
// outside the queue.
var settledStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusWaiting:   true,
	StatusRejected:  true,
}

// Task lifecycle transitions:
// pending → queued (clarify reply) | rejected (abort or negative signal)
// queued  → running (worker claim) | rejected (abort)
// running → completed | failed | waiting | rejected (mid-flight cancel)
// settled → completed | failed | waiting (follow-up turn write-back)
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusQueued:   true,
		StatusRejected: true,
	},
	StatusQueued: {
		StatusRunning:  true,
		StatusRejected: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusWaiting:   true,
		StatusRejected:  true,
	},
	StatusCompleted: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusWaiting:   true,
	},
	StatusFailed: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusWaiting:   true,
	},
	StatusWaiting: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusWaiting:   true,
	},
	StatusRejected: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusWaiting:   true,
	},
}

func IsInFlight(s Status) bool {
	return inFlightStatuses[s]
}

func IsSettled(s Status) bool {
	return settledStatuses[s]
}

func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
