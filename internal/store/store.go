// Package store defines the task repository boundary. All status mutations
// go through Transition, a compare-and-set keyed on the expected prior
// status; a lost race is a false return, never an error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/concierge/internal/model"
)

var (
	ErrNotFound      = errors.New("not_found")
	ErrNoQueuedTasks = errors.New("no_queued_tasks")
)

// Update carries the fields a transition may set. Nil pointers leave the
// stored value untouched.
type Update struct {
	Status          *model.Status
	Result          *string
	SessionID       *string
	ExecutionPrompt *string
	CostUSD         *float64
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Filter narrows List results.
type Filter struct {
	Status model.Status
	Limit  int
}

type TaskStore interface {
	Create(ctx context.Context, t model.Task) (model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, f Filter) ([]model.Task, error)

	// FindInFlightByAnchor returns the single task in
	// {pending, queued, running} for the anchor, or ErrNotFound.
	FindInFlightByAnchor(ctx context.Context, anchor model.Anchor) (*model.Task, error)

	// LatestSettledByAnchor returns the most recently created task in
	// {completed, failed, waiting, rejected} for the anchor, or
	// ErrNotFound.
	LatestSettledByAnchor(ctx context.Context, anchor model.Anchor) (*model.Task, error)

	// ClaimOldestQueued atomically selects the oldest queued task and
	// moves it to running. Returns ErrNoQueuedTasks when the queue is
	// empty or another claimer won the race.
	ClaimOldestQueued(ctx context.Context) (*model.Task, error)

	// Transition applies upd only if the task's current status equals
	// expected. A false return means someone else already handled the
	// task; callers must skip follow-on side effects.
	Transition(ctx context.Context, id string, expected model.Status, upd Update) (bool, error)

	Close()
}

// Apply copies the set fields of an Update onto a task.
func (u Update) Apply(t *model.Task) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Result != nil {
		t.Result = *u.Result
	}
	if u.SessionID != nil {
		t.SessionID = *u.SessionID
	}
	if u.ExecutionPrompt != nil {
		t.ExecutionPrompt = *u.ExecutionPrompt
	}
	if u.CostUSD != nil {
		t.CostUSD = *u.CostUSD
	}
	if u.StartedAt != nil {
		t.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		t.CompletedAt = u.CompletedAt
	}
}

// Ptr is a convenience for building Updates.
func Ptr[T any](v T) *T { return &v }
