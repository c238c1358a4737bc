// Package memory implements the task repository in process memory. It is
// the default backend and the reference implementation for the Transition
// contract.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/store"
)

type Store struct {
	mu    sync.Mutex
	tasks map[string]model.Task
}

func NewStore() *Store {
	return &Store{
		tasks: make(map[string]model.Task),
	}
}

func (s *Store) Create(_ context.Context, t model.Task) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return model.Task{}, err
		}
		t.ID = id
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) Get(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) List(_ context.Context, f store.Filter) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) FindInFlightByAnchor(_ context.Context, anchor model.Anchor) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.Anchor == anchor && model.IsInFlight(t.Status) {
			out := t
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) LatestSettledByAnchor(_ context.Context, anchor model.Anchor) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.Task
	for _, t := range s.tasks {
		if t.Anchor != anchor || !model.IsSettled(t.Status) {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			out := t
			latest = &out
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ClaimOldestQueued(_ context.Context) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []model.Task
	for _, t := range s.tasks {
		if t.Status == model.StatusQueued {
			queued = append(queued, t)
		}
	}
	if len(queued) == 0 {
		return nil, store.ErrNoQueuedTasks
	}

	sort.Slice(queued, func(i, j int) bool {
		if !queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		}
		return queued[i].ID < queued[j].ID
	})

	t := queued[0]
	now := time.Now().UTC()
	t.Status = model.StatusRunning
	t.StartedAt = &now
	s.tasks[t.ID] = t
	return &t, nil
}

func (s *Store) Transition(_ context.Context, id string, expected model.Status, upd store.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != expected {
		// Someone else already handled this task.
		return false, nil
	}
	if upd.Status != nil {
		if err := model.ValidateTransition(t.Status, *upd.Status); err != nil {
			return false, err
		}
	}

	upd.Apply(&t)
	s.tasks[id] = t
	return true, nil
}

func (s *Store) Close() {}
