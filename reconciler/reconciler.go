// Package reconciler merges push events and fetch results into one
// consistent client-side view of a task collection.
package reconciler

import (
	"sort"
	"sync"

	"taskroom/domain"
)

// State of a TaskSet. A set starts Uninitialized and becomes Synced on its
// first successful fetch; channel loss sends it back to Uninitialized until
// the next full fetch.
type State int

const (
	Uninitialized State = iota
	Synced
)

// TaskSet is the local mapping from task identifier to task. It is populated
// by an authoritative fetch and kept current by incoming events, while local
// mutation responses update it directly. All merge operations are idempotent,
// so duplicate or out-of-order events from other origins converge on the
// same map.
type TaskSet struct {
	mu    sync.RWMutex
	state State
	tasks map[string]domain.Task
}

// NewTaskSet creates an empty, Uninitialized set.
func NewTaskSet() *TaskSet {
	return &TaskSet{tasks: make(map[string]domain.Task)}
}

// State returns the current lifecycle state.
func (s *TaskSet) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reset replaces the whole map with an authoritative fetch result and marks
// the set Synced. Any inconsistency accumulated while disconnected is erased.
func (s *TaskSet) Reset(tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	s.state = Synced
}

// Invalidate marks the set Uninitialized after channel loss. The stale map
// is kept for display, but events are dropped until the next Reset because
// no event history exists for the gap.
func (s *TaskSet) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Uninitialized
}

// Apply merges one push event into the set. It reports whether the event was
// applied; events arriving while Uninitialized are dropped. The merge rules:
//
//   - created: insert, or overwrite if the fetch already returned it
//   - updated: replace, or insert when the create was missed entirely
//   - deleted: remove, no-op if absent
//
// An update-before-create or duplicate delivery therefore never surfaces as
// an error; the map converges regardless.
func (s *TaskSet) Apply(env domain.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Synced {
		return false
	}
	switch env.Kind {
	case domain.TaskCreated, domain.TaskUpdated:
		if env.Task == nil {
			return false
		}
		s.tasks[env.Task.ID] = *env.Task
	case domain.TaskDeleted:
		delete(s.tasks, env.EntityID())
	default:
		return false
	}
	return true
}

// Put records the response of a locally issued create or update. The local
// mutation path is independent of the event path; the server suppresses the
// self-echo, so this is the only way the caller's own change lands here.
func (s *TaskSet) Put(task domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

// Remove records the response of a locally issued delete.
func (s *TaskSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Get returns the task with the given identifier.
func (s *TaskSet) Get(id string) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Len returns the number of tasks held.
func (s *TaskSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Snapshot returns the tasks in display order, newest first.
func (s *TaskSet) Snapshot() []domain.Task {
	s.mu.RLock()
	tasks := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}
