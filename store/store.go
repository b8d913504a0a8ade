// Package store holds the board's in-memory task list and the merge rules
// that reconcile REST responses, realtime events and drag gestures.
package store

import (
	"sync"

	"taskboard/domain"
)

// Column is one status lane of the board.
type Column struct {
	ID    domain.Status `json:"id"`
	Title string        `json:"title"`
	Tasks []domain.Task `json:"tasks"`
}

// Store keeps at most one task per identifier. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	tasks   []domain.Task
	version uint64

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{subs: make(map[chan struct{}]struct{})}
}

// ReplaceAll swaps the whole list for the given tasks. Later duplicates of an
// identifier are dropped.
func (s *Store) ReplaceAll(tasks []domain.Task) {
	next := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if indexOf(next, t.ID) >= 0 {
			continue
		}
		next = append(next, t)
	}

	s.mu.Lock()
	s.tasks = next
	s.version++
	s.mu.Unlock()
	s.notify()
}

// ApplyCreate prepends the task unless one with the same identifier is
// already present. It reports whether the store changed.
func (s *Store) ApplyCreate(t domain.Task) bool {
	s.mu.Lock()
	if t.ID.IsZero() || indexOf(s.tasks, t.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	next := make([]domain.Task, 0, len(s.tasks)+1)
	next = append(next, t)
	next = append(next, s.tasks...)
	s.tasks = next
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// ApplyUpdate replaces the matching task. Unknown identifiers are ignored.
func (s *Store) ApplyUpdate(t domain.Task) bool {
	s.mu.Lock()
	i := indexOf(s.tasks, t.ID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.tasks[i] = t
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// ApplyDelete removes the task whose identifier matches id numerically or
// textually.
func (s *Store) ApplyDelete(id domain.ID) bool {
	s.mu.Lock()
	i := indexOf(s.tasks, id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	next := make([]domain.Task, 0, len(s.tasks)-1)
	next = append(next, s.tasks[:i]...)
	next = append(next, s.tasks[i+1:]...)
	s.tasks = next
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// SetStatus moves a task to another column. It reports false when the task
// is unknown or already has that status.
func (s *Store) SetStatus(id domain.ID, status domain.Status) bool {
	s.mu.Lock()
	i := indexOf(s.tasks, id)
	if i < 0 || s.tasks[i].Status == status {
		s.mu.Unlock()
		return false
	}
	s.tasks[i].Status = status
	s.version++
	s.mu.Unlock()
	s.notify()
	return true
}

// Get returns a copy of the task with the given identifier.
func (s *Store) Get(id domain.ID) (domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := indexOf(s.tasks, id)
	if i < 0 {
		return domain.Task{}, false
	}
	return s.tasks[i], true
}

// Snapshot returns a copy of the list in store order.
func (s *Store) Snapshot() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Len returns the number of tasks held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Version increases on every change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Columns groups tasks by status in board order. Tasks with a status outside
// the known columns are not shown.
func (s *Store) Columns() []Column {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cols := make([]Column, len(domain.Statuses))
	pos := make(map[domain.Status]int, len(domain.Statuses))
	for i, st := range domain.Statuses {
		cols[i] = Column{ID: st, Title: st.Title(), Tasks: []domain.Task{}}
		pos[st] = i
	}
	for _, t := range s.tasks {
		if i, ok := pos[t.Status]; ok {
			cols[i].Tasks = append(cols[i].Tasks, t)
		}
	}
	return cols
}

func indexOf(tasks []domain.Task, id domain.ID) int {
	for i := range tasks {
		if tasks[i].ID.Equal(id) {
			return i
		}
	}
	return -1
}
