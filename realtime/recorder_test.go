package realtime

import (
	"sync"
	"testing"
	"time"

	"taskboard/domain"
)

type recorder struct {
	mu      sync.Mutex
	created []domain.Task
	updated []domain.Task
	deleted []domain.ID
	signal  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) TaskCreated(t domain.Task) {
	r.mu.Lock()
	r.created = append(r.created, t)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) TaskUpdated(t domain.Task) {
	r.mu.Lock()
	r.updated = append(r.updated, t)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) TaskDeleted(id domain.ID) {
	r.mu.Lock()
	r.deleted = append(r.deleted, id)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d events, got %d", n, i)
		}
	}
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created), len(r.updated), len(r.deleted)
}
