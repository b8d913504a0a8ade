package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/realtime"
)

var errUpstream = errors.New("upstream unavailable")

// fakeAPI is an in-memory task API. The tasks slice is the server truth
// returned by FetchTasks.
type fakeAPI struct {
	mu        sync.Mutex
	tasks     []domain.Task
	fetchErr  error
	updateErr error
	createErr error
	deleteErr error

	fetches int
	updates []statusUpdate
	created []domain.NewTask
	deleted []domain.ID
}

type statusUpdate struct {
	ID     domain.ID
	Status domain.Status
}

func (f *fakeAPI) FetchTasks(_ context.Context, limit int) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := append([]domain.Task(nil), f.tasks...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAPI) UpdateStatus(_ context.Context, id domain.ID, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, statusUpdate{ID: id, Status: status})
	return f.updateErr
}

func (f *fakeAPI) CreateTask(_ context.Context, task domain.NewTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, task)
	return f.createErr
}

func (f *fakeAPI) DeleteTask(_ context.Context, id domain.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeAPI) setTasks(tasks ...domain.Task) {
	f.mu.Lock()
	f.tasks = tasks
	f.mu.Unlock()
}

type fakeChannel struct {
	mu         sync.Mutex
	handler    realtime.Handler
	connectErr error
	connects   int
	closes     int
}

func (c *fakeChannel) Connect(_ context.Context, h realtime.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.handler = h
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.handler = nil
	return nil
}

func (c *fakeChannel) counts() (connects, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.closes
}

func task(id, title string, status domain.Status) domain.Task {
	return domain.Task{ID: domain.NewID(id), Title: title, Priority: domain.DefaultPriority, Status: status}
}

func newTestView(t *testing.T, role domain.Role) (*View, *fakeAPI, *fakeChannel, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	api := &fakeAPI{}
	ch := &fakeChannel{}
	user := domain.User{ID: "u-1", Username: "alice", Role: role}
	v := NewView(user, api, ch, 0, logger)
	t.Cleanup(func() { _ = v.Unmount() })
	return v, api, ch, hook
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID.String()
	}
	return out
}
