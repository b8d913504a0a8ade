// Package board implements the task board view: it owns the task store, keeps
// it in sync with the task API and the realtime channel, and turns user
// gestures (drag, create, delete) into store mutations and API writes.
package board

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"taskboard/client"
	"taskboard/domain"
	"taskboard/realtime"
	"taskboard/store"
)

// TaskAPI is the subset of the task API the view calls.
type TaskAPI interface {
	FetchTasks(ctx context.Context, limit int) ([]domain.Task, error)
	UpdateStatus(ctx context.Context, id domain.ID, status domain.Status) error
	CreateTask(ctx context.Context, task domain.NewTask) error
	DeleteTask(ctx context.Context, id domain.ID) error
}

// View is one user's board. The realtime channel is injected and its
// lifetime follows Mount and Unmount.
type View struct {
	user    domain.User
	api     TaskAPI
	channel realtime.Channel
	store   *store.Store
	form    *FormController
	logger  *log.Logger
	limit   int

	refreshCh chan struct{}

	mu       sync.Mutex
	mounted  bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewView builds an unmounted view. limit bounds the page fetched on mount
// and refresh; non-positive values use client.DefaultLimit.
func NewView(user domain.User, api TaskAPI, channel realtime.Channel, limit int, logger *log.Logger) *View {
	if api == nil {
		panic("board: task API is required")
	}
	if channel == nil {
		panic("board: realtime channel is required")
	}
	if logger == nil {
		panic("board: logger is required")
	}
	if limit <= 0 {
		limit = client.DefaultLimit
	}
	v := &View{
		user:      user,
		api:       api,
		channel:   channel,
		store:     store.New(),
		logger:    logger,
		limit:     limit,
		refreshCh: make(chan struct{}, 1),
	}
	v.form = newFormController(api, v.RequestRefresh, logger)
	return v
}

// User returns the signed-in user of the view.
func (v *View) User() domain.User { return v.user }

// Affordances returns the role-based gating for the view's user.
func (v *View) Affordances() domain.Affordances { return v.user.Affordances() }

// Store exposes the task store for rendering.
func (v *View) Store() *store.Store { return v.store }

// Form returns the create-task modal controller.
func (v *View) Form() *FormController { return v.form }

// Mounted reports whether Mount has succeeded and Unmount has not run.
func (v *View) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mounted
}

// Mount connects the realtime channel and loads the first page of tasks. A
// failed fetch is logged and leaves the store as it was.
func (v *View) Mount(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mounted {
		return nil
	}
	if err := v.channel.Connect(ctx, v); err != nil {
		v.logger.WithError(err).WithField("user", v.user.ID).Error("realtime connect failed")
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.stopLoop = cancel
	v.loopDone = make(chan struct{})
	go v.refreshLoop(loopCtx, v.loopDone)
	v.mounted = true

	_ = v.Refresh(ctx)
	v.logger.WithFields(log.Fields{"user": v.user.ID, "tasks": v.store.Len()}).Info("board mounted")
	return nil
}

// Unmount disconnects the realtime channel and stops background refreshes.
func (v *View) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return nil
	}
	v.mounted = false
	v.stopLoop()
	<-v.loopDone
	err := v.channel.Close()
	if err != nil {
		v.logger.WithError(err).WithField("user", v.user.ID).Warn("realtime close failed")
	}
	v.logger.WithField("user", v.user.ID).Info("board unmounted")
	return err
}

// Refresh replaces the store with a fresh page from the API. On failure the
// store is left unchanged.
func (v *View) Refresh(ctx context.Context) (err error) {
	ctx, m := startOp(ctx, v.logger, "refresh", attribute.Int(attrPrefix+"limit", v.limit))
	defer func() { m.End(err) }()

	tasks, err := v.api.FetchTasks(ctx, v.limit)
	if err != nil {
		m.SetErrorStage("fetch")
		return err
	}
	unknown := 0
	for _, t := range tasks {
		if !t.Status.Valid() {
			unknown++
		}
	}
	if unknown > 0 {
		v.logger.WithFields(log.Fields{"user": v.user.ID, "count": unknown}).Warn("tasks with unknown status are hidden")
	}
	v.store.ReplaceAll(tasks)
	m.Set(attribute.Int(attrPrefix+"tasks_returned", len(tasks)))
	return nil
}

// RequestRefresh schedules a background refresh. Requests made while one is
// pending collapse into it.
func (v *View) RequestRefresh() {
	select {
	case v.refreshCh <- struct{}{}:
	default:
	}
}

func (v *View) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.refreshCh:
			_ = v.Refresh(ctx)
		}
	}
}

// TaskCreated applies a pushed creation; duplicates are ignored.
func (v *View) TaskCreated(t domain.Task) {
	if !v.store.ApplyCreate(t) {
		v.logger.WithField("task", t.ID).Debug("ignoring duplicate taskCreated")
	}
}

// TaskUpdated applies a pushed update; unknown tasks are ignored.
func (v *View) TaskUpdated(t domain.Task) {
	if !v.store.ApplyUpdate(t) {
		v.logger.WithField("task", t.ID).Debug("ignoring taskUpdated for unknown task")
	}
}

// TaskDeleted applies a pushed deletion.
func (v *View) TaskDeleted(id domain.ID) {
	if !v.store.ApplyDelete(id) {
		v.logger.WithField("task", id).Debug("ignoring taskDeleted for unknown task")
	}
}
