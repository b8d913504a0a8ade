package board

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"taskboard/domain"
)

// FormController drives the create-task modal. A successful submit closes
// the modal and asks the view to refresh; the store itself is never written.
type FormController struct {
	api     TaskAPI
	refresh func()
	logger  *log.Logger

	mu   sync.Mutex
	open bool
}

func newFormController(api TaskAPI, refresh func(), logger *log.Logger) *FormController {
	return &FormController{api: api, refresh: refresh, logger: logger}
}

func (f *FormController) Open() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
}

func (f *FormController) Close() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

func (f *FormController) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Submit validates the form and creates the task. Validation failures return
// a *domain.ValidationError without calling the API. On any failure the
// modal keeps its state.
func (f *FormController) Submit(ctx context.Context, form domain.NewTaskForm) (err error) {
	task, err := form.Validate()
	if err != nil {
		f.logger.WithError(err).Debug("new task form rejected")
		return err
	}

	ctx, m := startOp(ctx, f.logger, "submit", attribute.String(attrPrefix+"priority", string(task.Priority)))
	defer func() { m.End(err) }()

	if err = f.api.CreateTask(ctx, task); err != nil {
		m.SetErrorStage("create")
		f.logger.WithError(err).WithField("title", task.Title).Error("create task failed")
		return err
	}
	f.Close()
	if f.refresh != nil {
		f.refresh()
	}
	return nil
}

// IsValidationError reports whether err came from form validation.
func IsValidationError(err error) bool {
	var verr *domain.ValidationError
	return errors.As(err, &verr)
}
