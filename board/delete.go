package board

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"taskboard/domain"
)

var (
	// ErrNotConfirmed is returned when the user declines a delete.
	ErrNotConfirmed = errors.New("delete not confirmed")
	// ErrForbidden is returned when the user's role cannot delete tasks.
	ErrForbidden = errors.New("role cannot delete tasks")
)

// Confirmer asks the user to confirm deleting a task.
type Confirmer interface {
	Confirm(task domain.ID) bool
}

// ConfirmFunc adapts a plain function to Confirmer.
type ConfirmFunc func(task domain.ID) bool

func (f ConfirmFunc) Confirm(task domain.ID) bool { return f(task) }

// Delete removes a task after confirmation. The store is left alone; the
// removal arrives through the realtime channel.
func (v *View) Delete(ctx context.Context, id domain.ID, confirm Confirmer) (err error) {
	if !v.Affordances().CanDelete {
		return ErrForbidden
	}
	if confirm == nil || !confirm.Confirm(id) {
		return ErrNotConfirmed
	}

	ctx, m := startOp(ctx, v.logger, "delete", attribute.String(attrPrefix+"task_id", id.String()))
	defer func() { m.End(err) }()

	if err = v.api.DeleteTask(ctx, id); err != nil {
		m.SetErrorStage("delete")
		v.logger.WithError(err).WithField("task", id).Error("delete task failed")
		return err
	}
	return nil
}
