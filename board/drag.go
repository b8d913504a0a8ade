package board

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"taskboard/domain"
)

// ErrUnknownColumn is returned when a drag lands on a column that is not a
// task status.
var ErrUnknownColumn = errors.New("unknown destination column")

// Location is a position on the board: a column and an index within it.
type Location struct {
	ColumnID string `json:"droppableId"`
	Index    int    `json:"index"`
}

// DragResult describes a finished drag gesture. Destination is nil when the
// card was dropped outside every column.
type DragResult struct {
	DraggableID domain.ID `json:"draggableId"`
	Source      Location  `json:"source"`
	Destination *Location `json:"destination,omitempty"`
}

// DragOutcome reports what HandleDrag did.
type DragOutcome struct {
	// Applied is true when the store was changed and a status update sent.
	Applied bool
	// Resynced is true when the update failed and the store was refetched.
	Resynced bool
}

// HandleDrag moves a task to the destination column. The store changes
// immediately; a failed status update is corrected by a full refetch instead
// of a rollback. Upstream failures are absorbed and only invalid drags
// return an error.
func (v *View) HandleDrag(ctx context.Context, res DragResult) (out DragOutcome, err error) {
	if res.Destination == nil {
		return out, nil
	}
	dst := *res.Destination
	if dst.ColumnID == res.Source.ColumnID && dst.Index == res.Source.Index {
		return out, nil
	}
	status := domain.Status(dst.ColumnID)
	if !status.Valid() {
		return out, fmt.Errorf("%w: %q", ErrUnknownColumn, dst.ColumnID)
	}

	ctx, m := startOp(ctx, v.logger, "drag",
		attribute.String(attrPrefix+"task_id", res.DraggableID.String()),
		attribute.String(attrPrefix+"from", res.Source.ColumnID),
		attribute.String(attrPrefix+"to", dst.ColumnID),
	)
	var opErr error
	defer func() { m.End(opErr) }()

	if !v.store.SetStatus(res.DraggableID, status) {
		if _, ok := v.store.Get(res.DraggableID); !ok {
			v.logger.WithField("task", res.DraggableID).Warn("drag of unknown task ignored")
			return out, nil
		}
	}
	out.Applied = true

	if opErr = v.api.UpdateStatus(ctx, res.DraggableID, status); opErr == nil {
		return out, nil
	}
	m.SetErrorStage("update")
	v.logger.WithError(opErr).WithFields(log.Fields{
		"task":   res.DraggableID,
		"status": status,
	}).Warn("status update failed, refetching board")

	if rerr := v.Refresh(ctx); rerr != nil {
		m.SetErrorStage("resync")
		v.logger.WithError(rerr).WithField("task", res.DraggableID).Error("refetch after failed status update failed")
		return out, nil
	}
	out.Resynced = true
	return out, nil
}
