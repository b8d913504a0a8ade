package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard/board"
)

const (
	sseEventPrefix = "event: board\n"
	sseDataPrefix  = "data: "
	sseHeartbeat   = ": ping\n\n"
)

// stream pushes the board view as server-sent events: once on connect and
// again after every store change. The stream ends when the client goes away
// or the session is released.
func (h *handlers) stream(c echo.Context) error {
	v, err := h.view(c)
	if v == nil {
		return err
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	unpin := h.sessions.Pin(userOf(c).ID)
	defer unpin()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	changes := v.Store().Subscribe()
	defer v.Store().Unsubscribe(changes)

	heartbeat := h.heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	entry := h.logger.WithField("user", userOf(c).ID)
	for {
		data, err := sonic.Marshal(snapshot(v))
		if err != nil {
			entry.WithError(err).Error("encode board failed")
			return nil
		}
		frame := make([]byte, 0, len(sseEventPrefix)+len(sseDataPrefix)+len(data)+2)
		frame = append(frame, sseEventPrefix...)
		frame = append(frame, sseDataPrefix...)
		frame = append(frame, data...)
		frame = append(frame, '\n', '\n')
		if _, err := c.Response().Write(frame); err != nil {
			entry.WithError(err).Debug("board stream closed")
			return nil
		}
		flusher.Flush()

		if !waitForChange(ctx, v, changes, ticker.C, c.Response(), flusher) {
			return nil
		}
	}
}

// waitForChange blocks until the store changes. Heartbeats are written while
// waiting; false means the stream should end.
func waitForChange(ctx context.Context, v *board.View, changes <-chan struct{}, tick <-chan time.Time, w io.Writer, flusher http.Flusher) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-changes:
			return true
		case <-tick:
			if !v.Mounted() {
				return false
			}
			if _, err := io.WriteString(w, sseHeartbeat); err != nil {
				return false
			}
			flusher.Flush()
		}
	}
}
