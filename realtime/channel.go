// Package realtime delivers task events pushed by the server to a board view.
//
// A Channel is owned by exactly one view: Connect binds it to the view's
// Handler and Close tears it down. Transports differ only in how envelopes
// reach the process; decoding and dispatch are shared.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

var (
	// ErrAlreadyConnected is returned by Connect on a channel that is open.
	ErrAlreadyConnected = errors.New("realtime channel already connected")
	// ErrUnknownEvent marks events the board does not consume.
	ErrUnknownEvent = errors.New("unknown realtime event")
)

// Handler receives decoded events. Calls for one channel never overlap.
type Handler interface {
	TaskCreated(task domain.Task)
	TaskUpdated(task domain.Task)
	TaskDeleted(id domain.ID)
}

// Channel is a push connection with an explicit lifecycle.
type Channel interface {
	// Connect establishes the connection and starts delivering events to h.
	// ctx bounds only the initial connection attempt.
	Connect(ctx context.Context, h Handler) error
	// Close stops delivery and waits for the transport goroutine to exit.
	Close() error
}

// Envelope is the wire form used by transports without native event names.
type Envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	UserID string          `json:"userId,omitempty"`
}

// DecodeEnvelope parses a transport message.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("decode envelope: missing event name")
	}
	return env, nil
}

// Dispatch decodes data for the named event and invokes h.
func Dispatch(h Handler, event string, data []byte) error {
	switch event {
	case domain.EventTaskCreated, domain.EventTaskUpdated:
		var task domain.Task
		if err := sonic.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("decode %s: %w", event, err)
		}
		if task.ID.IsZero() {
			return fmt.Errorf("decode %s: missing task id", event)
		}
		if event == domain.EventTaskCreated {
			h.TaskCreated(task)
		} else {
			h.TaskUpdated(task)
		}
		return nil
	case domain.EventTaskDeleted:
		id, err := domain.ParseID(data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", event, err)
		}
		h.TaskDeleted(id)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

// lifecycle runs one transport loop at a time.
type lifecycle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start dials with a context detached from ctx, except that cancelling ctx
// aborts the dial. On success run owns the connection until stop.
func (l *lifecycle) start(ctx context.Context, dial func(context.Context) error, run func(context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyConnected
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatch := context.AfterFunc(ctx, cancel)
	err := dial(loopCtx)
	aborted := !stopWatch()
	if err != nil {
		cancel()
		return err
	}
	if aborted {
		// The dial raced with cancellation; let run release what it opened.
		cancel()
		run(loopCtx)
		return ctx.Err()
	}

	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	go func() {
		defer close(done)
		run(loopCtx)
	}()
	return nil
}

func (l *lifecycle) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
