package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskboard/client"
)

const sseDataPrefix = "data:"

// SSEChannel consumes a text/event-stream endpoint. Frames carry the event
// name in an "event:" line; unnamed frames must hold an Envelope.
type SSEChannel struct {
	URL     string
	Token   *client.Token
	HTTP    *http.Client
	Backoff Backoff

	logger *log.Logger
	life   lifecycle
	resp   *http.Response
}

// NewSSEChannel creates an SSE channel for url. Each (re)connect sends the
// current value of token.
func NewSSEChannel(url string, token *client.Token, logger *log.Logger) *SSEChannel {
	if logger == nil {
		panic("realtime: logger is required")
	}
	return &SSEChannel{URL: url, Token: token, HTTP: &http.Client{}, logger: logger}
}

func (c *SSEChannel) Connect(ctx context.Context, h Handler) error {
	return c.life.start(ctx, func(ctx context.Context) error {
		resp, err := c.open(ctx)
		if err != nil {
			return err
		}
		c.resp = resp
		return nil
	}, func(ctx context.Context) {
		c.run(ctx, h)
	})
}

func (c *SSEChannel) Close() error {
	c.life.stop()
	return nil
}

func (c *SSEChannel) open(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if bearer := c.Token.Get(); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("connect %s: unexpected status %d", c.URL, resp.StatusCode)
	}
	return resp, nil
}

func (c *SSEChannel) run(ctx context.Context, h Handler) {
	resp := c.resp
	c.resp = nil
	attempt := 0
	for {
		if resp != nil {
			attempt = 0
			err := consumeStream(ctx, resp.Body, func(event, data string) {
				c.dispatch(h, event, data)
			})
			resp.Body.Close()
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).WithField("url", c.URL).Warn("event stream closed, reconnecting")
		}
		if ctx.Err() != nil {
			return
		}
		attempt++
		if !sleep(ctx, c.Backoff.Delay(attempt)) {
			return
		}
		var err error
		resp, err = c.open(ctx)
		if err != nil {
			resp = nil
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt).Warn("event stream reconnect failed")
		}
	}
}

func (c *SSEChannel) dispatch(h Handler, event, data string) {
	payload := []byte(data)
	if event == "" || event == "message" {
		env, err := DecodeEnvelope(payload)
		if err != nil {
			c.logger.WithError(err).Error("unable to parse stream frame")
			return
		}
		event, payload = env.Event, env.Data
	}
	if err := Dispatch(h, event, payload); err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			c.logger.WithField("event", event).Debug("ignoring unknown event")
			return
		}
		c.logger.WithError(err).WithField("event", event).Error("unable to apply event")
	}
}

// consumeStream parses server-sent event frames from r until it fails or
// ctx is cancelled. Comment lines and id/retry fields are ignored.
func consumeStream(ctx context.Context, r io.Reader, emit func(event, data string)) error {
	reader := bufio.NewReader(r)
	var event string
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				emit(event, strings.Join(data, "\n"))
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, sseDataPrefix):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, sseDataPrefix), " "))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}
