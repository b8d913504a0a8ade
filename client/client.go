// Package client talks to the external task API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskboard/domain"
)

const (
	tasksPath = "/api/tasks"

	// DefaultLimit bounds the page fetched when a view mounts.
	DefaultLimit = 100

	maxErrorBody = 4 * 1024

	// HeaderIdempotencyKey carries the create request's idempotency key.
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ErrMissingID is returned for writes addressed to an empty identifier.
var ErrMissingID = errors.New("task id is required")

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client wraps http.Client with the task API calls.
type Client struct {
	BaseURL string
	Token   *Token
	HTTP    *http.Client
}

// New creates a Client with a fixed bearer. A zero timeout leaves requests
// bounded only by their context.
func New(baseURL, bearer string, timeout time.Duration) *Client {
	return NewWithToken(baseURL, NewToken(bearer), timeout)
}

// NewWithToken creates a Client that reads its bearer from token on every
// request.
func NewWithToken(baseURL string, token *Token, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type tasksResponse struct {
	Data []domain.Task `json:"data"`
}

type statusRequest struct {
	Status domain.Status `json:"status"`
}

// FetchTasks returns up to limit tasks. A non-positive limit uses DefaultLimit.
func (c *Client) FetchTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := url.Values{"limit": []string{strconv.Itoa(limit)}}
	var resp tasksResponse
	if err := c.do(ctx, http.MethodGet, tasksPath+"?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = []domain.Task{}
	}
	return resp.Data, nil
}

// UpdateStatus asks the API to move a task to status.
func (c *Client) UpdateStatus(ctx context.Context, id domain.ID, status domain.Status) error {
	if id.IsZero() {
		return ErrMissingID
	}
	return c.do(ctx, http.MethodPut, taskPath(id), statusRequest{Status: status}, nil, nil)
}

type idempotencyKey struct{}

// WithIdempotencyKey makes CreateTask send key instead of a generated one.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// CreateTask persists a new task. Each call carries an idempotency key so
// the API can collapse retries: the one set by WithIdempotencyKey, or a
// fresh one.
func (c *Client) CreateTask(ctx context.Context, task domain.NewTask) error {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	if key == "" {
		key = uuid.NewString()
	}
	hdr := http.Header{}
	hdr.Set(HeaderIdempotencyKey, key)
	return c.do(ctx, http.MethodPost, tasksPath, task, hdr, nil)
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, id domain.ID) error {
	if id.IsZero() {
		return ErrMissingID
	}
	return c.do(ctx, http.MethodDelete, taskPath(id), nil, nil, nil)
}

func taskPath(id domain.ID) string {
	return tasksPath + "/" + url.PathEscape(strings.TrimSpace(id.String()))
}

func (c *Client) do(ctx context.Context, method, path string, body any, hdr http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer := c.Token.Get(); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
