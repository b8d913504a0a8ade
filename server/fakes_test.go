package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/board"
	"taskboard/client"
	"taskboard/domain"
	"taskboard/realtime"
)

// taskAPI is an httptest stand-in for the external task API.
type taskAPI struct {
	mu        sync.Mutex
	tasks     []domain.Task
	nextID    int
	failWrite bool
	bearers   []string
	deleted   []string
	keys      []string
}

func newTaskAPI(t *testing.T, tasks ...domain.Task) (*taskAPI, *httptest.Server) {
	t.Helper()
	api := &taskAPI{tasks: tasks, nextID: 100}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *taskAPI) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bearers = append(a.bearers, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))

	if r.Method == http.MethodPost {
		a.keys = append(a.keys, r.Header.Get(client.HeaderIdempotencyKey))
	}
	if r.Method != http.MethodGet && a.failWrite {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	switch {
	case r.Method == http.MethodGet:
		data, _ := sonic.Marshal(map[string]any{"data": a.tasks})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	case r.Method == http.MethodPost:
		var nt domain.NewTask
		if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&nt); err != nil {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		a.nextID++
		a.tasks = append(a.tasks, domain.Task{ID: domain.NumberID(int64(a.nextID)), Title: nt.Title, Priority: nt.Priority, Status: nt.Status})
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut:
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete:
		a.deleted = append(a.deleted, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *taskAPI) setFailWrite(v bool) {
	a.mu.Lock()
	a.failWrite = v
	a.mu.Unlock()
}

func (a *taskAPI) createKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

func (a *taskAPI) lastBearer() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.bearers) == 0 {
		return ""
	}
	return a.bearers[len(a.bearers)-1]
}

func (a *taskAPI) deletedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.deleted...)
}

type nopChannel struct {
	mu      sync.Mutex
	handler realtime.Handler
}

func (c *nopChannel) Connect(_ context.Context, h realtime.Handler) error {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return nil
}

func (c *nopChannel) Close() error { return nil }

type testServer struct {
	e        *echo.Echo
	api      *taskAPI
	sessions *Sessions
	hook     *test.Hook
	channels map[string]*nopChannel
	mu       sync.Mutex
}

func newTestServer(t *testing.T, tasks ...domain.Task) *testServer {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	api, srv := newTaskAPI(t, tasks...)

	ts := &testServer{e: echo.New(), api: api, hook: hook, channels: map[string]*nopChannel{}}
	factory := func(user domain.User, token *client.Token) (*board.View, error) {
		ch := &nopChannel{}
		ts.mu.Lock()
		ts.channels[user.ID] = ch
		ts.mu.Unlock()
		return board.NewView(user, client.NewWithToken(srv.URL, token, 0), ch, 0, logger), nil
	}
	ts.sessions = NewSessions(factory, 0, logger)
	t.Cleanup(ts.sessions.CloseAll)
	Register(ts.e, ts.sessions, NewAuth(nil, "", "", testSecret), nil, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWith(t, method, target, token, body, nil)
}

func (ts *testServer) doWith(t *testing.T, method, target, token, body string, hdr http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) channel(userID string) *nopChannel {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.channels[userID]
}

func tokenFor(t *testing.T, sub string, role domain.Role) string {
	t.Helper()
	return signToken(t, testSecret, map[string]any{"sub": sub, "username": sub, "role": string(role)})
}
