package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"taskboard/domain"
)

func TestFetchTasksSendsLimitAndBearer(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("limit")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[{"id":1,"title":"a","priority":"low","status":"todo"},{"id":"x","title":"b","priority":"high","status":"done","deadline":"2026-10-20"}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok", time.Second)
	tasks, err := c.FetchTasks(context.Background(), 25)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotQuery != "25" {
		t.Fatalf("expected limit 25, got %q", gotQuery)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if len(tasks) != 2 || tasks[0].ID != domain.NumberID(1) || tasks[1].ID != domain.NewID("x") {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if tasks[1].Deadline == nil || tasks[1].Deadline.String() != "2026-10-20" {
		t.Fatalf("unexpected deadline %v", tasks[1].Deadline)
	}
}

func TestFetchTasksDefaultLimitAndEmptyData(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("limit")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	tasks, err := New(srv.URL, "", 0).FetchTasks(context.Background(), 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotQuery != "100" {
		t.Fatalf("expected default limit, got %q", gotQuery)
	}
	if tasks == nil || len(tasks) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", tasks)
	}
}

func TestUpdateStatusBody(t *testing.T) {
	var body map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := New(srv.URL, "", 0).UpdateStatus(context.Background(), domain.NumberID(7), domain.StatusDone); err != nil {
		t.Fatalf("update: %v", err)
	}
	if path != "/api/tasks/7" {
		t.Fatalf("unexpected path %s", path)
	}
	if body["status"] != "done" || len(body) != 1 {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCreateTaskBodyAndIdempotencyKey(t *testing.T) {
	var mu sync.Mutex
	var body map[string]any
	keys := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		keys[r.Header.Get("Idempotency-Key")] = true
		body = nil
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 0)
	nt, err := domain.NewTaskForm{Title: "t"}.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.CreateTask(context.Background(), nt); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 2 || keys[""] {
		t.Fatalf("expected distinct idempotency keys, got %v", keys)
	}
	if body["title"] != "t" || body["priority"] != "medium" || body["status"] != "todo" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["deadline"]; ok {
		t.Fatalf("deadline should be omitted, got %v", body)
	}
	if _, ok := body["description"]; ok {
		t.Fatalf("description should be omitted, got %v", body)
	}
}

func TestCreateTaskUsesContextKey(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(HeaderIdempotencyKey)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ctx := WithIdempotencyKey(context.Background(), "browser-key")
	if err := New(srv.URL, "", 0).CreateTask(ctx, domain.NewTask{Title: "t"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if key := <-got; key != "browser-key" {
		t.Fatalf("expected forwarded key, got %q", key)
	}
}

func TestDeleteTaskStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	err := New(srv.URL, "", 0).DeleteTask(context.Background(), domain.NumberID(3))
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if serr.StatusCode != http.StatusForbidden || serr.Method != http.MethodDelete || serr.Body != "forbidden" {
		t.Fatalf("unexpected error %+v", serr)
	}
}

func TestWritesRequireID(t *testing.T) {
	c := New("http://127.0.0.1:0", "", 0)
	if err := c.DeleteTask(context.Background(), domain.ID{}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	if err := c.UpdateStatus(context.Background(), domain.NewID(" "), domain.StatusDone); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestSharedTokenRotatesBearer(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	token := NewToken("first")
	c := NewWithToken(srv.URL, token, 0)
	if err := c.DeleteTask(context.Background(), domain.NumberID(1)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if token.Set("first") {
		t.Fatalf("setting the same token should report no change")
	}
	if !token.Set("second") {
		t.Fatalf("expected token change")
	}
	if err := c.DeleteTask(context.Background(), domain.NumberID(2)); err != nil {
		t.Fatalf("delete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "Bearer first" || seen[1] != "Bearer second" {
		t.Fatalf("unexpected bearers %v", seen)
	}
	if (*Token)(nil).Get() != "" {
		t.Fatalf("nil token should carry no bearer")
	}
}
