package realtime

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

func setupRedis(t *testing.T) (*redis.Client, func()) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	return rc, func() {
		rc.Close()
		m.Close()
	}
}

func TestRedisChannelDispatchesAndFiltersByUser(t *testing.T) {
	rc, cleanup := setupRedis(t)
	defer cleanup()

	logger, hook := test.NewNullLogger()
	ch := NewRedisChannel(rc, "board-events", "user1", logger)
	rec := newRecorder()
	if err := ch.Connect(context.Background(), rec); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	ctx := context.Background()
	payloads := []string{
		`{"event":"taskCreated","data":{"id":1,"title":"a","priority":"low","status":"todo"},"userId":"user1"}`,
		`{"event":"taskCreated","data":{"id":2,"title":"b","priority":"low","status":"todo"},"userId":"someone-else"}`,
		`not json`,
		`{"event":"taskUpdated","data":{"id":1,"title":"a2","priority":"low","status":"done"}}`,
		`{"event":"taskDeleted","data":"1"}`,
	}
	for _, p := range payloads {
		if err := rc.Publish(ctx, "board-events", p).Err(); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	rec.wait(t, 3)
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	created, updated, deleted := rec.counts()
	if created != 1 || updated != 1 || deleted != 1 {
		t.Fatalf("unexpected counts created=%d updated=%d deleted=%d", created, updated, deleted)
	}
	if rec.created[0].ID.String() != "1" {
		t.Fatalf("event for another user leaked: %+v", rec.created)
	}
	foundParseErr := false
	for _, e := range hook.AllEntries() {
		if e.Message == "unable to parse update" {
			foundParseErr = true
		}
	}
	if !foundParseErr {
		t.Fatal("expected malformed payload to be logged")
	}
}

func TestRedisChannelCloseStopsDelivery(t *testing.T) {
	rc, cleanup := setupRedis(t)
	defer cleanup()

	logger, _ := test.NewNullLogger()
	ch := NewRedisChannel(rc, "board-events", "", logger)
	rec := newRecorder()
	if err := ch.Connect(context.Background(), rec); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = rc.Publish(context.Background(), "board-events", `{"event":"taskDeleted","data":1}`).Err()
	time.Sleep(50 * time.Millisecond)
	if _, _, d := rec.counts(); d != 0 {
		t.Fatal("received event after close")
	}

	if err := ch.Connect(context.Background(), rec); err != nil {
		t.Fatalf("reconnect after close: %v", err)
	}
	defer ch.Close()
	if err := rc.Publish(context.Background(), "board-events", `{"event":"taskDeleted","data":1}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rec.wait(t, 1)
}
