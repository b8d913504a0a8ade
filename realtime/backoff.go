package realtime

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = 30 * time.Second
)

// Backoff configures reconnect delays.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before reconnect attempt n (starting at 1). The
// first retry waits Initial; each later one doubles, is capped at Max and
// spread by up to a fifth either way.
func (b Backoff) Delay(attempt int) time.Duration {
	d, limit := b.Initial, b.Max
	if d <= 0 {
		d = defaultRetryInitial
	}
	if limit <= 0 {
		limit = defaultRetryMax
	}
	if attempt <= 1 {
		return d
	}
	for i := 1; i < attempt && d < limit; i++ {
		d <<= 1
	}
	d = min(d, limit)
	if spread := int64(d / 5); spread > 0 {
		d += time.Duration(rand.Int63n(2*spread+1) - spread)
	}
	return d
}

// sleep waits for d or until ctx is done. It reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
