package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/board"
	"taskboard/client"
	"taskboard/domain"
)

// DefaultIdleTTL is how long an unused board view stays mounted.
const DefaultIdleTTL = 10 * time.Minute

// ViewFactory builds an unmounted view for a user. token is the bearer the
// view forwards to the task API and the realtime channel; the session swaps
// its value when the user presents a newer one.
type ViewFactory func(user domain.User, token *client.Token) (*board.View, error)

// errSessionClosed is returned to a request whose session was released
// while its view was still mounting.
var errSessionClosed = errors.New("board session closed while mounting")

type session struct {
	id       string
	token    *client.Token
	view     *board.View
	lastSeen time.Time
	streams  int

	// ready is closed once the first mount has finished; view is nil until
	// then and stays nil if mounting failed.
	ready chan struct{}
}

// Sessions keeps one mounted board view per user.
type Sessions struct {
	factory ViewFactory
	ttl     time.Duration
	logger  *log.Logger
	now     func() time.Time

	mu     sync.Mutex
	byUser map[string]*session
}

// NewSessions creates a registry. A non-positive ttl uses DefaultIdleTTL.
func NewSessions(factory ViewFactory, ttl time.Duration, logger *log.Logger) *Sessions {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &Sessions{
		factory: factory,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		byUser:  make(map[string]*session),
	}
}

// Acquire returns the user's mounted view, mounting a new one on first use.
// Concurrent first requests for one user share a single mount; other users
// are not held up by it. A request carrying a different bearer updates the
// session's token in place.
func (s *Sessions) Acquire(ctx context.Context, user domain.User, bearer string) (*board.View, error) {
	for {
		s.mu.Lock()
		sess, ok := s.byUser[user.ID]
		if !ok {
			return s.mountLocked(ctx, user, bearer)
		}
		s.mu.Unlock()

		select {
		case <-sess.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		s.mu.Lock()
		if s.byUser[user.ID] != sess {
			// Mount failed or the session was dropped meanwhile.
			s.mu.Unlock()
			continue
		}
		if !sess.view.Mounted() {
			s.dropLocked(user.ID, sess, "unmounted")
			s.mu.Unlock()
			continue
		}
		if sess.token.Set(bearer) {
			s.logger.WithFields(log.Fields{"user": user.ID, "session": sess.id}).Debug("board session token rotated")
		}
		sess.lastSeen = s.now()
		s.mu.Unlock()
		return sess.view, nil
	}
}

// mountLocked registers a pending session, releases s.mu and mounts the view
// outside of it.
func (s *Sessions) mountLocked(ctx context.Context, user domain.User, bearer string) (*board.View, error) {
	sess := &session{
		id:       uuid.NewString(),
		token:    client.NewToken(bearer),
		lastSeen: s.now(),
		ready:    make(chan struct{}),
	}
	s.byUser[user.ID] = sess
	s.mu.Unlock()

	view, err := s.factory(user, sess.token)
	if err == nil {
		err = view.Mount(ctx)
	}

	s.mu.Lock()
	current := s.byUser[user.ID] == sess
	if err != nil {
		if current {
			delete(s.byUser, user.ID)
		}
		close(sess.ready)
		s.mu.Unlock()
		return nil, err
	}
	if !current {
		close(sess.ready)
		s.mu.Unlock()
		_ = view.Unmount()
		return nil, errSessionClosed
	}
	sess.view = view
	sess.lastSeen = s.now()
	close(sess.ready)
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{"user": user.ID, "session": sess.id}).Info("board session started")
	return view, nil
}

// Pin keeps the user's session alive until the returned func is called.
// Open streams pin their session.
func (s *Sessions) Pin(userID string) func() {
	s.mu.Lock()
	sess, ok := s.byUser[userID]
	if ok {
		sess.streams++
	}
	s.mu.Unlock()
	if !ok {
		return func() {}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			sess.streams--
			sess.lastSeen = s.now()
			s.mu.Unlock()
		})
	}
}

// Release unmounts the user's view. It reports whether one existed.
func (s *Sessions) Release(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byUser[userID]
	if ok {
		s.dropLocked(userID, sess, "released")
	}
	return ok
}

// Sweep unmounts sessions idle for longer than the TTL and returns how many
// were dropped.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	n := 0
	for userID, sess := range s.byUser {
		if sess.view == nil || sess.streams > 0 || sess.lastSeen.After(cutoff) {
			continue
		}
		s.dropLocked(userID, sess, "idle")
		n++
	}
	return n
}

// Run sweeps idle sessions until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// CloseAll unmounts every session.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, sess := range s.byUser {
		s.dropLocked(userID, sess, "shutdown")
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}

func (s *Sessions) dropLocked(userID string, sess *session, reason string) {
	delete(s.byUser, userID)
	entry := s.logger.WithFields(log.Fields{"user": userID, "session": sess.id, "reason": reason})
	if sess.view == nil {
		// Still mounting; the mounting request unmounts the view itself.
		entry.Info("board session cancelled")
		return
	}
	if err := sess.view.Unmount(); err != nil {
		entry.WithError(err).Warn("board session ended with error")
		return
	}
	entry.Info("board session ended")
}
