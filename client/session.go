package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-db/strata-go/transport"
)

// sessionHandle wraps the one server-side session a Conn owns. The session
// is created lazily on first need and transparently re-created after release
// or reset. lastUsed drives the staleness heuristic: a session used within
// the idle threshold is assumed live without a round trip.
type sessionHandle struct {
	rpc      transport.DatabaseClient
	instance string
	database string

	idleThreshold time.Duration
	probeSQL      string
	logger        *zap.Logger

	mu       sync.Mutex
	ref      transport.SessionRef
	lastUsed time.Time
}

func newSessionHandle(rpc transport.DatabaseClient, target Target, opts Options) *sessionHandle {
	return &sessionHandle{
		rpc:           rpc,
		instance:      target.Instance,
		database:      target.Database,
		idleThreshold: opts.SessionIdleThreshold,
		probeSQL:      opts.ProbeStatement,
		logger:        opts.Logger,
	}
}

// acquire returns the existing session or creates one, updating the
// last-used timestamp either way.
func (s *sessionHandle) acquire(ctx context.Context) (transport.SessionRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ref != "" {
		s.lastUsed = time.Now()
		return s.ref, nil
	}

	ref, err := s.rpc.CreateSession(ctx, s.instance, s.database)
	if err != nil {
		return "", &SessionError{
			Code:    "E_SESSION_CREATE_FAILED",
			Message: "failed to create session",
			Cause:   err,
		}
	}

	s.logger.Debug("session created",
		zap.String("session", string(ref)),
		zap.String("database", s.database))

	s.ref = ref
	s.lastUsed = time.Now()
	return ref, nil
}

// isActive reports whether a live session exists. Sessions younger than the
// idle threshold are trusted; older ones are probed with a no-op query. It
// never returns an error: a failed probe means inactive.
func (s *sessionHandle) isActive(ctx context.Context) bool {
	s.mu.Lock()
	ref := s.ref
	age := time.Since(s.lastUsed)
	s.mu.Unlock()

	if ref == "" {
		return false
	}
	if s.idleThreshold > 0 && age < s.idleThreshold {
		return true
	}

	_, err := s.rpc.ExecuteQuery(ctx, transport.ExecuteRequest{
		Session:   ref,
		Statement: transport.Statement{SQL: s.probeSQL},
		Selector:  transport.SingleUse(),
	})
	if err != nil {
		s.logger.Debug("session probe failed",
			zap.String("session", string(ref)),
			zap.Error(err))
		return false
	}

	s.mu.Lock()
	if s.ref == ref {
		s.lastUsed = time.Now()
	}
	s.mu.Unlock()
	return true
}

// release tells the server to drop the session and clears the local handle.
// The handle is cleared even when the release RPC fails, so the next acquire
// starts fresh.
func (s *sessionHandle) release(ctx context.Context) error {
	s.mu.Lock()
	ref := s.ref
	s.ref = ""
	s.mu.Unlock()

	if ref == "" {
		return nil
	}

	if err := s.rpc.ReleaseSession(ctx, ref); err != nil {
		return &SessionError{
			Code:    "E_SESSION_RELEASE_FAILED",
			Message: "failed to release session",
			Cause:   err,
		}
	}
	return nil
}

// reset drops the current session and acquires a fresh one. Used after the
// server reports the session or transaction as gone; the release is best
// effort because the old session is usually already dead.
func (s *sessionHandle) reset(ctx context.Context) error {
	if err := s.release(ctx); err != nil {
		s.logger.Warn("failed to release session during reset", zap.Error(err))
	}
	_, err := s.acquire(ctx)
	return err
}

// current returns the session held right now, without touching lastUsed.
func (s *sessionHandle) current() transport.SessionRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}
