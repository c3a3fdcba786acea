package client

import (
	"context"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/strata-db/strata-go/transport"
	"go.uber.org/zap"
)

// Target names one database: the instance hosting it and the database name.
type Target struct {
	Instance string
	Database string
}

// String returns the target in instance/database form.
func (t Target) String() string {
	return t.Instance + "/" + t.Database
}

// key hashes the target for the registry map. The separator keeps
// ("ab","c") and ("a","bc") distinct.
func (t Target) key() uint64 {
	return xxhash.Sum64String(t.Instance + "\x00" + t.Database)
}

// ClientFactory dials the remote database service for a target. It is called
// at most once per target per registry; the returned client must be safe for
// concurrent use.
type ClientFactory func(ctx context.Context, target Target) (transport.DatabaseClient, error)

// Registry hands out connections and shares one remote client per target
// across all of them, so every connection to the same database reuses the
// same underlying channel. The registry itself is safe for concurrent use;
// the connections it opens are not.
type Registry struct {
	factory ClientFactory
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[uint64]transport.DatabaseClient
	closed  bool
}

// NewRegistry creates a registry over a client factory. Options apply to
// every connection the registry opens.
func NewRegistry(factory ClientFactory, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		factory: factory,
		opts:    opts,
		logger:  opts.Logger,
		clients: make(map[uint64]transport.DatabaseClient),
	}
}

// Open returns a new connection to the target, dialing the remote client on
// the first call for that target and reusing it afterwards.
func (r *Registry) Open(ctx context.Context, target Target) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrConnClosed("open a connection")
	}

	key := target.key()
	rpc, ok := r.clients[key]
	if !ok {
		var err error
		rpc, err = r.factory(ctx, target)
		if err != nil {
			return nil, &SessionError{
				Code:    "E_CLIENT_DIAL_FAILED",
				Message: "failed to create database client for " + target.String(),
				Cause:   err,
			}
		}
		r.clients[key] = rpc
		r.logger.Debug("database client created", zap.Stringer("target", target))
	}

	return NewConn(rpc, target, r.opts), nil
}

// Clear closes every cached client and empties the registry. Connections
// opened earlier become unusable. The registry stays open; the next Open
// dials fresh clients.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearLocked()
}

// Close clears the registry and rejects further Opens.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.clearLocked()
}

func (r *Registry) clearLocked() error {
	var firstErr error
	for key, rpc := range r.clients {
		if err := rpc.Close(); err != nil {
			r.logger.Warn("failed to close database client", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(r.clients, key)
	}
	return firstErr
}
