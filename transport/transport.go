// Package transport defines the remote database client contract for StrataDB.
//
// The driver never talks to the wire directly: everything it needs from the
// server is expressed as the DatabaseClient interface below. Production
// builds plug in the gRPC-backed client; tests use the scripted client in
// the mock subpackage.
package transport

import (
	"context"
	"time"
)

// SessionRef is the server-side name of a session. The zero value means
// "no session".
type SessionRef string

// TransactionID is the server-assigned identifier of a transaction. The zero
// value means the transaction has not been bound yet.
type TransactionID string

// IsolationLevel selects the isolation mode for a read/write transaction.
type IsolationLevel int

const (
	// Serializable provides full external consistency.
	Serializable IsolationLevel = iota
	// RepeatableRead allows the server to relax ordering between
	// non-overlapping transactions.
	RepeatableRead
)

// String returns the string representation of the isolation level.
func (l IsolationLevel) String() string {
	switch l {
	case Serializable:
		return "SERIALIZABLE"
	case RepeatableRead:
		return "REPEATABLE READ"
	default:
		return "UNKNOWN"
	}
}

// TransactionOptions carries the transaction modifiers that ride on a begin
// request, either piggybacked on the first statement or sent explicitly.
type TransactionOptions struct {
	Isolation                IsolationLevel
	ExcludeFromChangeStreams bool
}

// SelectorKind enumerates the ways a statement can relate to a transaction.
type SelectorKind int

const (
	// SelectorSingleUse runs the statement standalone (autocommit).
	SelectorSingleUse SelectorKind = iota
	// SelectorBegin asks the server to start a new transaction with this
	// statement and return its id in the result metadata.
	SelectorBegin
	// SelectorID continues an already bound transaction.
	SelectorID
)

// String returns the string representation of the selector kind.
func (k SelectorKind) String() string {
	switch k {
	case SelectorSingleUse:
		return "SINGLE_USE"
	case SelectorBegin:
		return "BEGIN"
	case SelectorID:
		return "ID"
	default:
		return "UNKNOWN"
	}
}

// Selector is the transaction selector attached to every statement or batch.
type Selector struct {
	Kind SelectorKind

	// ID is set when Kind is SelectorID.
	ID TransactionID

	// Options is used when Kind is SelectorBegin.
	Options TransactionOptions
}

// SingleUse returns a selector for a standalone autocommit statement.
func SingleUse() Selector {
	return Selector{Kind: SelectorSingleUse}
}

// Begin returns a selector that piggybacks a transaction begin on the
// statement it is attached to.
func Begin(opts TransactionOptions) Selector {
	return Selector{Kind: SelectorBegin, Options: opts}
}

// ByID returns a selector that continues the bound transaction id.
func ByID(id TransactionID) Selector {
	return Selector{Kind: SelectorID, ID: id}
}

// Statement is one SQL statement with its typed parameters.
type Statement struct {
	SQL        string
	Params     map[string]interface{}
	ParamTypes map[string]string
}

// ResultMetadata is attached to every statement and batch result.
type ResultMetadata struct {
	// TransactionID is set when the request carried a begin selector and the
	// server started a transaction for it.
	TransactionID TransactionID
}

// ExecuteRequest is a single statement execution.
type ExecuteRequest struct {
	Session   SessionRef
	Statement Statement
	Selector  Selector

	// Seqno is the per-transaction sequence number used by the server for
	// replay detection. Zero for standalone statements.
	Seqno int64
}

// ExecuteResult is the outcome of a single statement execution.
type ExecuteResult struct {
	Columns  []string
	Rows     [][]interface{}
	RowCount int64
	Metadata ResultMetadata
}

// BatchRequest executes an ordered sequence of DML statements as one atomic
// request.
type BatchRequest struct {
	Session    SessionRef
	Statements []Statement
	Selector   Selector
	Seqno      int64
}

// BatchResult is the outcome of a batch update, with one row count per
// statement in request order.
type BatchResult struct {
	RowCounts []int64
	Metadata  ResultMetadata
}

// Job is a long-running schema change started by UpdateSchema.
type Job interface {
	// Wait blocks until the job reaches a terminal state or ctx is done, and
	// returns the job's error if it failed.
	Wait(ctx context.Context) error

	// Done reports whether the job has reached a terminal state.
	Done() bool
}

// DatabaseClient is the remote database contract the driver consumes. All
// calls are synchronous; deadlines and cancellation travel through ctx.
// Failures are gRPC status errors classified by the helpers in status.go.
type DatabaseClient interface {
	CreateSession(ctx context.Context, instance, database string) (SessionRef, error)
	ReleaseSession(ctx context.Context, session SessionRef) error

	ExecuteQuery(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
	BatchUpdate(ctx context.Context, req BatchRequest) (*BatchResult, error)

	BeginTransaction(ctx context.Context, session SessionRef, opts TransactionOptions) (TransactionID, error)
	Commit(ctx context.Context, session SessionRef, id TransactionID) (time.Time, error)
	Rollback(ctx context.Context, session SessionRef, id TransactionID) error

	UpdateSchema(ctx context.Context, database string, statements []string) (Job, error)
	DeleteRows(ctx context.Context, session SessionRef, table string) error

	// Close releases the underlying wire resources. The client must not be
	// used afterwards.
	Close() error
}
