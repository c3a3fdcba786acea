package client

import (
	"fmt"
	"time"

	"github.com/strata-db/strata-go/transport"
)

// PreconditionError reports driver misuse detected before any remote call:
// nested transactions, batch-on-batch, commit without a transaction, use of
// a closed connection. It is a programming error and is never retried.
type PreconditionError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AbortedError reports that the transaction cannot continue and must be
// replayed from the beginning by the caller. It is raised both for server
// ABORTED responses (optimistic concurrency conflict) and for session or
// transaction loss while a transaction was active.
type AbortedError struct {
	Code          string
	Message       string
	TransactionID transport.TransactionID

	// RetryDelay is the server's backoff hint, zero when the server sent
	// none. Callers honoring it in their outer retry loop avoids thundering
	// re-conflicts.
	RetryDelay time.Duration

	Cause error
}

// Error implements the error interface.
func (e *AbortedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (TX: %s, caused by: %s)", e.Code, e.Message, e.TransactionID, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s (TX: %s)", e.Code, e.Message, e.TransactionID)
}

// Unwrap returns the underlying cause for errors.Is and errors.As.
func (e *AbortedError) Unwrap() error {
	return e.Cause
}

// TransactionError reports a failed transaction lifecycle operation.
type TransactionError struct {
	Code          string
	Message       string
	TransactionID transport.TransactionID
	State         string
	Cause         error
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (TX: %s, caused by: %s)", e.Code, e.Message, e.TransactionID, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s (TX: %s)", e.Code, e.Message, e.TransactionID)
}

// Unwrap returns the underlying cause.
func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// SessionError reports a failed session acquire or release.
type SessionError struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// SchemaError reports a failed schema update, either the RPC itself or the
// terminal failure of the long-running schema job.
type SchemaError struct {
	Code       string
	Message    string
	Statements int
	Cause      error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SchemaError) Unwrap() error {
	return e.Cause
}

// ErrTransactionAlreadyActive creates the precondition error for starting a
// transaction while one exists on the connection.
func ErrTransactionAlreadyActive(id transport.TransactionID) *PreconditionError {
	return &PreconditionError{
		Code:    "E_TX_ALREADY_ACTIVE",
		Message: "transaction already in progress",
		Details: map[string]interface{}{
			"transaction_id": string(id),
		},
	}
}

// ErrNoActiveTransaction creates the precondition error for commit/rollback
// without an active transaction.
func ErrNoActiveTransaction(operation string) *PreconditionError {
	return &PreconditionError{
		Code:    "E_NO_ACTIVE_TX",
		Message: fmt.Sprintf("no active transaction to %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// ErrBatchAlreadyActive creates the precondition error for opening a batch
// while one of either kind is open.
func ErrBatchAlreadyActive(open batchKind) *PreconditionError {
	return &PreconditionError{
		Code:    "E_BATCH_ALREADY_ACTIVE",
		Message: fmt.Sprintf("a %s batch is already active on this connection", open),
		Details: map[string]interface{}{
			"open_batch": open.String(),
		},
	}
}

// ErrNoActiveBatch creates the precondition error for running or pushing to
// a batch when none is open.
func ErrNoActiveBatch(operation string) *PreconditionError {
	return &PreconditionError{
		Code:    "E_NO_ACTIVE_BATCH",
		Message: fmt.Sprintf("no active batch to %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// ErrBatchKindMismatch creates the precondition error for a statement that
// does not belong in the open batch.
func ErrBatchKindMismatch(open batchKind, sql string) *PreconditionError {
	return &PreconditionError{
		Code:    "E_BATCH_KIND_MISMATCH",
		Message: fmt.Sprintf("statement cannot be buffered in the open %s batch", open),
		Details: map[string]interface{}{
			"open_batch": open.String(),
			"statement":  sql,
		},
	}
}

// ErrDDLBatchInTransaction creates the precondition error for opening a DDL
// batch while a read/write transaction is active. Schema changes are not
// transactional.
func ErrDDLBatchInTransaction() *PreconditionError {
	return &PreconditionError{
		Code:    "E_DDL_IN_TX",
		Message: "cannot start a DDL batch while a transaction is active",
	}
}

// ErrBatchStillOpen creates the precondition error for committing while a
// batch still holds buffered statements.
func ErrBatchStillOpen(operation string, open batchKind) *PreconditionError {
	return &PreconditionError{
		Code:    "E_BATCH_STILL_OPEN",
		Message: fmt.Sprintf("cannot %s with an open %s batch, run or abort it first", operation, open),
		Details: map[string]interface{}{
			"operation":  operation,
			"open_batch": open.String(),
		},
	}
}

// ErrDeleteRowsInTransaction creates the precondition error for the bulk
// delete RPC inside a transaction. The RPC commits on its own and would not
// honor the transaction's isolation.
func ErrDeleteRowsInTransaction(table string) *PreconditionError {
	return &PreconditionError{
		Code:    "E_DELETE_ROWS_IN_TX",
		Message: "cannot bulk-delete rows inside a transaction, use a DELETE statement instead",
		Details: map[string]interface{}{
			"table": table,
		},
	}
}

// ErrConnClosed creates the precondition error for operations on a closed
// connection.
func ErrConnClosed(operation string) *PreconditionError {
	return &PreconditionError{
		Code:    "E_CONN_CLOSED",
		Message: fmt.Sprintf("connection is closed, cannot %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// ErrNoCommitTimestamp creates the precondition error for reading the commit
// timestamp before any transaction committed on the connection.
func ErrNoCommitTimestamp() *PreconditionError {
	return &PreconditionError{
		Code:    "E_NO_COMMIT_TS",
		Message: "this connection has not committed a read/write transaction yet",
	}
}

// errTransactionAborted wraps a server ABORTED response, carrying the
// server's retry-delay hint when present.
func errTransactionAborted(id transport.TransactionID, cause error) *AbortedError {
	delay, _ := transport.RetryDelay(cause)
	return &AbortedError{
		Code:          "E_TX_ABORTED",
		Message:       "transaction aborted, replay it from the beginning",
		TransactionID: id,
		RetryDelay:    delay,
		Cause:         cause,
	}
}

// errTransactionAbortedEarlier is the fail-fast error for statements sent on
// a context already marked aborted. No remote call is made.
func errTransactionAbortedEarlier(id transport.TransactionID) *AbortedError {
	return &AbortedError{
		Code:          "E_TX_ABORTED",
		Message:       "transaction was aborted earlier, replay it from the beginning",
		TransactionID: id,
	}
}

// errTransactionReplayRequired reports that the server lost the session or
// transaction mid-flight: earlier statements are unrecoverable, so the whole
// transaction must be replayed against the fresh session.
func errTransactionReplayRequired(id transport.TransactionID, cause error) *AbortedError {
	return &AbortedError{
		Code:          "E_TX_SESSION_LOST",
		Message:       "session or transaction lost by the server, replay the transaction from the beginning",
		TransactionID: id,
		Cause:         cause,
	}
}
