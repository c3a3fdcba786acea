// Package client implements the StrataDB connection, transaction and batch
// execution envelope: session lifecycle, deferred transaction begin, DDL/DML
// batching, and the classification-driven retry protocol around statements
// sent to the remote database.
package client

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/strata-db/strata-go/transport"
)

// TxOptions configures one read/write transaction.
type TxOptions struct {
	// Isolation selects the isolation mode. Default: Serializable.
	Isolation transport.IsolationLevel

	// ExcludeFromChangeStreams keeps the transaction's writes out of change
	// streams.
	ExcludeFromChangeStreams bool
}

// Result is the outcome of Execute. When the statement was added to an open
// batch instead of being sent, Buffered is true and the other fields are
// zero until the batch runs.
type Result struct {
	Columns  []string
	Rows     [][]interface{}
	RowCount int64
	Buffered bool
}

// Conn is one logical connection to a StrataDB database: it owns one lazily
// created session, at most one transaction, and at most one open DDL or DML
// batch. A Conn is not safe for concurrent use; callers needing concurrency
// open one Conn per unit of work (see Registry).
type Conn struct {
	rpc    transport.DatabaseClient
	target Target
	opts   Options
	logger *zap.Logger

	session *sessionHandle
	exec    *executor

	tx       *transactionContext
	batch    *batch
	commitTs *time.Time
	closed   bool
}

// NewConn creates a connection over an existing remote database client. The
// session is created lazily on the first statement. Most callers open
// connections through a Registry instead.
func NewConn(rpc transport.DatabaseClient, target Target, opts Options) *Conn {
	opts = opts.withDefaults()
	session := newSessionHandle(rpc, target, opts)
	return &Conn{
		rpc:     rpc,
		target:  target,
		opts:    opts,
		logger:  opts.Logger,
		session: session,
		exec: &executor{
			rpc:     rpc,
			session: session,
			logger:  opts.Logger,
		},
	}
}

// Execute runs one statement under the current transaction, or standalone
// when no transaction is active. While a matching batch is open, DML/DDL
// statements are buffered instead of sent; queries always go to the server
// directly.
func (c *Conn) Execute(ctx context.Context, sql string, params map[string]interface{}) (*Result, error) {
	if c.closed {
		return nil, ErrConnClosed("execute")
	}

	if c.batch != nil {
		switch {
		case c.batch.kind == batchDML && isDMLStatement(sql):
			c.batch.push(transport.Statement{SQL: sql, Params: params})
			return &Result{Buffered: true}, nil
		case c.batch.kind == batchDDL && isDDLStatement(sql):
			c.batch.push(transport.Statement{SQL: sql})
			return &Result{Buffered: true}, nil
		case c.batch.kind == batchDDL && isDMLStatement(sql):
			return nil, ErrBatchKindMismatch(batchDDL, sql)
		case c.batch.kind == batchDML && isDDLStatement(sql):
			return nil, ErrBatchKindMismatch(batchDML, sql)
		}
	}

	res, err := c.exec.executeStatement(ctx, c.tx, transport.Statement{SQL: sql, Params: params})
	if err != nil {
		return nil, err
	}
	return &Result{Columns: res.Columns, Rows: res.Rows, RowCount: res.RowCount}, nil
}

// BeginTransaction starts a read/write transaction locally. No RPC happens
// here: the begin request rides on the first statement. Starting a second
// transaction while one exists is a precondition error.
func (c *Conn) BeginTransaction(opts TxOptions) error {
	if c.closed {
		return ErrConnClosed("begin a transaction")
	}
	if c.tx != nil {
		return ErrTransactionAlreadyActive(c.tx.remoteID())
	}

	c.tx = newTransactionContext(transport.TransactionOptions{
		Isolation:                opts.Isolation,
		ExcludeFromChangeStreams: opts.ExcludeFromChangeStreams,
	})
	c.logger.Debug("transaction started",
		zap.Stringer("isolation", opts.Isolation),
		zap.Bool("exclude_from_change_streams", opts.ExcludeFromChangeStreams))
	return nil
}

// CommitTransaction commits the active transaction and returns the server's
// commit timestamp. If no statement was ever sent, the transaction is first
// begun explicitly so the server still owns the timestamp.
func (c *Conn) CommitTransaction(ctx context.Context) (time.Time, error) {
	if c.closed {
		return time.Time{}, ErrConnClosed("commit")
	}
	if c.tx == nil {
		return time.Time{}, ErrNoActiveTransaction("commit")
	}
	if c.batch != nil {
		return time.Time{}, ErrBatchStillOpen("commit", c.batch.kind)
	}

	tx := c.tx
	if tx.stateNow() == txAborted {
		return time.Time{}, errTransactionAbortedEarlier(tx.remoteID())
	}

	session, err := c.session.acquire(ctx)
	if err != nil {
		return time.Time{}, err
	}

	id := tx.remoteID()
	if id == "" {
		bid, berr := c.rpc.BeginTransaction(ctx, session, tx.opts)
		if berr != nil {
			return time.Time{}, &TransactionError{
				Code:    "E_BEGIN_FAILED",
				Message: "failed to begin empty transaction for commit",
				State:   tx.stateNow().String(),
				Cause:   berr,
			}
		}
		tx.bindRemoteID(bid)
		id = bid
	}

	ts, err := c.rpc.Commit(ctx, session, id)
	if err != nil {
		switch {
		case transport.IsAborted(err):
			tx.markAborted()
			return time.Time{}, errTransactionAborted(id, err)
		case transport.IsSessionNotFound(err) || transport.IsTransactionNotFound(err):
			tx.markAborted()
			if rerr := c.session.reset(ctx); rerr != nil {
				c.logger.Warn("session reset failed after loss during commit", zap.Error(rerr))
			}
			return time.Time{}, errTransactionReplayRequired(id, err)
		default:
			return time.Time{}, &TransactionError{
				Code:          "E_COMMIT_FAILED",
				Message:       "failed to commit transaction",
				TransactionID: id,
				State:         tx.stateNow().String(),
				Cause:         err,
			}
		}
	}

	tx.markCommitted()
	c.tx = nil
	c.commitTs = &ts
	c.logger.Debug("transaction committed",
		zap.String("transaction_id", string(id)),
		zap.Time("commit_ts", ts))
	return ts, nil
}

// RollbackTransaction rolls back the active transaction. The local context
// is always cleared, even when the rollback RPC fails; a transaction the
// server already lost counts as rolled back.
func (c *Conn) RollbackTransaction(ctx context.Context) error {
	if c.closed {
		return ErrConnClosed("rollback")
	}
	if c.tx == nil {
		return ErrNoActiveTransaction("rollback")
	}

	tx := c.tx
	c.tx = nil
	if c.batch != nil && c.batch.kind == batchDML {
		// Buffered DML belonged to the transaction being discarded.
		c.batch = nil
	}

	id := tx.remoteID()
	session := c.session.current()
	if id == "" || session == "" {
		// Nothing ever reached the server, or the session holding the
		// transaction is already gone.
		tx.markRolledBack()
		return nil
	}

	if err := c.rpc.Rollback(ctx, session, id); err != nil {
		if transport.IsSessionNotFound(err) || transport.IsTransactionNotFound(err) {
			c.logger.Debug("transaction already gone on rollback",
				zap.String("transaction_id", string(id)))
		} else {
			tx.markRolledBack()
			return &TransactionError{
				Code:          "E_ROLLBACK_FAILED",
				Message:       "failed to rollback transaction",
				TransactionID: id,
				Cause:         err,
			}
		}
	}

	tx.markRolledBack()
	return nil
}

// InTransaction runs fn inside a transaction: commit on success, rollback on
// error or panic (the panic is re-thrown). The caller is responsible for
// replaying the whole call when the returned error is an AbortedError.
func (c *Conn) InTransaction(ctx context.Context, opts TxOptions, fn func(conn *Conn) error) error {
	if err := c.BeginTransaction(opts); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := c.RollbackTransaction(ctx); rbErr != nil {
				c.logger.Error("failed to rollback transaction after panic", zap.Error(rbErr))
			}
			c.logger.Warn("transaction rolled back due to panic",
				zap.String("stack", string(debug.Stack())))
			panic(r)
		}
	}()

	if err := fn(c); err != nil {
		if rbErr := c.RollbackTransaction(ctx); rbErr != nil {
			c.logger.Error("failed to rollback transaction after error",
				zap.NamedError("original_error", err),
				zap.NamedError("rollback_error", rbErr))
		}
		return err
	}

	_, err := c.CommitTransaction(ctx)
	if err != nil && c.tx != nil {
		// Commit left an aborted context behind; clear it so the Conn stays
		// usable for the caller's replay.
		if rbErr := c.RollbackTransaction(ctx); rbErr != nil {
			c.logger.Error("failed to rollback transaction after commit failure", zap.Error(rbErr))
		}
	}
	return err
}

// StartBatchDDL opens a DDL batch. Subsequent DDL statements are buffered
// until RunBatch sends them as one schema-update job. Schema changes are not
// transactional, so a DDL batch cannot be opened inside a transaction.
func (c *Conn) StartBatchDDL() error {
	if c.closed {
		return ErrConnClosed("start a DDL batch")
	}
	if c.tx != nil {
		return ErrDDLBatchInTransaction()
	}
	if c.batch != nil {
		return ErrBatchAlreadyActive(c.batch.kind)
	}
	c.batch = &batch{kind: batchDDL}
	return nil
}

// StartBatchDML opens a DML batch. Subsequent DML statements are buffered
// until RunBatch sends them as one atomic batch update, inside the current
// transaction if one is active.
func (c *Conn) StartBatchDML() error {
	if c.closed {
		return ErrConnClosed("start a DML batch")
	}
	if c.batch != nil {
		return ErrBatchAlreadyActive(c.batch.kind)
	}
	c.batch = &batch{kind: batchDML}
	return nil
}

// InDDLBatch reports whether a DDL batch is open.
func (c *Conn) InDDLBatch() bool {
	return c.batch != nil && c.batch.kind == batchDDL
}

// InDMLBatch reports whether a DML batch is open.
func (c *Conn) InDMLBatch() bool {
	return c.batch != nil && c.batch.kind == batchDML
}

// BatchedStatements returns a copy of the currently buffered statements.
func (c *Conn) BatchedStatements() []transport.Statement {
	if c.batch == nil {
		return nil
	}
	out := make([]transport.Statement, len(c.batch.statements))
	copy(out, c.batch.statements)
	return out
}

// AbortBatch discards the open batch and its buffered statements. Always
// safe, also when no batch is open.
func (c *Conn) AbortBatch() error {
	c.batch = nil
	return nil
}

// RunBatch sends the buffered statements. DDL batches run as one blocking
// schema-update job; DML batches run as one atomic batch update and return
// the per-statement row counts. The buffer is cleared on every outcome.
func (c *Conn) RunBatch(ctx context.Context) ([]int64, error) {
	if c.closed {
		return nil, ErrConnClosed("run a batch")
	}
	b := c.batch
	if b == nil {
		return nil, ErrNoActiveBatch("run")
	}
	c.batch = nil

	if len(b.statements) == 0 {
		return nil, nil
	}

	switch b.kind {
	case batchDDL:
		ddl := make([]string, len(b.statements))
		for i, stmt := range b.statements {
			ddl[i] = stmt.SQL
		}
		return nil, c.UpdateSchema(ctx, ddl)
	default:
		res, err := c.exec.executeBatch(ctx, c.tx, b.statements)
		if err != nil {
			return nil, err
		}
		return res.RowCounts, nil
	}
}

// DDLBatch opens a DDL batch, lets fn push statements, and runs them as one
// schema-update job. The buffer is discarded on every exit path, including
// errors and panics, which are re-propagated.
func (c *Conn) DDLBatch(ctx context.Context, fn func(b *Batch) error) error {
	if err := c.StartBatchDDL(); err != nil {
		return err
	}
	defer func() {
		_ = c.AbortBatch()
	}()

	if err := fn(&Batch{conn: c, kind: batchDDL}); err != nil {
		return err
	}
	_, err := c.RunBatch(ctx)
	return err
}

// DMLBatch opens a DML batch, lets fn push statements, runs them as one
// atomic batch update and returns the per-statement row counts. The buffer
// is discarded on every exit path.
func (c *Conn) DMLBatch(ctx context.Context, fn func(b *Batch) error) ([]int64, error) {
	if err := c.StartBatchDML(); err != nil {
		return nil, err
	}
	defer func() {
		_ = c.AbortBatch()
	}()

	if err := fn(&Batch{conn: c, kind: batchDML}); err != nil {
		return nil, err
	}
	return c.RunBatch(ctx)
}

// UpdateSchema applies DDL statements as one schema-update job and blocks
// until the job reaches a terminal state, surfacing the job's error.
func (c *Conn) UpdateSchema(ctx context.Context, statements []string) error {
	if c.closed {
		return ErrConnClosed("update the schema")
	}

	job, err := c.rpc.UpdateSchema(ctx, c.target.Database, statements)
	if err != nil {
		return &SchemaError{
			Code:       "E_SCHEMA_UPDATE_FAILED",
			Message:    "schema update request failed",
			Statements: len(statements),
			Cause:      err,
		}
	}
	if err := job.Wait(ctx); err != nil {
		return &SchemaError{
			Code:       "E_SCHEMA_JOB_FAILED",
			Message:    "schema update job failed",
			Statements: len(statements),
			Cause:      err,
		}
	}
	return nil
}

// DeleteRows removes every row of a table through the dedicated RPC. Not
// allowed inside a transaction. A lost session is reset and the call retried
// once, like any other standalone statement.
func (c *Conn) DeleteRows(ctx context.Context, table string) error {
	if c.closed {
		return ErrConnClosed("delete rows")
	}
	if c.tx != nil {
		return ErrDeleteRowsInTransaction(table)
	}

	retried := false
	for {
		session, err := c.session.acquire(ctx)
		if err != nil {
			return err
		}
		err = c.rpc.DeleteRows(ctx, session, table)
		if err == nil {
			return nil
		}
		if transport.IsSessionNotFound(err) && !retried {
			retried = true
			if rerr := c.session.reset(ctx); rerr != nil {
				return rerr
			}
			continue
		}
		return err
	}
}

// Ping probes the connection with the no-op statement.
func (c *Conn) Ping(ctx context.Context) error {
	if c.closed {
		return ErrConnClosed("ping")
	}
	_, err := c.exec.executeStatement(ctx, nil, transport.Statement{SQL: c.opts.ProbeStatement})
	return err
}

// SessionActive reports whether the connection currently holds a live
// session, probing the server when the session is older than the configured
// idle threshold. It never fails: a failed probe means false.
func (c *Conn) SessionActive(ctx context.Context) bool {
	if c.closed {
		return false
	}
	return c.session.isActive(ctx)
}

// CommitTimestamp returns the commit timestamp of the last transaction that
// committed successfully on this connection.
func (c *Conn) CommitTimestamp() (time.Time, error) {
	if c.commitTs == nil {
		return time.Time{}, ErrNoCommitTimestamp()
	}
	return *c.commitTs, nil
}

// Close tears the connection down: any active transaction is rolled back
// and the session released, both best effort. Release failures are logged
// and swallowed; this is the only place the driver swallows an error.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.batch = nil

	if c.tx != nil {
		tx := c.tx
		c.tx = nil
		id := tx.remoteID()
		session := c.session.current()
		if id != "" && session != "" && tx.stateNow() == txActive {
			if err := c.rpc.Rollback(ctx, session, id); err != nil {
				c.logger.Warn("failed to rollback transaction during close",
					zap.String("transaction_id", string(id)),
					zap.Error(err))
			}
		}
		tx.markRolledBack()
	}

	if err := c.session.release(ctx); err != nil {
		c.logger.Warn("failed to release session during close", zap.Error(err))
	}
	return nil
}
