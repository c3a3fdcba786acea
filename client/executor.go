package client

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strata-db/strata-go/transport"
)

// executor sends statements and DML batches to the server: it resolves the
// transaction selector, allocates sequence numbers, and applies the retry
// protocol. Retries are bounded: at most one re-send after a session reset
// for standalone statements, and at most one re-send after an explicit begin
// for the first statement of a deferred-begin transaction. ABORTED is never
// retried here; it is surfaced for the caller's transaction-level replay.
type executor struct {
	rpc     transport.DatabaseClient
	session *sessionHandle
	logger  *zap.Logger
}

// sendFunc performs one remote attempt and returns the result metadata.
type sendFunc func(ctx context.Context, session transport.SessionRef, sel transport.Selector, seqno int64) (transport.ResultMetadata, error)

func (e *executor) send(ctx context.Context, tx *transactionContext, desc string, do sendFunc) error {
	if tx != nil {
		switch tx.stateNow() {
		case txAborted:
			// Fail fast, no remote call.
			return errTransactionAbortedEarlier(tx.remoteID())
		case txCommitted, txRolledBack:
			return ErrNoActiveTransaction("execute under")
		}
	}

	traceID := uuid.New().String()
	triedSessionReset := false
	triedExplicitBegin := false

	for attempt := 1; ; attempt++ {
		session, err := e.session.acquire(ctx)
		if err != nil {
			return err
		}

		sel := transport.SingleUse()
		var seqno int64
		if tx != nil {
			sel = tx.selector()
			seqno = tx.nextSeqno()
		}

		e.logger.Debug("sending request",
			zap.String("trace_id", traceID),
			zap.String("statement", desc),
			zap.Stringer("selector", sel.Kind),
			zap.Int64("seqno", seqno),
			zap.Int("attempt", attempt))

		meta, err := do(ctx, session, sel, seqno)
		if err == nil {
			if tx != nil && meta.TransactionID != "" {
				if !tx.bindRemoteID(meta.TransactionID) {
					e.logger.Warn("server returned a different transaction id, keeping the bound one",
						zap.String("trace_id", traceID),
						zap.String("bound", string(tx.remoteID())),
						zap.String("returned", string(meta.TransactionID)))
				}
			}
			return nil
		}

		switch {
		case transport.IsAborted(err):
			if tx == nil {
				return err
			}
			tx.markAborted()
			return errTransactionAborted(tx.remoteID(), err)

		case transport.IsSessionNotFound(err) || transport.IsTransactionNotFound(err):
			if tx != nil {
				// Earlier statements of the transaction died with the
				// session; this statement alone cannot be retried safely.
				tx.markAborted()
				if rerr := e.session.reset(ctx); rerr != nil {
					e.logger.Warn("session reset failed after loss",
						zap.String("trace_id", traceID),
						zap.Error(rerr))
				}
				return errTransactionReplayRequired(tx.remoteID(), err)
			}
			if triedSessionReset {
				return err
			}
			e.logger.Warn("session lost, resetting and retrying once",
				zap.String("trace_id", traceID),
				zap.Error(err))
			if rerr := e.session.reset(ctx); rerr != nil {
				return rerr
			}
			triedSessionReset = true
			continue

		case transport.IsMutationLimit(err):
			// Request too large, never retryable.
			return err

		default:
			// A failure under a begin selector may mean the server rejected
			// the piggybacked begin. Begin explicitly and re-send once with
			// the bound id. If the explicit begin itself fails, the original
			// statement error propagates, not the begin failure.
			if tx != nil && sel.Kind == transport.SelectorBegin && !triedExplicitBegin {
				triedExplicitBegin = true
				id, berr := e.rpc.BeginTransaction(ctx, session, tx.opts)
				if berr != nil {
					e.logger.Warn("explicit begin after first-statement failure also failed",
						zap.String("trace_id", traceID),
						zap.Error(berr))
					return err
				}
				tx.bindRemoteID(id)
				continue
			}
			return err
		}
	}
}

// executeStatement sends one statement under the current transaction, or as
// a single-use statement when tx is nil.
func (e *executor) executeStatement(ctx context.Context, tx *transactionContext, stmt transport.Statement) (*transport.ExecuteResult, error) {
	var res *transport.ExecuteResult
	err := e.send(ctx, tx, stmt.SQL, func(ctx context.Context, session transport.SessionRef, sel transport.Selector, seqno int64) (transport.ResultMetadata, error) {
		r, err := e.rpc.ExecuteQuery(ctx, transport.ExecuteRequest{
			Session:   session,
			Statement: stmt,
			Selector:  sel,
			Seqno:     seqno,
		})
		if err != nil {
			return transport.ResultMetadata{}, err
		}
		res = r
		return r.Metadata, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// executeBatch sends an ordered DML batch as one unit. The retry rules are
// the same as for single statements and always re-send the whole batch.
func (e *executor) executeBatch(ctx context.Context, tx *transactionContext, stmts []transport.Statement) (*transport.BatchResult, error) {
	var res *transport.BatchResult
	err := e.send(ctx, tx, "(dml batch)", func(ctx context.Context, session transport.SessionRef, sel transport.Selector, seqno int64) (transport.ResultMetadata, error) {
		r, err := e.rpc.BatchUpdate(ctx, transport.BatchRequest{
			Session:    session,
			Statements: stmts,
			Selector:   sel,
			Seqno:      seqno,
		})
		if err != nil {
			return transport.ResultMetadata{}, err
		}
		res = r
		return r.Metadata, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
