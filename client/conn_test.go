package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata-go/transport"
	"github.com/strata-db/strata-go/transport/mock"
)

func newTestConnPair(t *testing.T) (*Conn, *mock.Client) {
	t.Helper()
	rpc := mock.NewClient()
	return NewConn(rpc, testTarget, DefaultOptions()), rpc
}

func newTestConn(t *testing.T) *Conn {
	conn, _ := newTestConnPair(t)
	return conn
}

// assertPrecondition fails the test unless err is a PreconditionError with
// the given code.
func assertPrecondition(t *testing.T, err error, code string) {
	t.Helper()
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, code, pre.Code)
}

func TestConnExecuteStandalone(t *testing.T) {
	conn, rpc := newTestConnPair(t)

	res, err := conn.Execute(context.Background(), "SELECT * FROM users", nil)

	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount)
	assert.False(t, res.Buffered)

	execs := rpc.CallsFor("ExecuteQuery")
	require.Len(t, execs, 1)
	assert.Equal(t, transport.SelectorSingleUse, execs[0].Selector.Kind)
}

func TestConnTransactionLifecycle(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	assert.Empty(t, rpc.Calls(), "begin is deferred until the first statement")

	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)

	ts, err := conn.CommitTransaction(ctx)
	require.NoError(t, err)
	assert.False(t, ts.IsZero())

	commits := rpc.CallsFor("Commit")
	require.Len(t, commits, 1)
	assert.Equal(t, transport.TransactionID("txn-1"), commits[0].TransactionID)

	got, err := conn.CommitTimestamp()
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	// The connection is free for the next transaction.
	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	require.NoError(t, conn.RollbackTransaction(ctx))
}

func TestConnNestedBeginFails(t *testing.T) {
	conn := newTestConn(t)

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	assertPrecondition(t, conn.BeginTransaction(TxOptions{}), "E_TX_ALREADY_ACTIVE")
}

func TestConnCommitWithoutTransactionFails(t *testing.T) {
	conn := newTestConn(t)

	_, err := conn.CommitTransaction(context.Background())
	assertPrecondition(t, err, "E_NO_ACTIVE_TX")
	assertPrecondition(t, conn.RollbackTransaction(context.Background()), "E_NO_ACTIVE_TX")
}

func TestConnCommitEmptyTransactionBeginsExplicitly(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	ts, err := conn.CommitTransaction(ctx)

	require.NoError(t, err)
	assert.False(t, ts.IsZero())
	require.Len(t, rpc.CallsFor("BeginTransaction"), 1, "an empty transaction still gets a server-side begin")
	require.Len(t, rpc.CallsFor("Commit"), 1)
}

func TestConnCommitAbortedTransactionFailsFast(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	rpc.StubExecuteError(transport.AbortedError("conflict", 0))
	_, err := conn.Execute(ctx, "UPDATE users SET name = 'x'", nil)
	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)

	_, err = conn.CommitTransaction(ctx)
	require.ErrorAs(t, err, &aborted)
	assert.Empty(t, rpc.CallsFor("Commit"), "no commit RPC for an aborted transaction")

	// Rollback clears the context.
	require.NoError(t, conn.RollbackTransaction(ctx))
	require.NoError(t, conn.BeginTransaction(TxOptions{}))
}

func TestConnCommitAbortedByServer(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)
	rpc.StubCommitError(transport.AbortedError("commit conflict", 10*time.Millisecond))

	_, err = conn.CommitTransaction(ctx)

	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "E_TX_ABORTED", aborted.Code)
	assert.Equal(t, 10*time.Millisecond, aborted.RetryDelay)
}

func TestConnCommitSessionLost(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)
	rpc.StubCommitError(transport.SessionNotFoundError("session-1"))

	_, err = conn.CommitTransaction(ctx)

	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, "E_TX_SESSION_LOST", aborted.Code)
	assert.Len(t, rpc.CallsFor("CreateSession"), 2, "session was reset for the replay")
}

func TestConnRollbackUnboundTransactionSkipsRPC(t *testing.T) {
	conn, rpc := newTestConnPair(t)

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	require.NoError(t, conn.RollbackTransaction(context.Background()))
	assert.Empty(t, rpc.CallsFor("Rollback"), "nothing reached the server, nothing to roll back")
}

func TestConnRollbackBoundTransaction(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)

	require.NoError(t, conn.RollbackTransaction(ctx))

	rollbacks := rpc.CallsFor("Rollback")
	require.Len(t, rollbacks, 1)
	assert.Equal(t, transport.TransactionID("txn-1"), rollbacks[0].TransactionID)
}

func TestConnRollbackSwallowsNotFound(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)
	rpc.StubRollbackError(transport.TransactionNotFoundError("txn-1"))

	assert.NoError(t, conn.RollbackTransaction(ctx), "a transaction the server already lost counts as rolled back")
}

func TestConnInTransactionCommitsOnSuccess(t *testing.T) {
	conn, rpc := newTestConnPair(t)

	err := conn.InTransaction(context.Background(), TxOptions{}, func(c *Conn) error {
		_, err := c.Execute(context.Background(), "INSERT INTO users (id) VALUES (1)", nil)
		return err
	})

	require.NoError(t, err)
	require.Len(t, rpc.CallsFor("Commit"), 1)
	assert.Empty(t, rpc.CallsFor("Rollback"))
}

func TestConnInTransactionRollsBackOnError(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	boom := errors.New("boom")

	err := conn.InTransaction(context.Background(), TxOptions{}, func(c *Conn) error {
		_, execErr := c.Execute(context.Background(), "INSERT INTO users (id) VALUES (1)", nil)
		require.NoError(t, execErr)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rpc.CallsFor("Commit"))
	require.Len(t, rpc.CallsFor("Rollback"), 1)
	require.NoError(t, conn.BeginTransaction(TxOptions{}), "connection is reusable afterwards")
}

func TestConnInTransactionRollsBackOnPanic(t *testing.T) {
	conn, rpc := newTestConnPair(t)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = conn.InTransaction(context.Background(), TxOptions{}, func(c *Conn) error {
			_, err := c.Execute(context.Background(), "INSERT INTO users (id) VALUES (1)", nil)
			require.NoError(t, err)
			panic("kaboom")
		})
	})

	require.Len(t, rpc.CallsFor("Rollback"), 1)
	require.NoError(t, conn.BeginTransaction(TxOptions{}))
}

func TestConnInTransactionClearsAbortedContextAfterCommitFailure(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	rpc.StubCommitError(transport.AbortedError("commit conflict", 0))

	err := conn.InTransaction(context.Background(), TxOptions{}, func(c *Conn) error {
		_, execErr := c.Execute(context.Background(), "INSERT INTO users (id) VALUES (1)", nil)
		return execErr
	})

	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	require.NoError(t, conn.BeginTransaction(TxOptions{}), "the caller can replay immediately")
}

func TestConnManualDMLBatch(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.StartBatchDML())
	assert.True(t, conn.InDMLBatch())
	assert.False(t, conn.InDDLBatch())

	res, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)
	assert.True(t, res.Buffered)

	res, err = conn.Execute(ctx, "UPDATE users SET name = 'x' WHERE id = 1", nil)
	require.NoError(t, err)
	assert.True(t, res.Buffered)
	assert.Len(t, conn.BatchedStatements(), 2)
	assert.Empty(t, rpc.CallsFor("BatchUpdate"), "nothing sent while buffering")

	counts, err := conn.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1}, counts)
	assert.False(t, conn.InDMLBatch())

	batches := rpc.CallsFor("BatchUpdate")
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Statements, 2)
	assert.Equal(t, "INSERT INTO users (id) VALUES (1)", batches[0].Statements[0].SQL)
}

func TestConnQueriesPassThroughOpenBatch(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.StartBatchDML())
	defer func() { _ = conn.AbortBatch() }()

	res, err := conn.Execute(ctx, "SELECT * FROM users", nil)
	require.NoError(t, err)
	assert.False(t, res.Buffered)
	require.Len(t, rpc.CallsFor("ExecuteQuery"), 1)
	assert.Empty(t, conn.BatchedStatements())
}

func TestConnBatchKindMismatch(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	require.NoError(t, conn.StartBatchDDL())
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	assertPrecondition(t, err, "E_BATCH_KIND_MISMATCH")
	require.NoError(t, conn.AbortBatch())

	require.NoError(t, conn.StartBatchDML())
	_, err = conn.Execute(ctx, "CREATE TABLE t (id INT64)", nil)
	assertPrecondition(t, err, "E_BATCH_KIND_MISMATCH")
}

func TestConnBatchExclusion(t *testing.T) {
	conn := newTestConn(t)

	require.NoError(t, conn.StartBatchDML())
	assertPrecondition(t, conn.StartBatchDDL(), "E_BATCH_ALREADY_ACTIVE")
	assertPrecondition(t, conn.StartBatchDML(), "E_BATCH_ALREADY_ACTIVE")
	require.NoError(t, conn.AbortBatch())
	require.NoError(t, conn.StartBatchDDL())
}

func TestConnDDLBatchInTransactionFails(t *testing.T) {
	conn := newTestConn(t)

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	assertPrecondition(t, conn.StartBatchDDL(), "E_DDL_IN_TX")
	require.NoError(t, conn.StartBatchDML(), "DML batches are allowed inside a transaction")
}

func TestConnDMLBatchInsideTransaction(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	require.NoError(t, conn.StartBatchDML())
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)

	_, err = conn.RunBatch(ctx)
	require.NoError(t, err)

	batches := rpc.CallsFor("BatchUpdate")
	require.Len(t, batches, 1)
	assert.Equal(t, transport.SelectorBegin, batches[0].Selector.Kind, "the batch carries the deferred begin")

	_, err = conn.CommitTransaction(ctx)
	require.NoError(t, err)
}

func TestConnStatementAndBatchShareTransaction(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{Isolation: transport.Serializable}))
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)

	require.NoError(t, conn.StartBatchDML())
	_, err = conn.Execute(ctx, "INSERT INTO users (id) VALUES (2)", nil)
	require.NoError(t, err)
	_, err = conn.RunBatch(ctx)
	require.NoError(t, err)

	_, err = conn.CommitTransaction(ctx)
	require.NoError(t, err)

	execs := rpc.CallsFor("ExecuteQuery")
	require.Len(t, execs, 1)
	assert.Equal(t, int64(0), execs[0].Seqno)

	batches := rpc.CallsFor("BatchUpdate")
	require.Len(t, batches, 1)
	assert.Equal(t, transport.SelectorID, batches[0].Selector.Kind)
	assert.Equal(t, transport.TransactionID("txn-1"), batches[0].Selector.ID, "the batch continues the bound transaction")
	assert.Equal(t, int64(1), batches[0].Seqno)

	commits := rpc.CallsFor("Commit")
	require.Len(t, commits, 1)
	assert.Equal(t, transport.TransactionID("txn-1"), commits[0].TransactionID)
}

func TestConnCommitWithOpenBatchFails(t *testing.T) {
	conn := newTestConn(t)

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	require.NoError(t, conn.StartBatchDML())
	_, err := conn.CommitTransaction(context.Background())
	assertPrecondition(t, err, "E_BATCH_STILL_OPEN")
}

func TestConnRollbackDiscardsOpenDMLBatch(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	require.NoError(t, conn.StartBatchDML())
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)

	require.NoError(t, conn.RollbackTransaction(ctx))
	assert.False(t, conn.InDMLBatch(), "buffered DML dies with its transaction")
}

func TestConnRunBatchWithoutBatchFails(t *testing.T) {
	conn := newTestConn(t)

	_, err := conn.RunBatch(context.Background())
	assertPrecondition(t, err, "E_NO_ACTIVE_BATCH")
}

func TestConnRunEmptyBatchIsNoop(t *testing.T) {
	conn, rpc := newTestConnPair(t)

	require.NoError(t, conn.StartBatchDDL())
	counts, err := conn.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Nil(t, counts)
	assert.Empty(t, rpc.Calls())
}

func TestConnRunDDLBatch(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.StartBatchDDL())
	_, err := conn.Execute(ctx, "CREATE TABLE users (id INT64)", nil)
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "CREATE INDEX idx_users ON users (id)", nil)
	require.NoError(t, err)

	counts, err := conn.RunBatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, counts, "DDL batches report no row counts")

	schemas := rpc.CallsFor("UpdateSchema")
	require.Len(t, schemas, 1)
	assert.Equal(t, []string{
		"CREATE TABLE users (id INT64)",
		"CREATE INDEX idx_users ON users (id)",
	}, schemas[0].DDL)
	assert.Equal(t, "test-db", schemas[0].Database)
}

func TestConnRunBatchClearsBufferOnFailure(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.StartBatchDML())
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)
	rpc.StubBatchError(errors.New("constraint violation"))

	_, err = conn.RunBatch(ctx)
	require.Error(t, err)
	assert.False(t, conn.InDMLBatch(), "buffer cleared even when the run fails")
}

func TestConnDMLBatchHelper(t *testing.T) {
	conn, rpc := newTestConnPair(t)

	counts, err := conn.DMLBatch(context.Background(), func(b *Batch) error {
		if err := b.Push("INSERT INTO users (id) VALUES (1)", nil); err != nil {
			return err
		}
		return b.Push("DELETE FROM users WHERE id = 2", nil)
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1}, counts)
	assert.False(t, conn.InDMLBatch())
	require.Len(t, rpc.CallsFor("BatchUpdate"), 1)
}

func TestConnDDLBatchHelperDiscardsOnError(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	boom := errors.New("boom")

	err := conn.DDLBatch(context.Background(), func(b *Batch) error {
		if err := b.Push("CREATE TABLE t (id INT64)", nil); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, conn.InDDLBatch())
	assert.Empty(t, rpc.CallsFor("UpdateSchema"), "nothing sent when the closure fails")
}

func TestConnUpdateSchemaWrapsFailures(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()
	ddl := []string{"CREATE TABLE t (id INT64)"}

	rpc.StubSchemaError(errors.New("bad ddl"))
	err := conn.UpdateSchema(ctx, ddl)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "E_SCHEMA_UPDATE_FAILED", schemaErr.Code)

	rpc.StubSchemaJobError(errors.New("backfill failed"))
	err = conn.UpdateSchema(ctx, ddl)
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "E_SCHEMA_JOB_FAILED", schemaErr.Code)

	require.NoError(t, conn.UpdateSchema(ctx, ddl))
}

func TestConnDeleteRows(t *testing.T) {
	conn, rpc := newTestConnPair(t)

	require.NoError(t, conn.DeleteRows(context.Background(), "users"))

	deletes := rpc.CallsFor("DeleteRows")
	require.Len(t, deletes, 1)
	assert.Equal(t, "users", deletes[0].Table)
}

func TestConnDeleteRowsRetriesAfterSessionLoss(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	rpc.StubDeleteRowsError(transport.SessionNotFoundError("session-1"))

	require.NoError(t, conn.DeleteRows(context.Background(), "users"))
	require.Len(t, rpc.CallsFor("DeleteRows"), 2)
	assert.Len(t, rpc.CallsFor("CreateSession"), 2)
}

func TestConnDeleteRowsInTransactionFails(t *testing.T) {
	conn := newTestConn(t)

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	assertPrecondition(t, conn.DeleteRows(context.Background(), "users"), "E_DELETE_ROWS_IN_TX")
}

func TestConnPing(t *testing.T) {
	conn, rpc := newTestConnPair(t)

	require.NoError(t, conn.Ping(context.Background()))

	execs := rpc.CallsFor("ExecuteQuery")
	require.Len(t, execs, 1)
	assert.Equal(t, "SELECT 1", execs[0].SQL)
}

func TestConnCommitTimestampBeforeFirstCommit(t *testing.T) {
	conn := newTestConn(t)

	_, err := conn.CommitTimestamp()
	assertPrecondition(t, err, "E_NO_COMMIT_TS")
}

func TestConnCloseRollsBackAndReleases(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	require.NoError(t, conn.BeginTransaction(TxOptions{}))
	_, err := conn.Execute(ctx, "INSERT INTO users (id) VALUES (1)", nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close(ctx))
	require.Len(t, rpc.CallsFor("Rollback"), 1)
	require.Len(t, rpc.CallsFor("ReleaseSession"), 1)

	require.NoError(t, conn.Close(ctx), "close is idempotent")
	require.Len(t, rpc.CallsFor("ReleaseSession"), 1)
}

func TestConnCloseSwallowsTeardownFailures(t *testing.T) {
	conn, rpc := newTestConnPair(t)
	ctx := context.Background()

	_, err := conn.Execute(ctx, "SELECT 1", nil)
	require.NoError(t, err)
	rpc.StubReleaseSessionError(errors.New("network down"))

	assert.NoError(t, conn.Close(ctx))
}

func TestConnClosedRejectsEverything(t *testing.T) {
	conn := newTestConn(t)
	ctx := context.Background()
	require.NoError(t, conn.Close(ctx))

	_, err := conn.Execute(ctx, "SELECT 1", nil)
	assertPrecondition(t, err, "E_CONN_CLOSED")
	assertPrecondition(t, conn.BeginTransaction(TxOptions{}), "E_CONN_CLOSED")
	_, err = conn.CommitTransaction(ctx)
	assertPrecondition(t, err, "E_CONN_CLOSED")
	assertPrecondition(t, conn.StartBatchDML(), "E_CONN_CLOSED")
	assertPrecondition(t, conn.Ping(ctx), "E_CONN_CLOSED")
	assertPrecondition(t, conn.DeleteRows(ctx, "users"), "E_CONN_CLOSED")
	assert.False(t, conn.SessionActive(ctx))
}

func BenchmarkConnExecute(b *testing.B) {
	conn := NewConn(mock.NewClient(), testTarget, DefaultOptions())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := conn.Execute(ctx, "SELECT 1", nil); err != nil {
			b.Fatal(err)
		}
	}
}
