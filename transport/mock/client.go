// Package mock provides a scripted in-memory transport.DatabaseClient for
// tests. Replies are queued per method with Stub helpers; when a queue is
// empty the client answers with a canned success, so happy-path tests need
// no setup at all. Every call is recorded and can be inspected with Calls.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strata-db/strata-go/transport"
)

// Call records one invocation of the mock client.
type Call struct {
	Method   string
	Instance string
	Database string

	Session    transport.SessionRef
	SQL        string
	Statements []transport.Statement
	Selector   transport.Selector
	Seqno      int64

	TransactionID transport.TransactionID
	Table         string
	DDL           []string
}

type execReply struct {
	result *transport.ExecuteResult
	err    error
}

type batchReply struct {
	result *transport.BatchResult
	err    error
}

type beginReply struct {
	id  transport.TransactionID
	err error
}

// Client is a scripted transport.DatabaseClient.
type Client struct {
	mu sync.Mutex

	calls    []Call
	sessions int
	txns     int
	closed   bool

	createErrs    []error
	releaseErrs   []error
	execReplies   []execReply
	batchReplies  []batchReply
	beginReplies  []beginReply
	commitErrs    []error
	rollbackErrs  []error
	schemaErrs    []error
	schemaJobErrs []error
	deleteErrs    []error
}

var _ transport.DatabaseClient = (*Client)(nil)

// NewClient creates an empty scripted client.
func NewClient() *Client {
	return &Client{}
}

// Scripting helpers. Each appends one reply to the matching method's queue.

// StubCreateSessionError makes the next CreateSession fail.
func (c *Client) StubCreateSessionError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createErrs = append(c.createErrs, err)
}

// StubReleaseSessionError makes the next ReleaseSession fail.
func (c *Client) StubReleaseSessionError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseErrs = append(c.releaseErrs, err)
}

// StubExecuteError makes the next ExecuteQuery fail.
func (c *Client) StubExecuteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execReplies = append(c.execReplies, execReply{err: err})
}

// StubExecuteResult makes the next ExecuteQuery return res.
func (c *Client) StubExecuteResult(res *transport.ExecuteResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execReplies = append(c.execReplies, execReply{result: res})
}

// StubBatchError makes the next BatchUpdate fail.
func (c *Client) StubBatchError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchReplies = append(c.batchReplies, batchReply{err: err})
}

// StubBatchResult makes the next BatchUpdate return res.
func (c *Client) StubBatchResult(res *transport.BatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchReplies = append(c.batchReplies, batchReply{result: res})
}

// StubBegin makes the next BeginTransaction return id.
func (c *Client) StubBegin(id transport.TransactionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginReplies = append(c.beginReplies, beginReply{id: id})
}

// StubBeginError makes the next BeginTransaction fail.
func (c *Client) StubBeginError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginReplies = append(c.beginReplies, beginReply{err: err})
}

// StubCommitError makes the next Commit fail.
func (c *Client) StubCommitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErrs = append(c.commitErrs, err)
}

// StubRollbackError makes the next Rollback fail.
func (c *Client) StubRollbackError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackErrs = append(c.rollbackErrs, err)
}

// StubSchemaError makes the next UpdateSchema call itself fail.
func (c *Client) StubSchemaError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemaErrs = append(c.schemaErrs, err)
}

// StubSchemaJobError makes the next UpdateSchema succeed but its job report
// err as the terminal failure.
func (c *Client) StubSchemaJobError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemaJobErrs = append(c.schemaJobErrs, err)
}

// StubDeleteRowsError makes the next DeleteRows fail.
func (c *Client) StubDeleteRowsError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteErrs = append(c.deleteErrs, err)
}

// Calls returns a snapshot of every recorded call.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsFor returns the recorded calls for one method.
func (c *Client) CallsFor(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) record(call Call) {
	c.calls = append(c.calls, call)
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (c *Client) nextTxnID() transport.TransactionID {
	c.txns++
	return transport.TransactionID(fmt.Sprintf("txn-%d", c.txns))
}

// CreateSession implements transport.DatabaseClient.
func (c *Client) CreateSession(_ context.Context, instance, database string) (transport.SessionRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "CreateSession", Instance: instance, Database: database})
	if err := popErr(&c.createErrs); err != nil {
		return "", err
	}
	c.sessions++
	return transport.SessionRef(fmt.Sprintf("session-%d", c.sessions)), nil
}

// ReleaseSession implements transport.DatabaseClient.
func (c *Client) ReleaseSession(_ context.Context, session transport.SessionRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "ReleaseSession", Session: session})
	return popErr(&c.releaseErrs)
}

// ExecuteQuery implements transport.DatabaseClient. Without a scripted
// reply it returns a one-row-count success, assigning a fresh transaction id
// when the request carried a begin selector.
func (c *Client) ExecuteQuery(_ context.Context, req transport.ExecuteRequest) (*transport.ExecuteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{
		Method:   "ExecuteQuery",
		Session:  req.Session,
		SQL:      req.Statement.SQL,
		Selector: req.Selector,
		Seqno:    req.Seqno,
	})
	if len(c.execReplies) > 0 {
		reply := c.execReplies[0]
		c.execReplies = c.execReplies[1:]
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	}
	res := &transport.ExecuteResult{RowCount: 1}
	if req.Selector.Kind == transport.SelectorBegin {
		res.Metadata.TransactionID = c.nextTxnID()
	}
	return res, nil
}

// BatchUpdate implements transport.DatabaseClient. Without a scripted reply
// it reports one affected row per statement.
func (c *Client) BatchUpdate(_ context.Context, req transport.BatchRequest) (*transport.BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{
		Method:     "BatchUpdate",
		Session:    req.Session,
		Statements: req.Statements,
		Selector:   req.Selector,
		Seqno:      req.Seqno,
	})
	if len(c.batchReplies) > 0 {
		reply := c.batchReplies[0]
		c.batchReplies = c.batchReplies[1:]
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	}
	counts := make([]int64, len(req.Statements))
	for i := range counts {
		counts[i] = 1
	}
	res := &transport.BatchResult{RowCounts: counts}
	if req.Selector.Kind == transport.SelectorBegin {
		res.Metadata.TransactionID = c.nextTxnID()
	}
	return res, nil
}

// BeginTransaction implements transport.DatabaseClient.
func (c *Client) BeginTransaction(_ context.Context, session transport.SessionRef, _ transport.TransactionOptions) (transport.TransactionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "BeginTransaction", Session: session})
	if len(c.beginReplies) > 0 {
		reply := c.beginReplies[0]
		c.beginReplies = c.beginReplies[1:]
		return reply.id, reply.err
	}
	return c.nextTxnID(), nil
}

// Commit implements transport.DatabaseClient.
func (c *Client) Commit(_ context.Context, session transport.SessionRef, id transport.TransactionID) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "Commit", Session: session, TransactionID: id})
	if err := popErr(&c.commitErrs); err != nil {
		return time.Time{}, err
	}
	return time.Now(), nil
}

// Rollback implements transport.DatabaseClient.
func (c *Client) Rollback(_ context.Context, session transport.SessionRef, id transport.TransactionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "Rollback", Session: session, TransactionID: id})
	return popErr(&c.rollbackErrs)
}

// UpdateSchema implements transport.DatabaseClient.
func (c *Client) UpdateSchema(_ context.Context, database string, statements []string) (transport.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "UpdateSchema", Database: database, DDL: statements})
	if err := popErr(&c.schemaErrs); err != nil {
		return nil, err
	}
	return &job{err: popErr(&c.schemaJobErrs)}, nil
}

// DeleteRows implements transport.DatabaseClient.
func (c *Client) DeleteRows(_ context.Context, session transport.SessionRef, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "DeleteRows", Session: session, Table: table})
	return popErr(&c.deleteErrs)
}

// Close implements transport.DatabaseClient.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(Call{Method: "Close"})
	c.closed = true
	return nil
}

// job is an immediately terminal schema job.
type job struct {
	err error
}

func (j *job) Wait(context.Context) error { return j.err }

func (j *job) Done() bool { return true }
