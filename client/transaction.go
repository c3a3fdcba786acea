package client

import (
	"sync"

	"github.com/strata-db/strata-go/transport"
)

// txState is the lifecycle state of a transaction context.
type txState int

const (
	// txActive accepts statements. The remote transaction may not exist yet:
	// the begin request is deferred and piggybacked on the first statement.
	txActive txState = iota
	// txCommitted is terminal.
	txCommitted
	// txRolledBack is terminal.
	txRolledBack
	// txAborted is terminal: every further statement fails fast without a
	// remote call, and the caller must replay the whole transaction.
	txAborted
)

// String returns the string representation of the transaction state.
func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolledback"
	case txAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// transactionContext is one logical read/write transaction on a Conn. The
// remote transaction id starts unbound ("intent to begin") and is bound the
// first time a response carries the server-assigned id.
type transactionContext struct {
	opts transport.TransactionOptions

	mu    sync.Mutex
	state txState
	seq   int64
	id    transport.TransactionID
}

// newTransactionContext starts a transaction locally. No RPC happens here;
// the begin rides on the first statement unless the retry protocol forces an
// explicit begin.
func newTransactionContext(opts transport.TransactionOptions) *transactionContext {
	return &transactionContext{opts: opts}
}

// nextSeqno returns the current sequence number and increments the counter.
// Every physical send under the transaction consumes one, including internal
// retries, so numbers are strictly increasing and never reused.
func (t *transactionContext) nextSeqno() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.seq
	t.seq++
	return n
}

// selector returns the transaction selector for the next statement: the
// bound id when known, otherwise a begin intent carrying the transaction
// options.
func (t *transactionContext) selector() transport.Selector {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id != "" {
		return transport.ByID(t.id)
	}
	return transport.Begin(t.opts)
}

// bindRemoteID records the server-assigned transaction id. The first binding
// wins; re-binding the same id is a no-op. Returns false when a different id
// was already bound.
func (t *transactionContext) bindRemoteID(id transport.TransactionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id == "" {
		t.id = id
		return true
	}
	return t.id == id
}

// remoteID returns the bound transaction id, or the zero value while the
// begin is still deferred.
func (t *transactionContext) remoteID() transport.TransactionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// bound reports whether the server has assigned a transaction id yet.
func (t *transactionContext) bound() bool {
	return t.remoteID() != ""
}

// markAborted moves an active transaction to the terminal aborted state.
func (t *transactionContext) markAborted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txActive {
		t.state = txAborted
	}
}

// markCommitted moves an active transaction to the terminal committed state.
func (t *transactionContext) markCommitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txActive {
		t.state = txCommitted
	}
}

// markRolledBack moves the transaction to the terminal rolled-back state.
func (t *transactionContext) markRolledBack() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txActive || t.state == txAborted {
		t.state = txRolledBack
	}
}

// stateNow returns the current state.
func (t *transactionContext) stateNow() txState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
