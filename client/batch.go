package client

import (
	"strings"

	"github.com/strata-db/strata-go/transport"
)

// batchKind tags the single batch a Conn may hold. Because the Conn holds at
// most one *batch, DDL/DML mutual exclusion is structural rather than a pair
// of nilable fields.
type batchKind int

const (
	batchDDL batchKind = iota
	batchDML
)

// String returns the string representation of the batch kind.
func (k batchKind) String() string {
	switch k {
	case batchDDL:
		return "DDL"
	case batchDML:
		return "DML"
	default:
		return "UNKNOWN"
	}
}

// batch buffers statements pending one batched run. Emptied and discarded
// after a run or an abort, including failed runs.
type batch struct {
	kind       batchKind
	statements []transport.Statement
}

func (b *batch) push(stmt transport.Statement) {
	b.statements = append(b.statements, stmt)
}

// Batch is the writer handed to the DDLBatch and DMLBatch closures.
type Batch struct {
	conn *Conn
	kind batchKind
}

// Push buffers one statement into the open batch. The statement must match
// the batch kind: DDL batches take schema statements, DML batches take
// INSERT/UPDATE/DELETE. params is ignored for DDL statements.
func (b *Batch) Push(sql string, params map[string]interface{}) error {
	open := b.conn.batch
	if open == nil || open.kind != b.kind {
		return ErrNoActiveBatch("push")
	}
	switch open.kind {
	case batchDDL:
		if !isDDLStatement(sql) {
			return ErrBatchKindMismatch(open.kind, sql)
		}
		open.push(transport.Statement{SQL: sql})
	case batchDML:
		if !isDMLStatement(sql) {
			return ErrBatchKindMismatch(open.kind, sql)
		}
		open.push(transport.Statement{SQL: sql, Params: params})
	}
	return nil
}

// Statement classification is a keyword check on purpose: the driver does
// not parse SQL, it only needs to route statements to the right buffer.

func isDMLStatement(sql string) bool {
	return hasKeywordPrefix(sql, "INSERT", "UPDATE", "DELETE")
}

func isDDLStatement(sql string) bool {
	return hasKeywordPrefix(sql, "CREATE", "ALTER", "DROP")
}

func hasKeywordPrefix(sql string, keywords ...string) bool {
	trimmed := strings.TrimSpace(sql)
	for _, kw := range keywords {
		if len(trimmed) > len(kw) &&
			strings.EqualFold(trimmed[:len(kw)], kw) &&
			(trimmed[len(kw)] == ' ' || trimmed[len(kw)] == '\t' || trimmed[len(kw)] == '\n') {
			return true
		}
	}
	return false
}
