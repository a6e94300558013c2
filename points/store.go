/*
store.go - Persistence interface for balances, transactions and fees

PURPOSE:
  Defines the boundary between ledger logic and the database. The Store is
  an external collaborator: it provides an atomic unit of work, a
  conditional balance update, an append-only transaction table and range
  queries over history.

KEY INTERFACES:
  Store:    Balances, transactions, students (the ledger core)
  FeeStore: Append-only platform fee ledger

ATOMIC UNITS:
  InTx runs fn inside one database transaction. The transaction travels in
  the context, so every Store method called with that context joins it, and
  a nested InTx simply runs fn. Domain stores (purchase, withdrawal, ...)
  follow the same rule, which lets an engine combine a ledger posting with
  its own writes in one commit.

APPEND-ONLY CONTRACT:
  - AppendTransaction is the only write to the transactions table
  - There is no UpdateTransaction or DeleteTransaction
  - SaveBalance is conditional on the expected version

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - points/store:   In-memory for tests

SEE ALSO:
  - recorder.go: The only caller of SaveBalance
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Ledger persistence
// =============================================================================

type Store interface {
	// InTx executes fn atomically. If fn returns an error nothing is kept.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// GetBalance returns the snapshot, or ErrStudentNotFound.
	GetBalance(ctx context.Context, studentID StudentID) (Balance, error)

	// SaveBalance writes b if the stored version still equals
	// expectedVersion, otherwise returns ErrConcurrentModification.
	// b.Version must be expectedVersion+1.
	SaveBalance(ctx context.Context, b Balance, expectedVersion int64) error

	// AppendTransaction persists tx. Returns ErrDuplicateIdempotencyKey if
	// the key exists. This is the ONLY write to history.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// FindTransactionByKey returns the transaction carrying key, or nil.
	FindTransactionByKey(ctx context.Context, key string) (*Transaction, error)

	// ListTransactions returns a student's transactions matching filter.
	ListTransactions(ctx context.Context, studentID StudentID, filter TransactionFilter) ([]Transaction, error)

	// CreateStudent stores the student with a zero balance.
	CreateStudent(ctx context.Context, s Student) error
	GetStudent(ctx context.Context, id StudentID) (*Student, error)
	ListStudents(ctx context.Context) ([]Student, error)

	// ListActiveStudents returns active student ids in a stable order.
	ListActiveStudents(ctx context.Context) ([]StudentID, error)
}

// TransactionFilter narrows a history query. Zero values mean "no limit".
type TransactionFilter struct {
	From       time.Time
	To         time.Time
	Category   Category
	Limit      int
	Descending bool
}

// =============================================================================
// FEE STORE - Platform fee ledger (append-only)
// =============================================================================

type FeeStore interface {
	AppendFee(ctx context.Context, fee Fee) error
	ListFees(ctx context.Context, kind FeeKind) ([]Fee, error)
}
