/*
Package points provides the core points ledger for student sponsorship.

PURPOSE:
  This package owns every student's point balance and the append-only
  history of how it got there. Sponsorship credits, catalog purchases,
  investment sweeps, insurance premiums and cash withdrawals all end up
  here as immutable transactions posted by the Recorder.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: The platform's internal unit of value (whole points)
  - Bucket: Which part of the balance a transaction moves
  - Balance: Mutable per-student snapshot, written only by the Recorder
  - Transaction: Immutable ledger entry recording a balance change
  - Student: The owner of a balance

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only offset
  2. Single writer: Balances change only through Recorder.Post
  3. Closed vocabulary: (type, category) pairs come from a fixed table
  4. Auditability: Every transaction has description, reference and
     idempotency key

SEE ALSO:
  - category.go: Legal (type, category) pairs and their movements
  - recorder.go: The only writer of balances
  - reconcile.go: Drift detection against history
*/
package points

import (
	"fmt"
	"time"
)

// =============================================================================
// POINTS
// =============================================================================

// Points is a whole number of platform points. Signed values are used for
// transaction amounts: positive credits, negative debits.
type Points int64

func (p Points) IsNegative() bool { return p < 0 }
func (p Points) IsZero() bool     { return p == 0 }
func (p Points) IsPositive() bool { return p > 0 }

func (p Points) Abs() Points {
	if p < 0 {
		return -p
	}
	return p
}

func (p Points) String() string { return fmt.Sprintf("%d", int64(p)) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type TransactionID string

// =============================================================================
// BUCKETS - The spendable/reserved parts of a balance
// =============================================================================

// Bucket names one category balance of a Student Balance.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketInvested  Bucket = "invested"
	BucketInsurance Bucket = "insurance"
)

// Buckets lists every bucket in display order.
var Buckets = []Bucket{BucketAvailable, BucketInvested, BucketInsurance}

func (b Bucket) Valid() bool {
	switch b {
	case BucketAvailable, BucketInvested, BucketInsurance:
		return true
	}
	return false
}

// =============================================================================
// BALANCE - Per-student snapshot
// =============================================================================

// Balance is the stored snapshot of a student's points.
//
// INVARIANTS:
//   - Available, Invested, Insurance are never negative.
//   - Available + Invested + Insurance <= Total.
//
// Version increases by one on every write and backs the optimistic
// concurrency check in Store.SaveBalance.
type Balance struct {
	StudentID StudentID
	Total     Points
	Available Points
	Invested  Points
	Insurance Points
	Version   int64
	UpdatedAt time.Time
}

// Get returns the value of one bucket.
func (b Balance) Get(bucket Bucket) Points {
	switch bucket {
	case BucketAvailable:
		return b.Available
	case BucketInvested:
		return b.Invested
	case BucketInsurance:
		return b.Insurance
	}
	return 0
}

func (b *Balance) add(bucket Bucket, delta Points) {
	switch bucket {
	case BucketAvailable:
		b.Available += delta
	case BucketInvested:
		b.Invested += delta
	case BucketInsurance:
		b.Insurance += delta
	}
}

// Held returns the sum of all buckets.
func (b Balance) Held() Points {
	return b.Available + b.Invested + b.Insurance
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type Transaction struct {
	ID        TransactionID
	StudentID StudentID
	Type      TxType
	Category  Category

	// Bucket receives Amount. Source, when set, gives up Amount
	// (a transfer between buckets).
	Bucket Bucket
	Source Bucket
	Amount Points

	// Balance is Bucket's value immediately after this transaction.
	Balance Points

	Date           time.Time
	Description    string
	ReferenceID    string
	IdempotencyKey string

	CreatedBy string
	CreatedAt time.Time
}

// IsTransfer reports whether the transaction moves points between buckets.
func (t Transaction) IsTransfer() bool { return t.Source != "" }

// =============================================================================
// STUDENT
// =============================================================================

type Student struct {
	ID        StudentID
	Name      string
	Active    bool
	CreatedAt time.Time
}

// =============================================================================
// FEES - Platform fee ledger (append-only)
// =============================================================================

type FeeKind string

const (
	FeeManagement FeeKind = "management"
	FeeWithdrawal FeeKind = "withdrawal"
)

// Fee records money retained by the platform. Fees never touch a student
// balance; they are kept so total fees collected can be rebuilt from history.
type Fee struct {
	ID          string
	Kind        FeeKind
	StudentID   StudentID
	SourceID    string // sponsorship or withdrawal request
	ReferenceID string // ledger transaction the fee was taken from
	Percent     string // decimal string, e.g. "20"
	Gross       string // decimal money before the fee
	Amount      string // decimal money retained
	Points      Points // points equivalent of Amount
	CreatedAt   time.Time
}
