/*
recorder.go - The Transaction Recorder, sole writer of student balances

PURPOSE:
  Every balance change in the system goes through Recorder.Post. It appends
  one immutable transaction and moves the snapshot by exactly the posted
  amount, in the same atomic unit. Nothing else writes balances.

CONTRACT:
  Record(entry) -> Receipt{Transaction, Balance}
  - amount is signed: positive credits, negative debits
  - available going negative      -> InsufficientFundsError
  - invested/insurance negative   -> InvariantViolationError (never clamped)
  - duplicate idempotency key     -> the original transaction, no new posting

ATOMIC UNITS AND RETRIES:
  Atomically wraps Store.InTx in an optimistic-concurrency loop. SaveBalance
  is conditional on the version read at the start of the unit; when another
  writer got there first the whole unit is re-run from scratch, up to
  MaxAttempts times, then ConcurrencyConflictError is returned.

  Store failures and timeouts are NOT retried here: the unit did not commit,
  and the caller gets OperationFailed and decides. Retrying commands is safe
  because every command carries an idempotency key.

EXAMPLE:
  rec := points.NewRecorder(store, points.WithLogger(log))
  receipt, err := rec.Record(ctx, points.Entry{
      StudentID: "stu-1",
      Type:      points.TxBonus,
      Category:  points.CategoryBonus,
      Amount:    500,
  })

SEE ALSO:
  - category.go: Which movements an entry may make
  - reconcile.go: Verifies snapshots against what was recorded here
*/
package points

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds optimistic retries on a hot balance.
const DefaultMaxAttempts = 5

// Entry is a request to post one transaction.
type Entry struct {
	StudentID StudentID
	Type      TxType
	Category  Category
	Amount    Points

	// Bucket and Source are optional when the pair has a single movement.
	Bucket Bucket
	Source Bucket

	Description    string
	ReferenceID    string
	IdempotencyKey string
	Actor          string
	Date           time.Time
}

// Receipt is the authoritative result of a posting.
type Receipt struct {
	Transaction Transaction
	Balance     Balance
	Duplicate   bool
}

// =============================================================================
// RECORDER
// =============================================================================

type Recorder struct {
	store       Store
	logger      *zap.Logger
	metrics     *Metrics
	maxAttempts int
	timeout     time.Duration
	now         func() time.Time
}

type RecorderOption func(*Recorder)

func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

func WithMaxAttempts(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithTimeout bounds each atomic unit. A unit that runs out of time fails
// with OperationFailed and is not retried.
func WithTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.timeout = d }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:       store,
		logger:      zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying ledger store.
func (r *Recorder) Store() Store { return r.store }

// Now returns the recorder's clock reading.
func (r *Recorder) Now() time.Time { return r.now() }

// Logger returns the recorder's logger.
func (r *Recorder) Logger() *zap.Logger { return r.logger }

// Record posts e in its own atomic unit.
func (r *Recorder) Record(ctx context.Context, e Entry) (Receipt, error) {
	var receipt Receipt
	err := r.Atomically(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = r.Post(ctx, e)
		return err
	})
	return receipt, err
}

// =============================================================================
// ATOMIC UNITS
// =============================================================================

type atomicKey struct{}

// staleError signals that the unit raced another writer and must re-run.
type staleError struct {
	studentID StudentID
	cause     error
}

func (e *staleError) Error() string {
	return "stale balance for student " + string(e.studentID) + ": " + e.cause.Error()
}

func (e *staleError) Unwrap() error { return ErrConcurrentModification }

// Atomically runs fn in one atomic unit, re-running it when a balance it
// wrote was changed concurrently. Nested calls join the outer unit.
func (r *Recorder) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(atomicKey{}) != nil {
		return fn(ctx)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, atomicKey{}, true)

	var stale *staleError
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.store.InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OperationFailed("atomic unit", ctxErr)
		}
		if errors.As(err, &stale) {
			r.metrics.incRetry()
			r.logger.Debug("retrying atomic unit after concurrent write",
				zap.String("student_id", string(stale.studentID)),
				zap.Int("attempt", attempt))
			continue
		}
		return OperationFailed("atomic unit", err)
	}

	r.metrics.incConflict()
	conflict := &ConcurrencyConflictError{Attempts: r.maxAttempts}
	if stale != nil {
		conflict.StudentID = stale.studentID
	}
	r.logger.Warn("optimistic retries exhausted",
		zap.String("student_id", string(conflict.StudentID)),
		zap.Int("attempts", r.maxAttempts))
	return conflict
}

// =============================================================================
// POSTING
// =============================================================================

// Post records e inside the current atomic unit. Called outside of
// Atomically it behaves like Record.
func (r *Recorder) Post(ctx context.Context, e Entry) (Receipt, error) {
	if ctx.Value(atomicKey{}) == nil {
		return r.Record(ctx, e)
	}
	if err := r.normalize(&e); err != nil {
		return Receipt{}, err
	}
	m, err := MovementFor(e.Type, e.Category, e.Bucket, e.Source, e.Amount)
	if err != nil {
		return Receipt{}, err
	}

	if e.IdempotencyKey != "" {
		existing, err := r.store.FindTransactionByKey(ctx, e.IdempotencyKey)
		if err != nil {
			return Receipt{}, OperationFailed("find transaction", err)
		}
		if existing != nil {
			return r.duplicate(ctx, e, existing)
		}
	}

	prior, err := r.store.GetBalance(ctx, e.StudentID)
	if err != nil {
		return Receipt{}, OperationFailed("load balance", err)
	}

	next := m.apply(prior, e.Amount)
	if err := r.check(prior, next, e, m); err != nil {
		return Receipt{}, err
	}
	now := r.now()
	next.Version = prior.Version + 1
	next.UpdatedAt = now

	tx := Transaction{
		ID:             TransactionID(uuid.NewString()),
		StudentID:      e.StudentID,
		Type:           e.Type,
		Category:       e.Category,
		Bucket:         m.Bucket,
		Source:         m.Source,
		Amount:         e.Amount,
		Balance:        next.Get(m.Bucket),
		Date:           e.Date,
		Description:    e.Description,
		ReferenceID:    e.ReferenceID,
		IdempotencyKey: e.IdempotencyKey,
		CreatedBy:      e.Actor,
		CreatedAt:      now,
	}

	if err := r.store.AppendTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Another writer committed the same key after our lookup.
			return Receipt{}, &staleError{studentID: e.StudentID, cause: err}
		}
		return Receipt{}, OperationFailed("append transaction", err)
	}
	if err := r.store.SaveBalance(ctx, next, prior.Version); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return Receipt{}, &staleError{studentID: e.StudentID, cause: err}
		}
		return Receipt{}, OperationFailed("save balance", err)
	}

	r.metrics.incTransaction(e.Type, e.Category)
	return Receipt{Transaction: tx, Balance: next}, nil
}

func (r *Recorder) normalize(e *Entry) error {
	if e.StudentID == "" {
		return Invalid("student_id", "is required")
	}
	if !txTypes[e.Type] {
		return Invalid("type", "unknown transaction type %q", e.Type)
	}
	if !categories[e.Category] {
		return Invalid("category", "unknown category %q", e.Category)
	}
	if e.Amount == 0 {
		return Invalid("amount", "must not be zero")
	}
	if e.Bucket == "" {
		m, ok := DefaultMovement(e.Type, e.Category)
		if !ok {
			return Invalid("category", "transaction type %q is not allowed for category %q", e.Type, e.Category)
		}
		e.Bucket, e.Source = m.Bucket, m.Source
	}
	if e.Date.IsZero() {
		e.Date = r.now()
	}
	return nil
}

func (r *Recorder) duplicate(ctx context.Context, e Entry, existing *Transaction) (Receipt, error) {
	if existing.StudentID != e.StudentID || existing.Type != e.Type ||
		existing.Category != e.Category || existing.Amount != e.Amount {
		return Receipt{}, &ValidationError{
			Field:   "idempotency_key",
			Message: "already used for a different transaction",
		}
	}
	bal, err := r.store.GetBalance(ctx, e.StudentID)
	if err != nil {
		return Receipt{}, OperationFailed("load balance", err)
	}
	return Receipt{Transaction: *existing, Balance: bal, Duplicate: true}, nil
}

// check enforces the balance invariants on the proposed snapshot.
func (r *Recorder) check(prior, next Balance, e Entry, m Movement) error {
	if next.Available < 0 {
		return &InsufficientFundsError{
			StudentID: e.StudentID,
			Bucket:    BucketAvailable,
			Available: prior.Available,
			Requested: e.Amount.Abs(),
		}
	}

	var violation *InvariantViolationError
	switch {
	case next.Invested < 0:
		violation = &InvariantViolationError{StudentID: e.StudentID, Bucket: string(BucketInvested), Value: next.Invested,
			Detail: "invested points would go negative"}
	case next.Insurance < 0:
		violation = &InvariantViolationError{StudentID: e.StudentID, Bucket: string(BucketInsurance), Value: next.Insurance,
			Detail: "insurance points would go negative"}
	case next.Held() > next.Total:
		violation = &InvariantViolationError{StudentID: e.StudentID, Bucket: "total", Value: next.Total,
			Detail: "held points would exceed lifetime total"}
	}
	if violation == nil {
		return nil
	}

	r.metrics.incViolation()
	r.logger.Error("ledger invariant violated, posting rejected",
		zap.String("student_id", string(e.StudentID)),
		zap.String("type", string(e.Type)),
		zap.String("category", string(e.Category)),
		zap.String("bucket", violation.Bucket),
		zap.Int64("amount", int64(e.Amount)),
		zap.Int64("value", int64(violation.Value)),
		zap.String("movement", string(m.Bucket)+"<-"+string(m.Source)))
	return violation
}
