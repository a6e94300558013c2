/*
reconcile.go - Balance Reconciler (drift detection)

PURPOSE:
  Replays a student's full transaction history and compares the result with
  the stored snapshot. Any difference is drift: a posting that changed the
  snapshot without history, or history without the snapshot.

POLICY:
  Drift is REPORTED, never corrected. Auto-healing would hide exactly the
  double-credit and double-debit bugs this check exists to catch. A student
  with drift is flagged for manual reconciliation.

REPLAY RULES:
  bucket[tx.Bucket] += tx.Amount
  bucket[tx.Source] -= tx.Amount        (transfers)
  total             += tx.Amount        (pairs that move total)
*/
package points

import (
	"context"

	"go.uber.org/zap"
)

// Report is the outcome of one reconciliation.
type Report struct {
	StudentID    StudentID
	Consistent   bool
	Drift        map[string]Points // stored minus replayed, non-zero only
	Expected     Balance           // replayed from history
	Stored       Balance
	Transactions int
}

type Reconciler struct {
	store   Store
	logger  *zap.Logger
	metrics *Metrics
}

func NewReconciler(store Store, logger *zap.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger, metrics: metrics}
}

// Replay folds transactions into the balance they imply.
func Replay(studentID StudentID, txs []Transaction) Balance {
	b := Balance{StudentID: studentID}
	for _, tx := range txs {
		b.add(tx.Bucket, tx.Amount)
		if tx.Source != "" {
			b.add(tx.Source, -tx.Amount)
		}
		if m, ok := DefaultMovement(tx.Type, tx.Category); ok && m.Total != 0 {
			b.Total += tx.Amount
		}
	}
	return b
}

// Reconcile compares the stored snapshot of one student with its history.
func (r *Reconciler) Reconcile(ctx context.Context, studentID StudentID) (Report, error) {
	var (
		stored Balance
		txs    []Transaction
	)
	// Read both sides in one unit so a concurrent posting cannot show up
	// in one and not the other.
	err := r.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		if stored, err = r.store.GetBalance(ctx, studentID); err != nil {
			return err
		}
		txs, err = r.store.ListTransactions(ctx, studentID, TransactionFilter{})
		return err
	})
	if err != nil {
		return Report{}, OperationFailed("reconcile", err)
	}

	expected := Replay(studentID, txs)
	report := Report{
		StudentID:    studentID,
		Drift:        map[string]Points{},
		Expected:     expected,
		Stored:       stored,
		Transactions: len(txs),
	}
	for _, b := range Buckets {
		if d := stored.Get(b) - expected.Get(b); d != 0 {
			report.Drift[string(b)] = d
		}
	}
	if d := stored.Total - expected.Total; d != 0 {
		report.Drift["total"] = d
	}
	report.Consistent = len(report.Drift) == 0

	if !report.Consistent {
		for bucket, d := range report.Drift {
			r.metrics.incDrift(bucket)
			r.logger.Error("balance drift detected",
				zap.String("student_id", string(studentID)),
				zap.String("bucket", bucket),
				zap.Int64("drift", int64(d)))
		}
	}
	return report, nil
}

// ReconcileAll audits every active student and returns the inconsistent ones.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]Report, error) {
	ids, err := r.store.ListActiveStudents(ctx)
	if err != nil {
		return nil, OperationFailed("list students", err)
	}
	var drifted []Report
	for _, id := range ids {
		report, err := r.Reconcile(ctx, id)
		if err != nil {
			return drifted, err
		}
		if !report.Consistent {
			drifted = append(drifted, report)
		}
	}
	return drifted, nil
}

// AsError converts an inconsistent report into an InvariantViolationError.
func (rep Report) AsError() error {
	if rep.Consistent {
		return nil
	}
	for _, b := range append([]string{"total"}, bucketNames()...) {
		if d, ok := rep.Drift[b]; ok {
			return &InvariantViolationError{
				StudentID: rep.StudentID,
				Bucket:    b,
				Value:     d,
				Detail:    "snapshot drifted from transaction history",
			}
		}
	}
	return nil
}

func bucketNames() []string {
	names := make([]string, len(Buckets))
	for i, b := range Buckets {
		names[i] = string(b)
	}
	return names
}
