/*
sweeper.go - Auto-Investment Sweeper

PURPOSE:
  Once per period, move a percentage of every active student's available
  points into an investment vehicle.

ALGORITHM (per student, one atomic unit each):
  1. Skip when the student already carries a sweep marker for the period
  2. investable = floor(available * investmentPercentage / 100)
  3. Skip when investable < minimumThreshold (or zero)
  4. Post invested/investment (available -> invested), create the active
     Investment, write the (student, period) marker

  The marker, the transaction and the investment commit together, so a run
  that crashes mid-batch can simply be re-run: swept students are detected
  and skipped, unswept ones are processed.

FAILURES:
  One student's failure never stops the batch. Failures are collected into
  the Summary. After the batch, every student that was invested is
  reconciled, and drift is reported as that student's failure.

SEE ALSO:
  - settings.go: Investable, ExpectedReturn, period helpers
  - ../points/reconcile.go: Post-sweep drift check
*/
package investment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/points-engine/points"
)

// SweeperActor is recorded as CreatedBy on sweep postings.
const SweeperActor = "system:sweeper"

// DefaultConcurrency bounds how many students are swept at once.
const DefaultConcurrency = 4

// Summary is the batch report of one run.
type Summary struct {
	PeriodKey         string        `json:"period_key"`
	Enabled           bool          `json:"enabled"`
	StudentsScanned   int           `json:"students_scanned"`
	StudentsProcessed int           `json:"students_processed"`
	StudentsSkipped   int           `json:"students_skipped"`
	AlreadySwept      int           `json:"already_swept"`
	TotalInvested     points.Points `json:"total_invested"`
	Failures          []Failure     `json:"failures"`
}

// Failure is one student the run could not complete.
type Failure struct {
	StudentID points.StudentID `json:"student_id"`
	Error     string           `json:"error"`
	err       error
}

// Err returns the underlying error when the failure came from this process.
func (f Failure) Err() error { return f.err }

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeInvested
	outcomeAlreadySwept
)

// =============================================================================
// SWEEPER
// =============================================================================

type Sweeper struct {
	recorder    *points.Recorder
	store       Store
	reconciler  *points.Reconciler
	logger      *zap.Logger
	metrics     *Metrics
	concurrency int
}

type SweeperOption func(*Sweeper)

func WithConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithSweeperMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithReconciler enables the post-sweep drift check.
func WithReconciler(r *points.Reconciler) SweeperOption {
	return func(s *Sweeper) { s.reconciler = r }
}

func NewSweeper(recorder *points.Recorder, store Store, logger *zap.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		recorder:    recorder,
		store:       store,
		logger:      logger.Named("sweeper"),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every active student for periodKey with the given settings.
// The returned error covers only run-level problems (bad input, student
// listing failed, context cancelled); per-student problems are in Summary.
func (s *Sweeper) Run(ctx context.Context, periodKey string, settings Settings) (Summary, error) {
	if _, err := ParsePeriodKey(periodKey); err != nil {
		return Summary{}, err
	}
	if err := settings.Validate(); err != nil {
		return Summary{}, err
	}

	summary := Summary{PeriodKey: periodKey, Enabled: settings.AutoInvestEnabled, Failures: []Failure{}}
	if !settings.AutoInvestEnabled {
		s.logger.Info("auto-investment disabled, sweep skipped", zap.String("period", periodKey))
		return summary, nil
	}

	ids, err := s.store.ListActiveStudents(ctx)
	if err != nil {
		return summary, points.OperationFailed("list students", err)
	}
	summary.StudentsScanned = len(ids)

	var (
		mu       sync.Mutex
		invested []points.StudentID
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			result, amount, err := s.sweepStudent(gctx, id, periodKey, settings)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failures = append(summary.Failures, Failure{StudentID: id, Error: err.Error(), err: err})
				s.metrics.observeStudent("failed")
				s.logger.Warn("sweep failed for student",
					zap.String("student_id", string(id)),
					zap.String("period", periodKey),
					zap.Error(err))
			case result == outcomeInvested:
				summary.StudentsProcessed++
				summary.TotalInvested += amount
				invested = append(invested, id)
				s.metrics.observeStudent("invested")
				s.metrics.addInvested(amount)
			case result == outcomeAlreadySwept:
				summary.AlreadySwept++
				s.metrics.observeStudent("already_swept")
			default:
				summary.StudentsSkipped++
				s.metrics.observeStudent("skipped")
			}
			// Never fail the group: one student must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()

	if s.reconciler != nil {
		for _, id := range invested {
			if err := s.verify(ctx, id); err != nil {
				summary.Failures = append(summary.Failures, Failure{StudentID: id, Error: err.Error(), err: err})
			}
		}
	}
	sort.SliceStable(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].StudentID < summary.Failures[j].StudentID
	})

	s.logger.Info("sweep finished",
		zap.String("period", periodKey),
		zap.Int("scanned", summary.StudentsScanned),
		zap.Int("processed", summary.StudentsProcessed),
		zap.Int("skipped", summary.StudentsSkipped),
		zap.Int("already_swept", summary.AlreadySwept),
		zap.Int64("total_invested", int64(summary.TotalInvested)),
		zap.Int("failures", len(summary.Failures)))

	if err := ctx.Err(); err != nil {
		return summary, points.OperationFailed("sweep", err)
	}
	return summary, nil
}

func (s *Sweeper) sweepStudent(ctx context.Context, id points.StudentID, period string, settings Settings) (outcome, points.Points, error) {
	var (
		result outcome
		amount points.Points
	)
	key := sweepKey(period, id)
	invID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()

	err := s.recorder.Atomically(ctx, func(ctx context.Context) error {
		result, amount = outcomeSkipped, 0

		swept, err := s.store.IsSwept(ctx, id, period)
		if err != nil {
			return err
		}
		if swept {
			result = outcomeAlreadySwept
			return nil
		}

		bal, err := s.store.GetBalance(ctx, id)
		if err != nil {
			return err
		}
		investable := settings.Investable(bal.Available)
		if investable <= 0 || investable < settings.MinimumThreshold {
			return nil
		}

		now := s.recorder.Now()
		receipt, err := s.recorder.Post(ctx, points.Entry{
			StudentID:      id,
			Type:           points.TxInvested,
			Category:       points.CategoryInvestment,
			Amount:         investable,
			Bucket:         points.BucketInvested,
			Source:         points.BucketAvailable,
			Description:    fmt.Sprintf("Auto-investment %s (%s%% of available)", period, settings.InvestmentPercentage.String()),
			ReferenceID:    invID,
			IdempotencyKey: key,
			Actor:          SweeperActor,
			Date:           now,
		})
		if err != nil {
			return err
		}
		if receipt.Duplicate {
			result = outcomeAlreadySwept
			return nil
		}

		inv := Investment{
			ID:             invID,
			StudentID:      id,
			Amount:         investable,
			Platform:       settings.InvestmentPlatform,
			Type:           settings.InvestmentType,
			Status:         StatusActive,
			InvestmentDate: now,
			MaturityDate:   maturity(now, settings.MaturityDays),
			ExpectedReturn: ExpectedReturn(investable, settings.ExpectedReturnRate),
			PeriodKey:      period,
			TransactionID:  receipt.Transaction.ID,
			CreatedBy:      SweeperActor,
			UpdatedAt:      now,
		}
		if err := s.store.InsertInvestment(ctx, inv); err != nil {
			return err
		}
		if err := s.store.MarkSwept(ctx, SweepMarker{
			StudentID:    id,
			PeriodKey:    period,
			InvestmentID: invID,
			Amount:       investable,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		result, amount = outcomeInvested, investable
		return nil
	})
	if err != nil {
		return outcomeSkipped, 0, err
	}
	return result, amount, nil
}

func (s *Sweeper) verify(ctx context.Context, id points.StudentID) error {
	report, err := s.reconciler.Reconcile(ctx, id)
	if err != nil {
		return err
	}
	return report.AsError()
}

// =============================================================================
// SCHEDULING HELPERS
// =============================================================================

// Due reports whether a sweep should run on day t under settings.
func Due(t time.Time, settings Settings) bool {
	return settings.AutoInvestEnabled && IsProcessingDay(t, settings.ProcessingDay)
}
