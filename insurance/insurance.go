/*
Package insurance manages student health insurance policies and the
insurance points reserve that pays their premiums.

RESERVE:
  FundReserve moves points from available into the insurance bucket
  (insurance/insurance, available -> insurance). Premiums are then paid
  from that reserve.

PREMIUMS:
  ChargePremium takes the premium from the reserve when it covers the
  premium. A student with no reserve at all pays from available instead.
  A reserve that exists but is too small is refused with
  InsufficientFundsError on the insurance bucket rather than split across
  buckets. Each (policy, period) is charged at most once.

LIFECYCLE:
  active ──▶ expired     (ExpireDue, expiry date reached)
     └────▶ cancelled
*/
package insurance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-engine/points"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

type Policy struct {
	ID             string           `json:"id"`
	StudentID      points.StudentID `json:"student_id"`
	Provider       string           `json:"provider"`
	PolicyNumber   string           `json:"policy_number"`
	CoverageAmount decimal.Decimal  `json:"coverage_amount"`
	PremiumAmount  points.Points    `json:"premium_amount"`
	StartDate      time.Time        `json:"start_date"`
	ExpiryDate     time.Time        `json:"expiry_date"`
	Status         Status           `json:"status"`
	CreatedBy      string           `json:"created_by,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type Filter struct {
	StudentID points.StudentID
	Status    Status
	ExpiresBy time.Time
}

// Store persists policies. Methods join the atomic unit carried in ctx.
type Store interface {
	points.Store

	InsertPolicy(ctx context.Context, p Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)

	// UpdatePolicy writes p if the stored status is still from, otherwise
	// returns points.ErrInvalidTransition.
	UpdatePolicy(ctx context.Context, p Policy, from Status) error
	ListPolicies(ctx context.Context, f Filter) ([]Policy, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	recorder *points.Recorder
	store    Store
	logger   *zap.Logger
}

func NewService(recorder *points.Recorder, store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{recorder: recorder, store: store, logger: logger.Named("insurance")}
}

type EnrollRequest struct {
	StudentID      points.StudentID
	Provider       string
	PolicyNumber   string
	CoverageAmount decimal.Decimal
	PremiumAmount  points.Points
	StartDate      time.Time
	ExpiryDate     time.Time
	Actor          string
}

func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (Policy, error) {
	now := s.recorder.Now()
	if req.StartDate.IsZero() {
		req.StartDate = now
	}
	switch {
	case req.StudentID == "":
		return Policy{}, points.Invalid("student_id", "is required")
	case req.Provider == "":
		return Policy{}, points.Invalid("provider", "is required")
	case req.PolicyNumber == "":
		return Policy{}, points.Invalid("policy_number", "is required")
	case req.CoverageAmount.IsNegative():
		return Policy{}, points.Invalid("coverage_amount", "must not be negative")
	case req.PremiumAmount <= 0:
		return Policy{}, points.Invalid("premium_amount", "must be positive")
	case !req.ExpiryDate.After(req.StartDate):
		return Policy{}, points.Invalid("expiry_date", "must be after the start date")
	}

	student, err := s.store.GetStudent(ctx, req.StudentID)
	if err != nil {
		return Policy{}, points.OperationFailed("load student", err)
	}
	if student == nil {
		return Policy{}, points.ErrStudentNotFound
	}

	p := Policy{
		ID:             uuid.NewString(),
		StudentID:      req.StudentID,
		Provider:       req.Provider,
		PolicyNumber:   req.PolicyNumber,
		CoverageAmount: req.CoverageAmount,
		PremiumAmount:  req.PremiumAmount,
		StartDate:      req.StartDate,
		ExpiryDate:     req.ExpiryDate,
		Status:         StatusActive,
		CreatedBy:      req.Actor,
		UpdatedAt:      now,
	}
	if err := s.store.InsertPolicy(ctx, p); err != nil {
		return Policy{}, points.OperationFailed("create policy", err)
	}
	s.logger.Info("insurance policy enrolled",
		zap.String("student_id", string(p.StudentID)),
		zap.String("policy_id", p.ID),
		zap.String("provider", p.Provider))
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return Policy{}, points.OperationFailed("get policy", err)
	}
	if p == nil {
		return Policy{}, fmt.Errorf("policy %s: %w", id, points.ErrNotFound)
	}
	return *p, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Policy, error) {
	ps, err := s.store.ListPolicies(ctx, f)
	if err != nil {
		return nil, points.OperationFailed("list policies", err)
	}
	return ps, nil
}

// FundReserve moves amount from available into the insurance reserve.
func (s *Service) FundReserve(ctx context.Context, studentID points.StudentID, amount points.Points, key, actor string) (points.Receipt, error) {
	if amount <= 0 {
		return points.Receipt{}, points.Invalid("amount", "must be positive")
	}
	if key != "" {
		key = "insurance:reserve:" + key
	}
	return s.recorder.Record(ctx, points.Entry{
		StudentID:      studentID,
		Type:           points.TxInsurance,
		Category:       points.CategoryInsurance,
		Amount:         amount,
		Bucket:         points.BucketInsurance,
		Source:         points.BucketAvailable,
		Description:    "Insurance reserve funding",
		IdempotencyKey: key,
		Actor:          actor,
	})
}

// Charge is the outcome of ChargePremium.
type Charge struct {
	Policy      Policy
	Receipt     points.Receipt
	FromReserve bool
}

// ChargePremium deducts one period's premium for an active policy.
func (s *Service) ChargePremium(ctx context.Context, policyID, period, actor string) (Charge, error) {
	if period == "" {
		return Charge{}, points.Invalid("period", "is required")
	}
	key := fmt.Sprintf("premium:%s:%s", policyID, period)

	var result Charge
	err := s.recorder.Atomically(ctx, func(ctx context.Context) error {
		result = Charge{}
		p, err := s.load(ctx, policyID)
		if err != nil {
			return err
		}
		result.Policy = p

		if prior, err := s.store.FindTransactionByKey(ctx, key); err != nil {
			return err
		} else if prior != nil {
			bal, err := s.store.GetBalance(ctx, p.StudentID)
			if err != nil {
				return err
			}
			result.Receipt = points.Receipt{Transaction: *prior, Balance: bal, Duplicate: true}
			result.FromReserve = prior.Bucket == points.BucketInsurance
			return nil
		}
		if p.Status != StatusActive {
			return points.Invalid("policy", "policy %s is %s", p.ID, p.Status)
		}

		bal, err := s.store.GetBalance(ctx, p.StudentID)
		if err != nil {
			return err
		}
		bucket := points.BucketInsurance
		switch {
		case bal.Insurance >= p.PremiumAmount:
		case bal.Insurance == 0:
			bucket = points.BucketAvailable
		default:
			return &points.InsufficientFundsError{
				StudentID: p.StudentID,
				Bucket:    points.BucketInsurance,
				Available: bal.Insurance,
				Requested: p.PremiumAmount,
			}
		}

		receipt, err := s.recorder.Post(ctx, points.Entry{
			StudentID:      p.StudentID,
			Type:           points.TxInsurance,
			Category:       points.CategoryInsurance,
			Amount:         -p.PremiumAmount,
			Bucket:         bucket,
			Description:    fmt.Sprintf("Premium %s for %s policy %s", period, p.Provider, p.PolicyNumber),
			ReferenceID:    p.ID,
			IdempotencyKey: key,
			Actor:          actor,
		})
		if err != nil {
			return err
		}
		result.Receipt = receipt
		result.FromReserve = bucket == points.BucketInsurance
		return nil
	})
	if err != nil {
		return Charge{}, err
	}
	if !result.Receipt.Duplicate {
		s.logger.Info("insurance premium charged",
			zap.String("policy_id", policyID),
			zap.String("student_id", string(result.Policy.StudentID)),
			zap.String("period", period),
			zap.Bool("from_reserve", result.FromReserve))
	}
	return result, nil
}

// Cancel ends an active policy. Any reserve stays with the student.
func (s *Service) Cancel(ctx context.Context, id, actor string) (Policy, error) {
	var out Policy
	err := s.recorder.Atomically(ctx, func(ctx context.Context) error {
		p, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusActive {
			return &points.TransitionError{Entity: "policy", ID: id, From: string(p.Status), To: string(StatusCancelled)}
		}
		p.Status = StatusCancelled
		p.UpdatedAt = s.recorder.Now()
		if err := s.store.UpdatePolicy(ctx, p, StatusActive); err != nil {
			if errors.Is(err, points.ErrInvalidTransition) {
				return &points.TransitionError{Entity: "policy", ID: id, From: string(StatusActive), To: string(StatusCancelled)}
			}
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// ExpireDue marks active policies whose expiry date is on or before asOf
// as expired and returns them.
func (s *Service) ExpireDue(ctx context.Context, asOf time.Time) ([]Policy, error) {
	due, err := s.store.ListPolicies(ctx, Filter{Status: StatusActive, ExpiresBy: asOf})
	if err != nil {
		return nil, points.OperationFailed("list policies", err)
	}
	expired := make([]Policy, 0, len(due))
	for _, p := range due {
		p.Status = StatusExpired
		p.UpdatedAt = s.recorder.Now()
		if err := s.store.UpdatePolicy(ctx, p, StatusActive); err != nil {
			if errors.Is(err, points.ErrInvalidTransition) {
				continue
			}
			return expired, points.OperationFailed("expire policy", err)
		}
		expired = append(expired, p)
	}
	if len(expired) > 0 {
		s.logger.Info("insurance policies expired", zap.Int("count", len(expired)))
	}
	return expired, nil
}

func (s *Service) load(ctx context.Context, id string) (Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return Policy{}, err
	}
	if p == nil {
		return Policy{}, fmt.Errorf("policy %s: %w", id, points.ErrNotFound)
	}
	return *p, nil
}
