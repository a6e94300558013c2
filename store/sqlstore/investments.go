package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/investment"
	"github.com/warp/points-engine/points"
)

var _ investment.Store = (*Store)(nil)

// =============================================================================
// SWEEP MARKERS
// =============================================================================

func (s *Store) MarkSwept(ctx context.Context, m investment.SweepMarker) error {
	_, err := s.exec(ctx, `
		INSERT INTO sweep_runs (student_id, period_key, investment_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(m.StudentID), m.PeriodKey, m.InvestmentID, int64(m.Amount), formatTime(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return investment.ErrAlreadySwept
		}
		return fmt.Errorf("failed to mark sweep: %w", err)
	}
	return nil
}

func (s *Store) IsSwept(ctx context.Context, id points.StudentID, period string) (bool, error) {
	var count int
	err := s.queryRow(ctx,
		"SELECT COUNT(*) FROM sweep_runs WHERE student_id = ? AND period_key = ?",
		string(id), period).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check sweep marker: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// INVESTMENTS
// =============================================================================

const investmentColumns = `id, student_id, amount, platform, investment_type, status, investment_date,
	maturity_date, expected_return, current_value, period_key, transaction_id, created_by, updated_at`

func (s *Store) InsertInvestment(ctx context.Context, inv investment.Investment) error {
	_, err := s.exec(ctx, `
		INSERT INTO investments (`+investmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, string(inv.StudentID), int64(inv.Amount), inv.Platform, inv.Type, string(inv.Status),
		formatTime(inv.InvestmentDate), nullTime(inv.MaturityDate), inv.ExpectedReturn.String(),
		nullDecimal(inv.CurrentValue), nullString(inv.PeriodKey), string(inv.TransactionID),
		nullString(inv.CreatedBy), formatTime(inv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert investment: %w", err)
	}
	return nil
}

func (s *Store) GetInvestment(ctx context.Context, id string) (*investment.Investment, error) {
	invs, err := s.queryInvestments(ctx, "SELECT "+investmentColumns+" FROM investments WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(invs) == 0 {
		return nil, nil
	}
	return &invs[0], nil
}

func (s *Store) UpdateInvestment(ctx context.Context, inv investment.Investment, from investment.Status) error {
	res, err := s.exec(ctx, `
		UPDATE investments SET status = ?, current_value = ?, maturity_date = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(inv.Status), nullDecimal(inv.CurrentValue), nullTime(inv.MaturityDate),
		formatTime(inv.UpdatedAt), inv.ID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update investment: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return points.ErrInvalidTransition
	}
	return nil
}

func (s *Store) ListInvestments(ctx context.Context, f investment.Filter) ([]investment.Investment, error) {
	w := &where{}
	if f.StudentID != "" {
		w.add("student_id = ?", string(f.StudentID))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if !f.MaturesBy.IsZero() {
		w.add("maturity_date IS NOT NULL AND maturity_date <= ?", formatTime(f.MaturesBy))
	}
	if f.PeriodKey != "" {
		w.add("period_key = ?", f.PeriodKey)
	}
	return s.queryInvestments(ctx,
		"SELECT "+investmentColumns+" FROM investments"+w.String()+" ORDER BY investment_date, id",
		w.args...)
}

func (s *Store) queryInvestments(ctx context.Context, query string, args ...any) ([]investment.Investment, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query investments: %w", err)
	}
	defer rows.Close()

	var result []investment.Investment
	for rows.Next() {
		var (
			inv            investment.Investment
			invested       string
			maturity       sql.NullString
			currentValue   decimal.NullDecimal
			periodKey      sql.NullString
			createdBy      sql.NullString
			updatedAt      string
		)
		if err := rows.Scan(&inv.ID, &inv.StudentID, &inv.Amount, &inv.Platform, &inv.Type, &inv.Status,
			&invested, &maturity, &inv.ExpectedReturn, &currentValue, &periodKey, &inv.TransactionID,
			&createdBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan investment: %w", err)
		}
		inv.InvestmentDate = parseTime(invested)
		inv.MaturityDate = timePtr(maturity)
		if currentValue.Valid {
			v := currentValue.Decimal
			inv.CurrentValue = &v
		}
		inv.PeriodKey = periodKey.String
		inv.CreatedBy = createdBy.String
		inv.UpdatedAt = parseTime(updatedAt)
		result = append(result, inv)
	}
	return result, rows.Err()
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
