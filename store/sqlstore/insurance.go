package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/points-engine/insurance"
	"github.com/warp/points-engine/points"
)

var _ insurance.Store = (*Store)(nil)

const policyColumns = `id, student_id, provider, policy_number, coverage_amount, premium_points,
	start_date, expiry_date, status, created_by, updated_at`

func (s *Store) InsertPolicy(ctx context.Context, p insurance.Policy) error {
	_, err := s.exec(ctx, `
		INSERT INTO insurance_policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.StudentID), p.Provider, p.PolicyNumber, p.CoverageAmount.String(),
		int64(p.PremiumAmount), formatTime(p.StartDate), formatTime(p.ExpiryDate), string(p.Status),
		nullString(p.CreatedBy), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id string) (*insurance.Policy, error) {
	ps, err := s.queryPolicies(ctx, "SELECT "+policyColumns+" FROM insurance_policies WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, nil
	}
	return &ps[0], nil
}

func (s *Store) UpdatePolicy(ctx context.Context, p insurance.Policy, from insurance.Status) error {
	res, err := s.exec(ctx,
		"UPDATE insurance_policies SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(p.Status), formatTime(p.UpdatedAt), p.ID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
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

func (s *Store) ListPolicies(ctx context.Context, f insurance.Filter) ([]insurance.Policy, error) {
	w := &where{}
	if f.StudentID != "" {
		w.add("student_id = ?", string(f.StudentID))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if !f.ExpiresBy.IsZero() {
		w.add("expiry_date <= ?", formatTime(f.ExpiresBy))
	}
	return s.queryPolicies(ctx,
		"SELECT "+policyColumns+" FROM insurance_policies"+w.String()+" ORDER BY start_date, id",
		w.args...)
}

func (s *Store) queryPolicies(ctx context.Context, query string, args ...any) ([]insurance.Policy, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var result []insurance.Policy
	for rows.Next() {
		var (
			p             insurance.Policy
			start, expiry string
			createdBy     sql.NullString
			updated       string
		)
		if err := rows.Scan(&p.ID, &p.StudentID, &p.Provider, &p.PolicyNumber, &p.CoverageAmount,
			&p.PremiumAmount, &start, &expiry, &p.Status, &createdBy, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p.StartDate = parseTime(start)
		p.ExpiryDate = parseTime(expiry)
		p.CreatedBy = createdBy.String
		p.UpdatedAt = parseTime(updated)
		result = append(result, p)
	}
	return result, rows.Err()
}
