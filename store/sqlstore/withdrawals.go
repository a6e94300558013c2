package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/withdrawal"
)

var _ withdrawal.Store = (*Store)(nil)

const withdrawalColumns = `id, student_id, amount, conversion_rate, cash_amount, fee_percent, fee_amount,
	net_cash_amount, category, status, bank_json, reason, transaction_id, request_date, approved_date,
	processed_date, reviewed_by, updated_at`

func (s *Store) InsertWithdrawal(ctx context.Context, w withdrawal.Withdrawal) error {
	bank, err := json.Marshal(w.Bank)
	if err != nil {
		return fmt.Errorf("failed to encode bank details: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO withdrawal_requests (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, string(w.StudentID), int64(w.Amount), w.ConversionRate.String(), w.CashAmount.String(),
		optionalDecimal(w.FeePercent), optionalDecimal(w.FeeAmount), optionalDecimal(w.NetCashAmount),
		string(w.Category), string(w.Status), string(bank), nullString(w.Reason),
		nullString(string(w.TransactionID)), formatTime(w.RequestDate), nullTime(w.ApprovedDate),
		nullTime(w.ProcessedDate), nullString(w.ReviewedBy), formatTime(w.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return points.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (*withdrawal.Withdrawal, error) {
	ws, err := s.queryWithdrawals(ctx, "SELECT "+withdrawalColumns+" FROM withdrawal_requests WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(ws) == 0 {
		return nil, nil
	}
	return &ws[0], nil
}

func (s *Store) UpdateWithdrawal(ctx context.Context, w withdrawal.Withdrawal, from withdrawal.Status) error {
	res, err := s.exec(ctx, `
		UPDATE withdrawal_requests
		SET status = ?, fee_percent = ?, fee_amount = ?, net_cash_amount = ?, reason = ?,
		    transaction_id = ?, approved_date = ?, processed_date = ?, reviewed_by = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(w.Status), optionalDecimal(w.FeePercent), optionalDecimal(w.FeeAmount),
		optionalDecimal(w.NetCashAmount), nullString(w.Reason), nullString(string(w.TransactionID)),
		nullTime(w.ApprovedDate), nullTime(w.ProcessedDate), nullString(w.ReviewedBy),
		formatTime(w.UpdatedAt), w.ID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
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

func (s *Store) ListWithdrawals(ctx context.Context, f withdrawal.Filter) ([]withdrawal.Withdrawal, error) {
	w := &where{}
	if f.StudentID != "" {
		w.add("student_id = ?", string(f.StudentID))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	return s.queryWithdrawals(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawal_requests"+w.String()+" ORDER BY request_date DESC, id",
		w.args...)
}

func (s *Store) queryWithdrawals(ctx context.Context, query string, args ...any) ([]withdrawal.Withdrawal, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()

	var result []withdrawal.Withdrawal
	for rows.Next() {
		var (
			w                        withdrawal.Withdrawal
			bank                     string
			feePct, feeAmt, net      decimal.NullDecimal
			reason, txID, reviewedBy sql.NullString
			requested, updated       string
			approved, processed      sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.StudentID, &w.Amount, &w.ConversionRate, &w.CashAmount, &feePct, &feeAmt, &net,
			&w.Category, &w.Status, &bank, &reason, &txID, &requested, &approved, &processed,
			&reviewedBy, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		w.FeePercent = feePct.Decimal
		w.FeeAmount = feeAmt.Decimal
		w.NetCashAmount = net.Decimal
		if err := json.Unmarshal([]byte(bank), &w.Bank); err != nil {
			return nil, fmt.Errorf("failed to decode bank details of %s: %w", w.ID, err)
		}
		w.Reason = reason.String
		w.TransactionID = points.TransactionID(txID.String)
		w.RequestDate = parseTime(requested)
		w.ApprovedDate = timePtr(approved)
		w.ProcessedDate = timePtr(processed)
		w.ReviewedBy = reviewedBy.String
		w.UpdatedAt = parseTime(updated)
		result = append(result, w)
	}
	return result, rows.Err()
}

// optionalDecimal stores a zero value as NULL (not yet computed).
func optionalDecimal(d decimal.Decimal) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
