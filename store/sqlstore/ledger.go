package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/points-engine/points"
)

var (
	_ points.Store    = (*Store)(nil)
	_ points.FeeStore = (*Store)(nil)
)

// =============================================================================
// STUDENTS
// =============================================================================

// CreateStudent inserts the student and its zero balance.
func (s *Store) CreateStudent(ctx context.Context, st points.Student) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		_, err := s.exec(ctx,
			"INSERT INTO students (id, name, active, created_at) VALUES (?, ?, ?, ?)",
			string(st.ID), st.Name, st.Active, formatTime(st.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return points.Invalid("id", "student %s already exists", st.ID)
			}
			return fmt.Errorf("failed to create student: %w", err)
		}
		_, err = s.exec(ctx,
			"INSERT INTO balances (student_id, updated_at) VALUES (?, ?)",
			string(st.ID), formatTime(st.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to create balance: %w", err)
		}
		return nil
	})
}

func (s *Store) GetStudent(ctx context.Context, id points.StudentID) (*points.Student, error) {
	var (
		st        points.Student
		createdAt string
	)
	err := s.queryRow(ctx,
		"SELECT id, name, active, created_at FROM students WHERE id = ?", string(id),
	).Scan(&st.ID, &st.Name, &st.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	st.CreatedAt = parseTime(createdAt)
	return &st, nil
}

func (s *Store) ListStudents(ctx context.Context) ([]points.Student, error) {
	rows, err := s.query(ctx, "SELECT id, name, active, created_at FROM students ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	var students []points.Student
	for rows.Next() {
		var (
			st        points.Student
			createdAt string
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		st.CreatedAt = parseTime(createdAt)
		students = append(students, st)
	}
	return students, rows.Err()
}

func (s *Store) ListActiveStudents(ctx context.Context) ([]points.StudentID, error) {
	rows, err := s.query(ctx, "SELECT id FROM students WHERE active = ? ORDER BY id", true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active students: %w", err)
	}
	defer rows.Close()

	var ids []points.StudentID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan student id: %w", err)
		}
		ids = append(ids, points.StudentID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, id points.StudentID) (points.Balance, error) {
	var (
		b         = points.Balance{StudentID: id}
		updatedAt string
	)
	err := s.queryRow(ctx, `
		SELECT total_points, available_points, invested_points, insurance_points, version, updated_at
		FROM balances WHERE student_id = ?`, string(id),
	).Scan(&b.Total, &b.Available, &b.Invested, &b.Insurance, &b.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Balance{}, points.ErrStudentNotFound
	}
	if err != nil {
		return points.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// SaveBalance is the conditional update behind optimistic concurrency.
func (s *Store) SaveBalance(ctx context.Context, b points.Balance, expectedVersion int64) error {
	res, err := s.exec(ctx, `
		UPDATE balances
		SET total_points = ?, available_points = ?, invested_points = ?, insurance_points = ?,
		    version = ?, updated_at = ?
		WHERE student_id = ? AND version = ?`,
		int64(b.Total), int64(b.Available), int64(b.Invested), int64(b.Insurance),
		b.Version, formatTime(b.UpdatedAt), string(b.StudentID), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.queryRow(ctx, "SELECT COUNT(*) FROM balances WHERE student_id = ?", string(b.StudentID)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check balance: %w", err)
	}
	if exists == 0 {
		return points.ErrStudentNotFound
	}
	return points.ErrConcurrentModification
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

const transactionColumns = `id, student_id, tx_type, category, bucket, source_bucket, amount,
	balance_after, tx_date, description, reference_id, idempotency_key, created_by, created_at`

// AppendTransaction adds a transaction to the ledger.
func (s *Store) AppendTransaction(ctx context.Context, tx points.Transaction) error {
	_, err := s.exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID),
		string(tx.StudentID),
		string(tx.Type),
		string(tx.Category),
		string(tx.Bucket),
		nullString(string(tx.Source)),
		int64(tx.Amount),
		int64(tx.Balance),
		formatTime(tx.Date),
		nullString(tx.Description),
		nullString(tx.ReferenceID),
		nullString(tx.IdempotencyKey),
		nullString(tx.CreatedBy),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) && tx.IdempotencyKey != "" {
			return points.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) FindTransactionByKey(ctx context.Context, key string) (*points.Transaction, error) {
	txs, err := s.queryTransactions(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// ListTransactions returns a student's history in date order.
func (s *Store) ListTransactions(ctx context.Context, id points.StudentID, f points.TransactionFilter) ([]points.Transaction, error) {
	w := &where{}
	w.add("student_id = ?", string(id))
	if !f.From.IsZero() {
		w.add("tx_date >= ?", formatTime(f.From))
	}
	if !f.To.IsZero() {
		w.add("tx_date <= ?", formatTime(f.To))
	}
	if f.Category != "" {
		w.add("category = ?", string(f.Category))
	}

	order := " ORDER BY tx_date ASC, seq ASC"
	if f.Descending {
		order = " ORDER BY tx_date DESC, seq DESC"
	}
	query := "SELECT " + transactionColumns + " FROM transactions" + w.String() + order
	args := w.args
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryTransactions(ctx, query, args...)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]points.Transaction, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []points.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (points.Transaction, error) {
	var (
		tx             points.Transaction
		source         sql.NullString
		txDate         string
		description    sql.NullString
		referenceID    sql.NullString
		idempotencyKey sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)
	err := rows.Scan(
		&tx.ID, &tx.StudentID, &tx.Type, &tx.Category, &tx.Bucket, &source, &tx.Amount,
		&tx.Balance, &txDate, &description, &referenceID, &idempotencyKey, &createdBy, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Source = points.Bucket(source.String)
	tx.Date = parseTime(txDate)
	tx.Description = description.String
	tx.ReferenceID = referenceID.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedBy = createdBy.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// FEE STORE
// =============================================================================

func (s *Store) AppendFee(ctx context.Context, f points.Fee) error {
	_, err := s.exec(ctx, `
		INSERT INTO fees (id, kind, student_id, source_id, reference_id, percent,
		                  gross_amount, fee_amount, fee_points, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, string(f.Kind), string(f.StudentID), f.SourceID, nullString(f.ReferenceID), f.Percent,
		f.Gross, f.Amount, int64(f.Points), formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append fee: %w", err)
	}
	return nil
}

func (s *Store) ListFees(ctx context.Context, kind points.FeeKind) ([]points.Fee, error) {
	w := &where{}
	if kind != "" {
		w.add("kind = ?", string(kind))
	}
	rows, err := s.query(ctx, `
		SELECT id, kind, student_id, source_id, reference_id, percent,
		       gross_amount, fee_amount, fee_points, created_at
		FROM fees`+w.String()+" ORDER BY created_at, id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fees: %w", err)
	}
	defer rows.Close()

	var fees []points.Fee
	for rows.Next() {
		var (
			f         points.Fee
			ref       sql.NullString
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.Kind, &f.StudentID, &f.SourceID, &ref, &f.Percent,
			&f.Gross, &f.Amount, &f.Points, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan fee: %w", err)
		}
		f.ReferenceID = ref.String
		f.CreatedAt = parseTime(createdAt)
		fees = append(fees, f)
	}
	return fees, rows.Err()
}
