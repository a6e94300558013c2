package sqlstore

import (
	"context"
	"strings"
)

// schema is shared by both dialects. {{SEQ}} is the auto-increment key of
// the transactions table.
const schema = `
	-- Students
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	-- Balance snapshots, written only through SaveBalance (version checked)
	CREATE TABLE IF NOT EXISTS balances (
		student_id TEXT PRIMARY KEY REFERENCES students(id),
		total_points BIGINT NOT NULL DEFAULT 0,
		available_points BIGINT NOT NULL DEFAULT 0,
		invested_points BIGINT NOT NULL DEFAULT 0,
		insurance_points BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		CHECK (available_points >= 0),
		CHECK (invested_points >= 0),
		CHECK (insurance_points >= 0)
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq {{SEQ}},
		id TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL REFERENCES students(id),
		tx_type TEXT NOT NULL,
		category TEXT NOT NULL,
		bucket TEXT NOT NULL,
		source_bucket TEXT,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		tx_date TEXT NOT NULL,
		description TEXT,
		reference_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	-- History queries by student and date (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_student_date
		ON transactions(student_id, tx_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_id);

	-- Platform fee ledger (append-only)
	CREATE TABLE IF NOT EXISTS fees (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		student_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		reference_id TEXT,
		percent TEXT NOT NULL,
		gross_amount TEXT NOT NULL,
		fee_amount TEXT NOT NULL,
		fee_points BIGINT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fees_kind ON fees(kind);

	-- Investments
	CREATE TABLE IF NOT EXISTS investments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		amount BIGINT NOT NULL,
		platform TEXT NOT NULL,
		investment_type TEXT NOT NULL,
		status TEXT NOT NULL,
		investment_date TEXT NOT NULL,
		maturity_date TEXT,
		expected_return TEXT NOT NULL,
		current_value TEXT,
		period_key TEXT,
		transaction_id TEXT NOT NULL,
		created_by TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_investments_student ON investments(student_id);
	CREATE INDEX IF NOT EXISTS idx_investments_status_maturity
		ON investments(status, maturity_date);

	-- Sweep markers: one row per student per period
	CREATE TABLE IF NOT EXISTS sweep_runs (
		student_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		investment_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (student_id, period_key)
	);

	-- Catalog
	CREATE TABLE IF NOT EXISTS catalog_items (
		id TEXT PRIMARY KEY,
		vendor_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		price_points BIGINT NOT NULL,
		stock BIGINT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TEXT NOT NULL,
		CHECK (stock IS NULL OR stock >= 0)
	);

	CREATE INDEX IF NOT EXISTS idx_catalog_vendor ON catalog_items(vendor_id);

	-- Purchase orders and their snapshotted lines
	CREATE TABLE IF NOT EXISTS purchase_orders (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		vendor_id TEXT NOT NULL,
		total_points BIGINT NOT NULL,
		status TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		debit_transaction_id TEXT NOT NULL,
		refund_transaction_id TEXT,
		reason TEXT,
		request_date TEXT NOT NULL,
		approved_date TEXT,
		fulfilled_date TEXT,
		updated_by TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_student ON purchase_orders(student_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON purchase_orders(status);

	CREATE TABLE IF NOT EXISTS purchase_order_lines (
		order_id TEXT NOT NULL REFERENCES purchase_orders(id),
		line_no INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price BIGINT NOT NULL,
		PRIMARY KEY (order_id, line_no)
	);

	-- Withdrawal requests
	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		amount BIGINT NOT NULL,
		conversion_rate TEXT NOT NULL,
		cash_amount TEXT NOT NULL,
		fee_percent TEXT,
		fee_amount TEXT,
		net_cash_amount TEXT,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		bank_json TEXT NOT NULL,
		reason TEXT,
		transaction_id TEXT,
		request_date TEXT NOT NULL,
		approved_date TEXT,
		processed_date TEXT,
		reviewed_by TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_student ON withdrawal_requests(student_id);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawal_requests(status);

	-- Health insurance policies
	CREATE TABLE IF NOT EXISTS insurance_policies (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		provider TEXT NOT NULL,
		policy_number TEXT NOT NULL,
		coverage_amount TEXT NOT NULL,
		premium_points BIGINT NOT NULL,
		start_date TEXT NOT NULL,
		expiry_date TEXT NOT NULL,
		status TEXT NOT NULL,
		created_by TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_policies_student ON insurance_policies(student_id);

	-- Admin settings (singleton JSON records)
	CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_by TEXT,
		updated_at TEXT NOT NULL
	);
	`

func (s *Store) migrate(ctx context.Context) error {
	seq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		seq = "BIGSERIAL PRIMARY KEY"
	}
	ddl := strings.ReplaceAll(schema, "{{SEQ}}", seq)

	// pgx runs one statement per Exec; sqlite accepts either.
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Reset clears all data (for testing).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"purchase_order_lines", "purchase_orders", "catalog_items",
		"withdrawal_requests", "insurance_policies", "sweep_runs",
		"investments", "fees", "transactions", "balances", "students", "settings",
	}
	return s.InTx(ctx, func(ctx context.Context) error {
		for _, t := range tables {
			if _, err := s.exec(ctx, "DELETE FROM "+t); err != nil {
				return err
			}
		}
		return nil
	})
}
