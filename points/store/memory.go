// Package store provides an in-memory points.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.Mutex
	students     map[points.StudentID]points.Student
	balances     map[points.StudentID]points.Balance
	transactions map[points.StudentID][]points.Transaction
	idempotency  map[string]points.Transaction
	fees         []points.Fee
}

func NewMemory() *Memory {
	return &Memory{
		students:     make(map[points.StudentID]points.Student),
		balances:     make(map[points.StudentID]points.Balance),
		transactions: make(map[points.StudentID][]points.Transaction),
		idempotency:  make(map[string]points.Transaction),
	}
}

var (
	_ points.Store    = (*Memory)(nil)
	_ points.FeeStore = (*Memory)(nil)
)

type txKey struct{ m *Memory }

// lock takes the store mutex unless ctx already runs inside one of this
// store's transactions, which holds it for the whole unit.
func (m *Memory) lock(ctx context.Context) func() {
	if ctx.Value(txKey{m}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback on error
// =============================================================================

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{m}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{m}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	students     map[points.StudentID]points.Student
	balances     map[points.StudentID]points.Balance
	transactions map[points.StudentID][]points.Transaction
	idempotency  map[string]points.Transaction
	fees         int
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		students:     make(map[points.StudentID]points.Student, len(m.students)),
		balances:     make(map[points.StudentID]points.Balance, len(m.balances)),
		transactions: make(map[points.StudentID][]points.Transaction, len(m.transactions)),
		idempotency:  make(map[string]points.Transaction, len(m.idempotency)),
		fees:         len(m.fees),
	}
	for k, v := range m.students {
		s.students[k] = v
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = append([]points.Transaction{}, v...)
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.students = s.students
	m.balances = s.balances
	m.transactions = s.transactions
	m.idempotency = s.idempotency
	m.fees = m.fees[:s.fees]
}

// =============================================================================
// BALANCES
// =============================================================================

func (m *Memory) GetBalance(ctx context.Context, id points.StudentID) (points.Balance, error) {
	defer m.lock(ctx)()
	b, ok := m.balances[id]
	if !ok {
		return points.Balance{}, points.ErrStudentNotFound
	}
	return b, nil
}

func (m *Memory) SaveBalance(ctx context.Context, b points.Balance, expectedVersion int64) error {
	defer m.lock(ctx)()
	cur, ok := m.balances[b.StudentID]
	if !ok {
		return points.ErrStudentNotFound
	}
	if cur.Version != expectedVersion {
		return points.ErrConcurrentModification
	}
	m.balances[b.StudentID] = b
	return nil
}

// =============================================================================
// LEDGER - Append-only
// =============================================================================

func (m *Memory) AppendTransaction(ctx context.Context, tx points.Transaction) error {
	defer m.lock(ctx)()
	if tx.IdempotencyKey != "" {
		if _, ok := m.idempotency[tx.IdempotencyKey]; ok {
			return points.ErrDuplicateIdempotencyKey
		}
		m.idempotency[tx.IdempotencyKey] = tx
	}

	txs := m.transactions[tx.StudentID]
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].Date.After(tx.Date)
	})
	txs = append(txs, points.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.transactions[tx.StudentID] = txs
	return nil
}

func (m *Memory) FindTransactionByKey(ctx context.Context, key string) (*points.Transaction, error) {
	defer m.lock(ctx)()
	tx, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (m *Memory) ListTransactions(ctx context.Context, id points.StudentID, f points.TransactionFilter) ([]points.Transaction, error) {
	defer m.lock(ctx)()
	var result []points.Transaction
	for _, tx := range m.transactions[id] {
		if !f.From.IsZero() && tx.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && tx.Date.After(f.To) {
			continue
		}
		if f.Category != "" && tx.Category != f.Category {
			continue
		}
		result = append(result, tx)
	}
	if f.Descending {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// =============================================================================
// STUDENTS
// =============================================================================

func (m *Memory) CreateStudent(ctx context.Context, s points.Student) error {
	defer m.lock(ctx)()
	if _, ok := m.students[s.ID]; ok {
		return points.Invalid("id", "student %s already exists", s.ID)
	}
	m.students[s.ID] = s
	m.balances[s.ID] = points.Balance{StudentID: s.ID, UpdatedAt: s.CreatedAt}
	return nil
}

func (m *Memory) GetStudent(ctx context.Context, id points.StudentID) (*points.Student, error) {
	defer m.lock(ctx)()
	s, ok := m.students[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) ListStudents(ctx context.Context) ([]points.Student, error) {
	defer m.lock(ctx)()
	result := make([]points.Student, 0, len(m.students))
	for _, s := range m.students {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) ListActiveStudents(ctx context.Context) ([]points.StudentID, error) {
	students, err := m.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	var ids []points.StudentID
	for _, s := range students {
		if s.Active {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

// =============================================================================
// FEES
// =============================================================================

func (m *Memory) AppendFee(ctx context.Context, fee points.Fee) error {
	defer m.lock(ctx)()
	m.fees = append(m.fees, fee)
	return nil
}

func (m *Memory) ListFees(ctx context.Context, kind points.FeeKind) ([]points.Fee, error) {
	defer m.lock(ctx)()
	var result []points.Fee
	for _, f := range m.fees {
		if kind == "" || f.Kind == kind {
			result = append(result, f)
		}
	}
	return result, nil
}
