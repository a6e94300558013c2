package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/purchase"
)

var _ purchase.Store = (*Store)(nil)

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) UpsertItem(ctx context.Context, item purchase.CatalogItem) error {
	var stock sql.NullInt64
	if item.Stock != nil {
		stock = sql.NullInt64{Int64: int64(*item.Stock), Valid: true}
	}
	_, err := s.exec(ctx, `
		INSERT INTO catalog_items (id, vendor_id, name, description, price_points, stock, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			vendor_id = excluded.vendor_id,
			name = excluded.name,
			description = excluded.description,
			price_points = excluded.price_points,
			stock = excluded.stock,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		item.ID, item.VendorID, item.Name, nullString(item.Description), int64(item.PricePoints),
		stock, item.Active, formatTime(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save catalog item: %w", err)
	}
	return nil
}

const itemColumns = "id, vendor_id, name, description, price_points, stock, active, updated_at"

func (s *Store) GetItem(ctx context.Context, id string) (*purchase.CatalogItem, error) {
	items, err := s.queryItems(ctx, "SELECT "+itemColumns+" FROM catalog_items WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *Store) ListItems(ctx context.Context, vendorID string, activeOnly bool) ([]purchase.CatalogItem, error) {
	w := &where{}
	if vendorID != "" {
		w.add("vendor_id = ?", vendorID)
	}
	if activeOnly {
		w.add("active = ?", true)
	}
	return s.queryItems(ctx, "SELECT "+itemColumns+" FROM catalog_items"+w.String()+" ORDER BY name, id", w.args...)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]purchase.CatalogItem, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var items []purchase.CatalogItem
	for rows.Next() {
		var (
			it          purchase.CatalogItem
			description sql.NullString
			stock       sql.NullInt64
			updatedAt   string
		)
		if err := rows.Scan(&it.ID, &it.VendorID, &it.Name, &description, &it.PricePoints,
			&stock, &it.Active, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog item: %w", err)
		}
		it.Description = description.String
		if stock.Valid {
			n := int(stock.Int64)
			it.Stock = &n
		}
		it.UpdatedAt = parseTime(updatedAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReserveStock decrements tracked stock in a single conditional statement.
func (s *Store) ReserveStock(ctx context.Context, itemID string, qty int) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE catalog_items SET stock = stock - ?
		WHERE id = ? AND stock IS NOT NULL AND stock >= ?`, qty, itemID, qty)
	if err != nil {
		return false, fmt.Errorf("failed to reserve stock: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// Either untracked (always fine), short, or gone.
	var stock sql.NullInt64
	err = s.queryRow(ctx, "SELECT stock FROM catalog_items WHERE id = ?", itemID).Scan(&stock)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("catalog item %s: %w", itemID, points.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read stock: %w", err)
	}
	return !stock.Valid, nil
}

func (s *Store) ReleaseStock(ctx context.Context, itemID string, qty int) error {
	_, err := s.exec(ctx,
		"UPDATE catalog_items SET stock = stock + ? WHERE id = ? AND stock IS NOT NULL", qty, itemID)
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	return nil
}

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `id, student_id, vendor_id, total_points, status, idempotency_key, debit_transaction_id,
	refund_transaction_id, reason, request_date, approved_date, fulfilled_date, updated_by, updated_at`

func (s *Store) InsertOrder(ctx context.Context, o purchase.Order) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		_, err := s.exec(ctx, `
			INSERT INTO purchase_orders (`+orderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, string(o.StudentID), o.VendorID, int64(o.TotalPoints), string(o.Status),
			nullString(o.IdempotencyKey), string(o.DebitTransactionID), nullString(string(o.RefundTransactionID)),
			nullString(o.Reason), formatTime(o.RequestDate), nullTime(o.ApprovedDate), nullTime(o.FulfilledDate),
			nullString(o.UpdatedBy), formatTime(o.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return points.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}
		for i, l := range o.Lines {
			_, err := s.exec(ctx, `
				INSERT INTO purchase_order_lines (order_id, line_no, item_id, name, quantity, unit_price)
				VALUES (?, ?, ?, ?, ?, ?)`,
				o.ID, i+1, l.ItemID, l.Name, l.Quantity, int64(l.UnitPrice))
			if err != nil {
				return fmt.Errorf("failed to insert order line: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id string) (*purchase.Order, error) {
	return s.oneOrder(ctx, "SELECT "+orderColumns+" FROM purchase_orders WHERE id = ?", id)
}

func (s *Store) FindOrderByKey(ctx context.Context, key string) (*purchase.Order, error) {
	return s.oneOrder(ctx, "SELECT "+orderColumns+" FROM purchase_orders WHERE idempotency_key = ?", key)
}

func (s *Store) oneOrder(ctx context.Context, query string, args ...any) (*purchase.Order, error) {
	orders, err := s.queryOrders(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

func (s *Store) UpdateOrder(ctx context.Context, o purchase.Order, from purchase.Status) error {
	res, err := s.exec(ctx, `
		UPDATE purchase_orders
		SET status = ?, refund_transaction_id = ?, reason = ?, approved_date = ?, fulfilled_date = ?,
		    updated_by = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(o.Status), nullString(string(o.RefundTransactionID)), nullString(o.Reason),
		nullTime(o.ApprovedDate), nullTime(o.FulfilledDate), nullString(o.UpdatedBy),
		formatTime(o.UpdatedAt), o.ID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
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

func (s *Store) ListOrders(ctx context.Context, f purchase.OrderFilter) ([]purchase.Order, error) {
	w := &where{}
	if f.StudentID != "" {
		w.add("student_id = ?", string(f.StudentID))
	}
	if f.VendorID != "" {
		w.add("vendor_id = ?", f.VendorID)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	return s.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM purchase_orders"+w.String()+" ORDER BY request_date DESC, id",
		w.args...)
}

// queryOrders reads the orders first and their lines after, so only one
// result set is open at a time on the connection.
func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]purchase.Order, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	var orders []purchase.Order
	for rows.Next() {
		var (
			o                          purchase.Order
			key, refund, reason, actor sql.NullString
			requested, updated         string
			approved, fulfilled        sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.StudentID, &o.VendorID, &o.TotalPoints, &o.Status, &key,
			&o.DebitTransactionID, &refund, &reason, &requested, &approved, &fulfilled,
			&actor, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.IdempotencyKey = key.String
		o.RefundTransactionID = points.TransactionID(refund.String)
		o.Reason = reason.String
		o.RequestDate = parseTime(requested)
		o.ApprovedDate = timePtr(approved)
		o.FulfilledDate = timePtr(fulfilled)
		o.UpdatedBy = actor.String
		o.UpdatedAt = parseTime(updated)
		orders = append(orders, o)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range orders {
		lines, err := s.orderLines(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Lines = lines
	}
	return orders, nil
}

func (s *Store) orderLines(ctx context.Context, orderID string) ([]purchase.Line, error) {
	rows, err := s.query(ctx, `
		SELECT item_id, name, quantity, unit_price FROM purchase_order_lines
		WHERE order_id = ? ORDER BY line_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer rows.Close()

	var lines []purchase.Line
	for rows.Next() {
		var l purchase.Line
		if err := rows.Scan(&l.ItemID, &l.Name, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
