package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/store"
)

// CommitSale runs in one database transaction. Each product row is
// decremented with a conditional UPDATE in sorted id order; a zero row count
// means another sale took the stock after validation, and the whole
// transaction is rolled back.
func (s *Store) CommitSale(ctx context.Context, tx domain.Transaction, credit *domain.CustomerCredit) (*domain.Transaction, error) {
	if tx.ID == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalid
	}
	tx.CreatedAt = tx.CreatedAt.UTC()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbTx.Rollback() }()

	required, ids := requiredQty(tx.Items)
	for _, id := range ids {
		res, err := dbTx.ExecContext(ctx, s.rebind(`
			UPDATE products
			SET stock = stock - $1, updated_at = $2
			WHERE id = $3 AND stock >= $1
		`), required[id], tx.CreatedAt, id)
		if err != nil {
			if isContention(err) {
				return nil, &store.StockConflictError{ProductID: id}
			}
			return nil, fmt.Errorf("decrement %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, &store.StockConflictError{ProductID: id}
		}
	}

	_, err = dbTx.ExecContext(ctx, s.rebind(`
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`),
		tx.ID, tx.InvoiceNumber, nullIfEmpty(tx.IdempotencyKey), tx.TerminalID, tx.CashierUsername, nullIfEmpty(tx.CustomerID),
		tx.PaymentMethod, string(tx.TaxMode), tx.SubtotalCents, tx.CGSTCents, tx.SGSTCents, tx.IGSTCents, tx.TaxCents, tx.TotalCents,
		tx.AmountReceivedCents, tx.ChangeCents, tx.LoyaltyPointsEarned, tx.Status, tx.CancelReason, nullTime(tx.CancelledAt), tx.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if violatesInvoiceNumber(err) {
				return nil, store.ErrDuplicateInvoice
			}
			return nil, store.ErrConflict
		}
		if isContention(err) {
			return nil, store.ErrStockConflict
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	for i, item := range tx.Items {
		_, err := dbTx.ExecContext(ctx, s.rebind(`
			INSERT INTO transaction_items (
				transaction_id, line_no, product_id, name, unit_price_cents, tax_rate_percent, qty, line_total_cents
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`), tx.ID, i+1, item.ProductID, item.Name, item.UnitPriceCents, item.TaxRatePercent, item.Qty, item.LineTotalCents)
		if err != nil {
			return nil, fmt.Errorf("insert item %s: %w", item.ProductID, err)
		}
	}
	for _, id := range ids {
		if err := s.insertMovement(ctx, dbTx, id, -required[id], domain.MovementReasonSale, tx.ID, tx.CreatedAt); err != nil {
			return nil, err
		}
	}

	if credit != nil {
		res, err := dbTx.ExecContext(ctx, s.rebind(`
			UPDATE customers
			SET total_orders = total_orders + $2,
				total_value_cents = total_value_cents + $3,
				loyalty_points = loyalty_points + $4
			WHERE id = $1
		`), credit.CustomerID, credit.Orders, credit.ValueCents, credit.LoyaltyPoints)
		if err != nil {
			return nil, fmt.Errorf("credit customer %s: %w", credit.CustomerID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("customer %s: %w", credit.CustomerID, store.ErrNotFound)
		}
	}

	if err := dbTx.Commit(); err != nil {
		if isContention(err) {
			return nil, store.ErrStockConflict
		}
		return nil, err
	}

	tx.Duplicate = false
	return &tx, nil
}

// CancelSale flips the status with a guarded UPDATE, so of two concurrent
// cancellations only one restocks.
func (s *Store) CancelSale(ctx context.Context, id string, reason string, at time.Time) (*domain.Transaction, error) {
	at = at.UTC()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbTx.Rollback() }()

	tx, err := scanTransaction(dbTx.QueryRowContext(ctx, s.rebind(`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if tx.Status != domain.TxStatusCompleted {
		return nil, store.ErrNotCompleted
	}

	res, err := dbTx.ExecContext(ctx, s.rebind(`
		UPDATE transactions
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1 AND status = $5
	`), id, domain.TxStatusCancelled, reason, at, domain.TxStatusCompleted)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotCompleted
	}

	rows, err := dbTx.QueryContext(ctx, s.rebind(`
		SELECT product_id, name, unit_price_cents, tax_rate_percent, qty, line_total_cents
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY line_no
	`), id)
	if err != nil {
		return nil, err
	}
	items := make([]domain.TransactionLine, 0, 8)
	for rows.Next() {
		var item domain.TransactionLine
		if err := rows.Scan(&item.ProductID, &item.Name, &item.UnitPriceCents, &item.TaxRatePercent, &item.Qty, &item.LineTotalCents); err != nil {
			_ = rows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	required, ids := requiredQty(items)
	for _, productID := range ids {
		_, err := dbTx.ExecContext(ctx, s.rebind(`
			UPDATE products SET stock = stock + $2, updated_at = $3 WHERE id = $1
		`), productID, required[productID], at)
		if err != nil {
			return nil, fmt.Errorf("restock %s: %w", productID, err)
		}
		if err := s.insertMovement(ctx, dbTx, productID, required[productID], domain.MovementReasonCancel, id, at); err != nil {
			return nil, err
		}
	}

	if tx.CustomerID != "" {
		_, err := dbTx.ExecContext(ctx, s.rebind(`
			UPDATE customers
			SET total_orders = CASE WHEN total_orders > 1 THEN total_orders - 1 ELSE 0 END,
				total_value_cents = CASE WHEN total_value_cents > $2 THEN total_value_cents - $2 ELSE 0 END,
				loyalty_points = CASE WHEN loyalty_points > $3 THEN loyalty_points - $3 ELSE 0 END
			WHERE id = $1
		`), tx.CustomerID, tx.TotalCents, tx.LoyaltyPointsEarned)
		if err != nil {
			return nil, fmt.Errorf("reverse customer %s: %w", tx.CustomerID, err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}

	tx.Status = domain.TxStatusCancelled
	tx.CancelReason = reason
	tx.CancelledAt = &at
	tx.Items = items
	return &tx, nil
}
