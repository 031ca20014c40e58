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

const transactionColumns = `id, invoice_number, idempotency_key, terminal_id, cashier_username, customer_id,
	payment_method, tax_mode, subtotal_cents, cgst_cents, sgst_cents, igst_cents, tax_cents, total_cents,
	amount_received_cents, change_cents, loyalty_points_earned, status, cancel_reason, cancelled_at, created_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		tx             domain.Transaction
		idempotencyKey sql.NullString
		customerID     sql.NullString
		cancelledAt    sql.NullTime
	)
	err := row.Scan(
		&tx.ID,
		&tx.InvoiceNumber,
		&idempotencyKey,
		&tx.TerminalID,
		&tx.CashierUsername,
		&customerID,
		&tx.PaymentMethod,
		&tx.TaxMode,
		&tx.SubtotalCents,
		&tx.CGSTCents,
		&tx.SGSTCents,
		&tx.IGSTCents,
		&tx.TaxCents,
		&tx.TotalCents,
		&tx.AmountReceivedCents,
		&tx.ChangeCents,
		&tx.LoyaltyPointsEarned,
		&tx.Status,
		&tx.CancelReason,
		&cancelledAt,
		&tx.CreatedAt,
	)
	if err != nil {
		return tx, err
	}
	tx.IdempotencyKey = idempotencyKey.String
	tx.CustomerID = customerID.String
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		tx.CancelledAt = &at
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "idempotency_key", key)
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "id", id)
}

func (s *Store) findTransaction(ctx context.Context, column string, value string) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s = $1`, transactionColumns, column)
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, s.rebind(query), value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadItems(ctx, []string{tx.ID})
	if err != nil {
		return nil, err
	}
	tx.Items = items[tx.ID]
	return &tx, nil
}

func (s *Store) loadItems(ctx context.Context, ids []string) (map[string][]domain.TransactionLine, error) {
	result := make(map[string][]domain.TransactionLine, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT transaction_id, product_id, name, unit_price_cents, tax_rate_percent, qty, line_total_cents
		FROM transaction_items
		WHERE transaction_id IN (`+placeholders(1, len(ids))+`)
		ORDER BY transaction_id, line_no
	`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			txID string
			item domain.TransactionLine
		)
		if err := rows.Scan(&txID, &item.ProductID, &item.Name, &item.UnitPriceCents, &item.TaxRatePercent, &item.Qty, &item.LineTotalCents); err != nil {
			return nil, err
		}
		result[txID] = append(result[txID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListTransactions(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT %s
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT %d
	`, transactionColumns, limit)), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
		ids = append(ids, tx.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	items, err := s.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		txs[i].Items = items[txs[i].ID]
	}
	return txs, nil
}

func (s *Store) GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		Date:      from.UTC().Format("2006-01-02"),
		ByPayment: make([]domain.DailyReportPayment, 0, 3),
	}
	from, to = from.UTC(), to.UTC()

	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT
			COUNT(*),
			CAST(COALESCE(SUM(subtotal_cents), 0) AS BIGINT),
			CAST(COALESCE(SUM(cgst_cents), 0) AS BIGINT),
			CAST(COALESCE(SUM(sgst_cents), 0) AS BIGINT),
			CAST(COALESCE(SUM(igst_cents), 0) AS BIGINT),
			CAST(COALESCE(SUM(tax_cents), 0) AS BIGINT),
			CAST(COALESCE(SUM(total_cents), 0) AS BIGINT)
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2 AND status = $3
	`), from, to, domain.TxStatusCompleted).Scan(
		&report.Transactions,
		&report.GrossSalesCents,
		&report.CGSTCents,
		&report.SGSTCents,
		&report.IGSTCents,
		&report.TaxCents,
		&report.NetSalesCents,
	)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*)
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2 AND status = $3
	`), from, to, domain.TxStatusCancelled).Scan(&report.CancelledTransactions)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT CAST(COALESCE(SUM(i.qty), 0) AS BIGINT)
		FROM transaction_items i
		JOIN transactions t ON t.id = i.transaction_id
		WHERE t.created_at >= $1 AND t.created_at < $2 AND t.status = $3
	`), from, to, domain.TxStatusCompleted).Scan(&report.ItemsSold)
	if err != nil {
		return report, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT payment_method, COUNT(*), CAST(COALESCE(SUM(total_cents), 0) AS BIGINT)
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2 AND status = $3
		GROUP BY payment_method
		ORDER BY payment_method
	`), from, to, domain.TxStatusCompleted)
	if err != nil {
		return report, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.DailyReportPayment
		if err := rows.Scan(&entry.PaymentMethod, &entry.Transactions, &entry.TotalCents); err != nil {
			return report, err
		}
		report.ByPayment = append(report.ByPayment, entry)
	}
	if err := rows.Err(); err != nil {
		return report, err
	}
	return report, nil
}
