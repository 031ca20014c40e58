package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/store"
	"gstpos/backend/internal/xid"
)

const productColumns = `id, name, category, barcode, price_cents, stock, tax_rate_percent, reorder_level, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Barcode, &p.PriceCents, &p.Stock, &p.TaxRatePercent, &p.ReorderLevel, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = TRUE
		ORDER BY category, name
	`)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+productColumns+` FROM products WHERE id = $1`), id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	products, err := s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id IN (`+placeholders(1, len(ids))+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 0 || product.Stock < 0 {
		return nil, store.ErrInvalid
	}
	product.CreatedAt = product.CreatedAt.UTC()
	product.UpdatedAt = product.UpdatedAt.UTC()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbTx.Rollback() }()

	_, err = dbTx.ExecContext(ctx, s.rebind(`
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`), product.ID, product.Name, product.Category, product.Barcode, product.PriceCents, product.Stock,
		product.TaxRatePercent, product.ReorderLevel, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if product.Stock > 0 {
		if err := s.insertMovement(ctx, dbTx, product.ID, product.Stock, domain.MovementReasonInitial, "", product.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE products
		SET name = $2, category = $3, barcode = $4, price_cents = $5, tax_rate_percent = $6,
			reorder_level = $7, active = $8, updated_at = $9
		WHERE id = $1
	`), product.ID, product.Name, product.Category, product.Barcode, product.PriceCents, product.TaxRatePercent,
		product.ReorderLevel, product.Active, product.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, product.ID)
}

func (s *Store) Restock(ctx context.Context, productID string, qty int, reason string, at time.Time) (*domain.Product, error) {
	if qty < 1 {
		return nil, store.ErrInvalid
	}
	if reason == "" {
		reason = domain.MovementReasonRestock
	}
	at = at.UTC()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbTx.Rollback() }()

	res, err := dbTx.ExecContext(ctx, s.rebind(`
		UPDATE products SET stock = stock + $2, updated_at = $3 WHERE id = $1
	`), productID, qty, at)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	if err := s.insertMovement(ctx, dbTx, productID, qty, reason, "", at); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, productID)
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.queryProducts(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = TRUE AND stock <= reorder_level
		ORDER BY stock, id
	`)
}

func (s *Store) insertMovement(ctx context.Context, dbTx *sql.Tx, productID string, delta int, reason string, referenceID string, at time.Time) error {
	_, err := dbTx.ExecContext(ctx, s.rebind(`
		INSERT INTO stock_movements (id, product_id, delta_qty, reason, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`), xid.New("mov"), productID, delta, reason, referenceID, at.UTC())
	if err != nil {
		return fmt.Errorf("record movement for %s: %w", productID, err)
	}
	return nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 200
	}
	query := `
		SELECT id, product_id, delta_qty, reason, reference_id, created_at
		FROM stock_movements
	`
	args := []any{}
	if productID != "" {
		query += ` WHERE product_id = $1`
		args = append(args, productID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 64)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.DeltaQty, &m.Reason, &m.ReferenceID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}
