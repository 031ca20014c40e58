package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/store"
	"gstpos/backend/internal/xid"
)

const customerColumns = `id, name, phone, email, gstin, loyalty_points, total_orders, total_value_cents, created_at`

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.GSTIN, &c.LoyaltyPoints, &c.TotalOrders, &c.TotalValueCents, &c.CreatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+customerColumns+` FROM customers WHERE id = $1`), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" {
		return nil, store.ErrInvalid
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	customer.CreatedAt = customer.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`), customer.ID, customer.Name, customer.Phone, customer.Email, customer.GSTIN,
		customer.LoyaltyPoints, customer.TotalOrders, customer.TotalValueCents, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &customer, nil
}
