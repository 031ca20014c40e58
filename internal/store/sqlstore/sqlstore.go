// Package sqlstore implements store.Repository on database/sql for
// PostgreSQL (pgx) and SQLite (go-sqlite3). Queries are written with $N
// placeholders and rebound for SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/store"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Repository = (*Store)(nil)

func OpenPostgres(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: DialectPostgres}, nil
}

// OpenSQLite opens the database file at path. Writers take the database lock
// at BEGIN, and a single connection is used so commits are serialized.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dialect: DialectSQLite}, nil
}

func ping(ctx context.Context, db *sql.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	return db.PingContext(pingCtx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

func (s *Store) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

// placeholders returns "$start, $start+1, ..." for n arguments.
func placeholders(start int, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// invoiceNumberKey names the unique constraint on transactions.invoice_number
// in both schemas.
const invoiceNumberKey = "transactions_invoice_number_key"

// violatesInvoiceNumber reports whether a unique violation came from the
// invoice number rather than the id or the idempotency key.
func violatesInvoiceNumber(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == invoiceNumberKey
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return strings.Contains(liteErr.Error(), "transactions.invoice_number")
	}
	return false
}

// isContention reports serialization failures and deadlocks, which the
// caller may treat like a lost compare-and-decrement.
func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}

func requiredQty(items []domain.TransactionLine) (map[string]int, []string) {
	required := make(map[string]int, len(items))
	for _, item := range items {
		required[item.ProductID] += item.Qty
	}
	ids := make([]string, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return required, ids
}
