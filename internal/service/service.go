package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gstpos/backend/internal/cache"
	"gstpos/backend/internal/checkout"
	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/store"
	"gstpos/backend/internal/tax"
	"gstpos/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	engine   *checkout.Engine
	txReader *cache.ReadThrough
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithTransactionCache puts a read-through cache in front of ledger reads by id.
func WithTransactionCache(c cache.TransactionCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.txReader = cache.NewReadThrough(c, s.repo.FindTransactionByID, ttl, s.logger)
	}
}

// WithLogger must come before WithTransactionCache for the cache to share it.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, engine *checkout.Engine, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		engine: engine,
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.txReader == nil {
		s.txReader = cache.NewReadThrough(nil, repo.FindTransactionByID, 0, s.logger)
	}
	return s
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, normalizeID(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}

	req.ID = normalizeID(req.ID)
	if req.ID == "" {
		req.ID = xid.New("prd")
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Barcode = strings.TrimSpace(req.Barcode)

	if req.Name == "" || req.Category == "" {
		return domain.Product{}, invalid("name and category are required")
	}
	if req.PriceCents < 0 || req.InitialStock < 0 || req.ReorderLevel < 0 {
		return domain.Product{}, invalid("price, stock and reorder level must not be negative")
	}
	if !tax.ValidRate(req.TaxRatePercent) {
		return domain.Product{}, invalid("tax rate must be between 0 and 100")
	}

	now := s.now()
	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:             req.ID,
		Name:           req.Name,
		Category:       req.Category,
		Barcode:        req.Barcode,
		PriceCents:     req.PriceCents,
		Stock:          req.InitialStock,
		TaxRatePercent: req.TaxRatePercent,
		ReorderLevel:   req.ReorderLevel,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("price=%d,rate=%.2f,stock=%d", created.PriceCents, created.TaxRatePercent, created.Stock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}

	id = normalizeID(id)
	if id == "" {
		return domain.Product{}, invalid("product id is required")
	}
	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, invalid("name must not be empty")
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, invalid("category must not be empty")
		}
		updated.Category = category
	}
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return domain.Product{}, invalid("price must not be negative")
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.TaxRatePercent != nil {
		if !tax.ValidRate(*req.TaxRatePercent) {
			return domain.Product{}, invalid("tax rate must be between 0 and 100")
		}
		updated.TaxRatePercent = *req.TaxRatePercent
	}
	if req.ReorderLevel != nil {
		if *req.ReorderLevel < 0 {
			return domain.Product{}, invalid("reorder level must not be negative")
		}
		updated.ReorderLevel = *req.ReorderLevel
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	updated.UpdatedAt = s.now()

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%d,rate=%.2f", saved.Active, saved.PriceCents, saved.TaxRatePercent))
	return *saved, nil
}

func (s *Service) RestockProduct(ctx context.Context, id string, req domain.RestockRequest) (domain.Product, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}

	id = normalizeID(id)
	if id == "" || req.Qty < 1 {
		return domain.Product{}, invalid("product id and a positive quantity are required")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = domain.MovementReasonRestock
	}

	product, err := s.repo.Restock(ctx, id, req.Qty, reason, s.now())
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_restock", "product", product.ID, fmt.Sprintf("qty=%d,stock=%d,reason=%s", req.Qty, product.Stock, reason))
	return *product, nil
}

func (s *Service) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListLowStock(ctx)
}

func (s *Service) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListMovements(ctx, normalizeID(productID), limit)
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Email = strings.TrimSpace(req.Email)
	req.GSTIN = strings.ToUpper(strings.TrimSpace(req.GSTIN))

	if req.Name == "" {
		return domain.Customer{}, invalid("name is required")
	}
	if req.GSTIN != "" && (len(req.GSTIN) != 15 || tax.StateCode(req.GSTIN) == "") {
		return domain.Customer{}, invalid("gstin must be 15 characters starting with a state code")
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		ID:        xid.New("cus"),
		Name:      req.Name,
		Phone:     req.Phone,
		Email:     req.Email,
		GSTIN:     req.GSTIN,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, "")
	return *created, nil
}

func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.TaxBreakdown, error) {
	return s.engine.Quote(ctx, req)
}

// Checkout commits a sale on behalf of the authenticated cashier.
func (s *Service) Checkout(ctx context.Context, req domain.SaleRequest) (domain.Transaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Transaction{}, ErrForbidden
	}
	req.CashierUsername = actor.Username

	tx, err := s.engine.CommitSale(ctx, req)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !tx.Duplicate {
		s.txReader.Refresh(ctx, tx)
		s.logAudit(ctx, "sale_commit", "transaction", tx.ID, fmt.Sprintf("invoice=%s,total=%d", tx.InvoiceNumber, tx.TotalCents))
	}
	return *tx, nil
}

func (s *Service) CancelTransaction(ctx context.Context, id string, reason string) (domain.Transaction, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Transaction{}, err
	}

	tx, err := s.engine.CancelSale(ctx, id, reason)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.txReader.Refresh(ctx, tx)

	s.logAudit(ctx, "sale_cancel", "transaction", tx.ID, tx.CancelReason)
	return *tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, invalid("transaction id is required")
	}
	tx, err := s.txReader.Get(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

// ListTransactions returns transactions created on the days fromDate through
// toDate inclusive. Empty dates mean today.
func (s *Service) ListTransactions(ctx context.Context, fromDate string, toDate string, limit int) ([]domain.Transaction, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}

	from, err := s.parseDay(fromDate)
	if err != nil {
		return nil, err
	}
	to := from
	if strings.TrimSpace(toDate) != "" {
		if to, err = s.parseDay(toDate); err != nil {
			return nil, err
		}
	}
	if to.Before(from) {
		return nil, invalid("to must not be before from")
	}
	if limit < 1 || limit > 1000 {
		limit = 500
	}
	return s.repo.ListTransactions(ctx, from, to.Add(24*time.Hour), limit)
}

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.DailyReport{}, err
	}

	day, err := s.parseDay(date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report, err := s.repo.GetDailyReport(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.Date = day.Format("2006-01-02")
	return report, nil
}

func (s *Service) parseDay(date string) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		now := s.now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, invalid("date must be YYYY-MM-DD")
	}
	return parsed.UTC(), nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	s.logger.Info().
		Str("audit_action", action).
		Str("actor", actor.Username).
		Str("actor_role", actor.Role).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Str("detail", detail).
		Msg("audit")
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return ErrForbidden
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s role required", ErrForbidden, strings.Join(roles, " or "))
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", checkout.ErrInvalidRequest, msg)
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
