package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"gstpos/backend/internal/domain"
	"gstpos/backend/internal/store"
	"gstpos/backend/internal/xid"
)

// Store keeps all state behind one RWMutex. Every mutating call takes the
// write lock for its whole duration, so a commit's check-and-decrement is a
// single critical section.
type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	customers          map[string]domain.Customer
	transactionsByID   map[string]*domain.Transaction
	transactionsByIdem map[string]*domain.Transaction
	invoices           map[string]struct{}
	movements          []domain.StockMovement
	usersByUsername    map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		customers:          make(map[string]domain.Customer),
		transactionsByID:   make(map[string]*domain.Transaction),
		transactionsByIdem: make(map[string]*domain.Transaction),
		invoices:           make(map[string]struct{}),
		movements:          make([]domain.StockMovement, 0, 256),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// dev defaults are used with a warning when either is unset.
func seedUsers(now time.Time) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo catalog, a few customers and the
// default admin and cashier accounts.
func NewSeeded() *Store {
	now := time.Now().UTC()
	s := New()

	products := []domain.Product{
		{ID: "P-RICE-5KG", Name: "Basmati Rice 5kg", Category: "grocery", PriceCents: 62500, TaxRatePercent: 5},
		{ID: "P-ATTA-10KG", Name: "Whole Wheat Atta 10kg", Category: "grocery", PriceCents: 48000, TaxRatePercent: 5},
		{ID: "P-MILK-1L", Name: "Toned Milk 1L", Category: "dairy", PriceCents: 6600, TaxRatePercent: 0},
		{ID: "P-PANEER-200G", Name: "Paneer 200g", Category: "dairy", PriceCents: 9000, TaxRatePercent: 5},
		{ID: "P-TEA-500G", Name: "Assam Tea 500g", Category: "beverage", PriceCents: 27500, TaxRatePercent: 5},
		{ID: "P-COFFEE-200G", Name: "Instant Coffee 200g", Category: "beverage", PriceCents: 54000, TaxRatePercent: 18},
		{ID: "P-BISCUIT-PK", Name: "Glucose Biscuits", Category: "snack", PriceCents: 3000, TaxRatePercent: 18},
		{ID: "P-CHIPS-90G", Name: "Potato Chips 90g", Category: "snack", PriceCents: 2000, TaxRatePercent: 12},
		{ID: "P-SOAP-4PK", Name: "Bath Soap 4 Pack", Category: "household", PriceCents: 18000, TaxRatePercent: 18},
		{ID: "P-DETERGENT-1KG", Name: "Detergent Powder 1kg", Category: "household", PriceCents: 12500, TaxRatePercent: 18},
		{ID: "P-SOFTDRINK-2L", Name: "Cola 2L", Category: "beverage", PriceCents: 9500, TaxRatePercent: 28},
		{ID: "P-GOLD-COIN-1G", Name: "Gold Coin 1g", Category: "jewellery", PriceCents: 720000, TaxRatePercent: 3},
	}
	for _, p := range products {
		p.Stock = 120
		p.ReorderLevel = 10
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.movements = append(s.movements, domain.StockMovement{
			ID:        xid.New("mov"),
			ProductID: p.ID,
			DeltaQty:  p.Stock,
			Reason:    domain.MovementReasonInitial,
			CreatedAt: now,
		})
	}

	for _, c := range []domain.Customer{
		{ID: "C-WALKIN-DEMO", Name: "Asha Verma", Phone: "9810000001"},
		{ID: "C-B2B-KA", Name: "Kaveri Traders", Phone: "9845000002", GSTIN: "29AAACK1234F1Z5"},
	} {
		c.CreatedAt = now
		s.customers[c.ID] = c
	}

	s.usersByUsername = seedUsers(now)
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	sortProducts(products)
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || product.PriceCents < 0 || product.Stock < 0 {
		return nil, store.ErrInvalid
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}

	s.products[product.ID] = product
	if product.Stock > 0 {
		s.appendMovement(product.ID, product.Stock, domain.MovementReasonInitial, "", product.CreatedAt)
	}
	return &product, nil
}

// UpdateProduct replaces the catalog fields of an existing product. Stock and
// CreatedAt are kept from the stored record.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Stock = current.Stock
	product.CreatedAt = current.CreatedAt
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) Restock(_ context.Context, productID string, qty int, reason string, at time.Time) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 1 {
		return nil, store.ErrInvalid
	}
	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Stock += qty
	product.UpdatedAt = at
	s.products[productID] = product
	if reason == "" {
		reason = domain.MovementReasonRestock
	}
	s.appendMovement(productID, qty, reason, "", at)
	return &product, nil
}

func (s *Store) ListLowStock(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, 16)
	for _, p := range s.products {
		if p.Active && p.Stock <= p.ReorderLevel {
			products = append(products, p)
		}
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Stock != b.Stock {
			return a.Stock - b.Stock
		}
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return customers, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.Name == "" {
		return nil, store.ErrInvalid
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrConflict
	}
	if customer.Phone != "" {
		for _, existing := range s.customers {
			if existing.Phone == customer.Phone {
				return nil, store.ErrConflict
			}
		}
	}
	s.customers[customer.ID] = customer
	return &customer, nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := make([]domain.Transaction, 0, 32)
	for _, tx := range s.transactionsByID {
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		txs = append(txs, *cloneTransaction(tx))
	}
	slices.SortFunc(txs, func(a, b domain.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

// CommitSale checks every decrement before applying any of them, so a
// failure leaves the store untouched.
func (s *Store) CommitSale(_ context.Context, tx domain.Transaction, credit *domain.CustomerCredit) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" || len(tx.Items) == 0 {
		return nil, store.ErrInvalid
	}
	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, store.ErrConflict
	}
	if tx.IdempotencyKey != "" {
		if _, exists := s.transactionsByIdem[tx.IdempotencyKey]; exists {
			return nil, store.ErrConflict
		}
	}
	if _, exists := s.invoices[tx.InvoiceNumber]; exists {
		return nil, store.ErrDuplicateInvoice
	}

	required := requiredQty(tx.Items)
	for _, id := range sortedKeys(required) {
		product, exists := s.products[id]
		if !exists {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		if product.Stock < required[id] {
			return nil, &store.StockConflictError{ProductID: id}
		}
	}
	if credit != nil {
		if _, exists := s.customers[credit.CustomerID]; !exists {
			return nil, fmt.Errorf("customer %s: %w", credit.CustomerID, store.ErrNotFound)
		}
	}

	for _, id := range sortedKeys(required) {
		product := s.products[id]
		product.Stock -= required[id]
		product.UpdatedAt = tx.CreatedAt
		s.products[id] = product
		s.appendMovement(id, -required[id], domain.MovementReasonSale, tx.ID, tx.CreatedAt)
	}
	if credit != nil {
		customer := s.customers[credit.CustomerID]
		customer.TotalOrders += credit.Orders
		customer.TotalValueCents += credit.ValueCents
		customer.LoyaltyPoints += credit.LoyaltyPoints
		s.customers[credit.CustomerID] = customer
	}

	tx.Duplicate = false
	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	s.invoices[tx.InvoiceNumber] = struct{}{}
	if tx.IdempotencyKey != "" {
		s.transactionsByIdem[tx.IdempotencyKey] = stored
	}
	return cloneTransaction(stored), nil
}

func (s *Store) CancelSale(_ context.Context, id string, reason string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxStatusCompleted {
		return nil, store.ErrNotCompleted
	}

	required := requiredQty(tx.Items)
	for _, productID := range sortedKeys(required) {
		product, exists := s.products[productID]
		if !exists {
			continue
		}
		product.Stock += required[productID]
		product.UpdatedAt = at
		s.products[productID] = product
		s.appendMovement(productID, required[productID], domain.MovementReasonCancel, tx.ID, at)
	}

	if tx.CustomerID != "" {
		if customer, exists := s.customers[tx.CustomerID]; exists {
			customer.TotalOrders = clampSub(customer.TotalOrders, 1)
			customer.TotalValueCents = clampSub(customer.TotalValueCents, tx.TotalCents)
			customer.LoyaltyPoints = clampSub(customer.LoyaltyPoints, tx.LoyaltyPointsEarned)
			s.customers[tx.CustomerID] = customer
		}
	}

	tx.Status = domain.TxStatusCancelled
	tx.CancelReason = reason
	cancelledAt := at
	tx.CancelledAt = &cancelledAt

	return cloneTransaction(tx), nil
}

func (s *Store) ListMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.StockMovement, 0, 64)
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		movements = append(movements, m)
		if limit > 0 && len(movements) >= limit {
			break
		}
	}
	return movements, nil
}

func (s *Store) GetDailyReport(_ context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		Date:      from.Format("2006-01-02"),
		ByPayment: make([]domain.DailyReportPayment, 0, 3),
	}
	byPayment := map[string]*domain.DailyReportPayment{}

	for _, tx := range s.transactionsByID {
		if tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		if tx.Status == domain.TxStatusCancelled {
			report.CancelledTransactions++
			continue
		}

		report.Transactions++
		report.GrossSalesCents += tx.SubtotalCents
		report.CGSTCents += tx.CGSTCents
		report.SGSTCents += tx.SGSTCents
		report.IGSTCents += tx.IGSTCents
		report.TaxCents += tx.TaxCents
		report.NetSalesCents += tx.TotalCents
		for _, item := range tx.Items {
			report.ItemsSold += int64(item.Qty)
		}

		payment := byPayment[tx.PaymentMethod]
		if payment == nil {
			payment = &domain.DailyReportPayment{PaymentMethod: tx.PaymentMethod}
			byPayment[tx.PaymentMethod] = payment
		}
		payment.Transactions++
		payment.TotalCents += tx.TotalCents
	}

	for _, entry := range byPayment {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.DailyReportPayment) int {
		return strings.Compare(a.PaymentMethod, b.PaymentMethod)
	})

	return report, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalid
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalid
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// appendMovement must be called with the write lock held.
func (s *Store) appendMovement(productID string, delta int, reason string, referenceID string, at time.Time) {
	s.movements = append(s.movements, domain.StockMovement{
		ID:          xid.New("mov"),
		ProductID:   productID,
		DeltaQty:    delta,
		Reason:      reason,
		ReferenceID: referenceID,
		CreatedAt:   at,
	})
}

func requiredQty(items []domain.TransactionLine) map[string]int {
	required := make(map[string]int, len(items))
	for _, item := range items {
		required[item.ProductID] += item.Qty
	}
	return required
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortProducts(products []domain.Product) {
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
}

func clampSub(value int64, delta int64) int64 {
	if value < delta {
		return 0
	}
	return value - delta
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return &dup
}
