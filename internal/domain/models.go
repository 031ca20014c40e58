package domain

import "time"

type Product struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Barcode        string    `json:"barcode,omitempty"`
	PriceCents     int64     `json:"price_cents"`
	Stock          int       `json:"stock"`
	TaxRatePercent float64   `json:"tax_rate_percent"`
	ReorderLevel   int       `json:"reorder_level"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Barcode        string  `json:"barcode,omitempty"`
	PriceCents     int64   `json:"price_cents"`
	TaxRatePercent float64 `json:"tax_rate_percent"`
	ReorderLevel   int     `json:"reorder_level"`
	InitialStock   int     `json:"initial_stock"`
}

// ProductUpdateRequest edits catalog fields. Stock is not editable here; use a
// restock so the movement log stays complete.
type ProductUpdateRequest struct {
	Name           *string  `json:"name,omitempty"`
	Category       *string  `json:"category,omitempty"`
	Barcode        *string  `json:"barcode,omitempty"`
	PriceCents     *int64   `json:"price_cents,omitempty"`
	TaxRatePercent *float64 `json:"tax_rate_percent,omitempty"`
	ReorderLevel   *int     `json:"reorder_level,omitempty"`
	Active         *bool    `json:"active,omitempty"`
}

type RestockRequest struct {
	Qty    int    `json:"qty"`
	Reason string `json:"reason"`
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type TaxMode string

const (
	TaxModeSameRegion  TaxMode = "same_region"
	TaxModeCrossRegion TaxMode = "cross_region"
)

func (m TaxMode) Valid() bool {
	return m == TaxModeSameRegion || m == TaxModeCrossRegion
}

const (
	TaxComponentCGST = "CGST"
	TaxComponentSGST = "SGST"
	TaxComponentIGST = "IGST"
)

type TaxComponent struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
}

type TaxBreakdown struct {
	Mode          TaxMode        `json:"mode"`
	SubtotalCents int64          `json:"subtotal_cents"`
	Components    []TaxComponent `json:"components"`
	TaxCents      int64          `json:"tax_cents"`
	TotalCents    int64          `json:"total_cents"`
}

// Component returns the amount of the named component, or zero when the
// breakdown was computed in the other jurisdiction mode.
func (b TaxBreakdown) Component(name string) int64 {
	for _, c := range b.Components {
		if c.Name == name {
			return c.AmountCents
		}
	}
	return 0
}

type SaleRequest struct {
	IdempotencyKey      string     `json:"idempotency_key,omitempty"`
	TerminalID          string     `json:"terminal_id"`
	PaymentMethod       string     `json:"payment_method"`
	AmountReceivedCents int64      `json:"amount_received_cents,omitempty"`
	CustomerID          string     `json:"customer_id,omitempty"`
	TaxMode             TaxMode    `json:"tax_mode,omitempty"`
	CartLines           []CartLine `json:"cart_lines"`
	// CashierUsername is filled from the authenticated actor, never from the body.
	CashierUsername string `json:"-"`
}

type QuoteRequest struct {
	CustomerID string     `json:"customer_id,omitempty"`
	TaxMode    TaxMode    `json:"tax_mode,omitempty"`
	CartLines  []CartLine `json:"cart_lines"`
}

type CancelRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type TransactionLine struct {
	ProductID      string  `json:"product_id"`
	Name           string  `json:"name"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	TaxRatePercent float64 `json:"tax_rate_percent"`
	Qty            int     `json:"qty"`
	LineTotalCents int64   `json:"line_total_cents"`
}

type Transaction struct {
	ID                  string            `json:"id"`
	InvoiceNumber       string            `json:"invoice_number"`
	IdempotencyKey      string            `json:"idempotency_key,omitempty"`
	TerminalID          string            `json:"terminal_id,omitempty"`
	CashierUsername     string            `json:"cashier_username,omitempty"`
	CustomerID          string            `json:"customer_id,omitempty"`
	PaymentMethod       string            `json:"payment_method"`
	TaxMode             TaxMode           `json:"tax_mode"`
	SubtotalCents       int64             `json:"subtotal_cents"`
	CGSTCents           int64             `json:"cgst_cents"`
	SGSTCents           int64             `json:"sgst_cents"`
	IGSTCents           int64             `json:"igst_cents"`
	TaxCents            int64             `json:"tax_cents"`
	TotalCents          int64             `json:"total_cents"`
	AmountReceivedCents int64             `json:"amount_received_cents"`
	ChangeCents         int64             `json:"change_cents"`
	LoyaltyPointsEarned int64             `json:"loyalty_points_earned"`
	Status              string            `json:"status"`
	CancelReason        string            `json:"cancel_reason,omitempty"`
	CancelledAt         *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	Items               []TransactionLine `json:"items"`
	// Duplicate is set on replies to a retried idempotency key; never persisted.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Breakdown rebuilds the tax breakdown recorded on the transaction.
func (t Transaction) Breakdown() TaxBreakdown {
	b := TaxBreakdown{
		Mode:          t.TaxMode,
		SubtotalCents: t.SubtotalCents,
		TaxCents:      t.TaxCents,
		TotalCents:    t.TotalCents,
	}
	if t.TaxMode == TaxModeCrossRegion {
		b.Components = []TaxComponent{{Name: TaxComponentIGST, AmountCents: t.IGSTCents}}
	} else {
		b.Components = []TaxComponent{
			{Name: TaxComponentCGST, AmountCents: t.CGSTCents},
			{Name: TaxComponentSGST, AmountCents: t.SGSTCents},
		}
	}
	return b
}

type Customer struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone,omitempty"`
	Email           string    `json:"email,omitempty"`
	GSTIN           string    `json:"gstin,omitempty"`
	LoyaltyPoints   int64     `json:"loyalty_points"`
	TotalOrders     int64     `json:"total_orders"`
	TotalValueCents int64     `json:"total_value_cents"`
	CreatedAt       time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
	GSTIN string `json:"gstin"`
}

// CustomerCredit is the counter delta applied to a customer by a commit, or
// reversed by a cancellation.
type CustomerCredit struct {
	CustomerID    string
	Orders        int64
	ValueCents    int64
	LoyaltyPoints int64
}

type StockMovement struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	DeltaQty    int       `json:"delta_qty"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	MovementReasonSale    = "sale"
	MovementReasonCancel  = "cancel"
	MovementReasonRestock = "restock"
	MovementReasonInitial = "initial"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type DailyReportPayment struct {
	PaymentMethod string `json:"payment_method"`
	Transactions  int64  `json:"transactions"`
	TotalCents    int64  `json:"total_cents"`
}

type DailyReport struct {
	Date                  string               `json:"date"`
	Transactions          int64                `json:"transactions"`
	CancelledTransactions int64                `json:"cancelled_transactions"`
	ItemsSold             int64                `json:"items_sold"`
	GrossSalesCents       int64                `json:"gross_sales_cents"`
	CGSTCents             int64                `json:"cgst_cents"`
	SGSTCents             int64                `json:"sgst_cents"`
	IGSTCents             int64                `json:"igst_cents"`
	TaxCents              int64                `json:"tax_cents"`
	NetSalesCents         int64                `json:"net_sales_cents"`
	ByPayment             []DailyReportPayment `json:"by_payment"`
}

const (
	PaymentCash = "cash"
	PaymentCard = "card"
	PaymentUPI  = "upi"
)

const (
	TxStatusCompleted = "completed"
	TxStatusCancelled = "cancelled"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
