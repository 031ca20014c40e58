// Package events publishes sale lifecycle notifications for downstream
// consumers such as reporting and loyalty services.
package events

import (
	"context"
	"time"

	"gstpos/backend/internal/domain"
)

const (
	TypeSaleCompleted = "sale.completed"
	TypeSaleCancelled = "sale.cancelled"
)

type Event struct {
	Type          string                   `json:"type"`
	TransactionID string                   `json:"transaction_id"`
	InvoiceNumber string                   `json:"invoice_number"`
	CustomerID    string                   `json:"customer_id,omitempty"`
	PaymentMethod string                   `json:"payment_method"`
	TaxMode       domain.TaxMode           `json:"tax_mode"`
	SubtotalCents int64                    `json:"subtotal_cents"`
	TaxComponents []domain.TaxComponent    `json:"tax_components"`
	TaxCents      int64                    `json:"tax_cents"`
	TotalCents    int64                    `json:"total_cents"`
	Items         []domain.TransactionLine `json:"items"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// FromTransaction builds an event of the given type from a ledger record.
func FromTransaction(eventType string, tx domain.Transaction, at time.Time) Event {
	return Event{
		Type:          eventType,
		TransactionID: tx.ID,
		InvoiceNumber: tx.InvoiceNumber,
		CustomerID:    tx.CustomerID,
		PaymentMethod: tx.PaymentMethod,
		TaxMode:       tx.TaxMode,
		SubtotalCents: tx.SubtotalCents,
		TaxComponents: tx.Breakdown().Components,
		TaxCents:      tx.TaxCents,
		TotalCents:    tx.TotalCents,
		Items:         tx.Items,
		OccurredAt:    at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

func (NoopPublisher) Close() error { return nil }
