// Package tax computes GST breakdowns for a cart.
//
// Amounts are integer minor units and rates are converted to basis points
// before any arithmetic. Each line's tax component is rounded half-up on its
// own and the rounded values are summed, so a breakdown always satisfies
// Total == Subtotal + sum(Components) exactly.
//
// Same-region tax rounds each half separately so CGST always equals SGST.
// Both halves round the same way, so a line's same-region tax can differ from
// its cross-region tax by one paisa in either direction: 5% of 100 paise is
// 3+3 against 5, and 5% of 12 paise is 0+0 against 1. It never differs by more.
package tax

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gstpos/backend/internal/domain"
)

var (
	ErrUnknownProduct = errors.New("unknown product")
	ErrInvalidMode    = errors.New("invalid tax mode")
	ErrInvalidLine    = errors.New("invalid cart line")
)

// Lookup resolves a product id against whatever catalog snapshot the caller holds.
type Lookup func(productID string) (domain.Product, bool)

// MapLookup adapts a product map to a Lookup.
func MapLookup(products map[string]domain.Product) Lookup {
	return func(id string) (domain.Product, bool) {
		p, ok := products[id]
		return p, ok
	}
}

// Compute prices lines against lookup and returns the breakdown for mode.
func Compute(lines []domain.CartLine, lookup Lookup, mode domain.TaxMode) (domain.TaxBreakdown, error) {
	priced, err := Price(lines, lookup)
	if err != nil {
		return domain.TaxBreakdown{}, err
	}
	return ComputeSnapshot(priced, mode)
}

// Price freezes the current price, rate and name of every line's product.
func Price(lines []domain.CartLine, lookup Lookup) ([]domain.TransactionLine, error) {
	priced := make([]domain.TransactionLine, 0, len(lines))
	for _, line := range lines {
		if line.Qty < 1 {
			return nil, fmt.Errorf("%w: qty %d for %s", ErrInvalidLine, line.Qty, line.ProductID)
		}
		product, ok := lookup(line.ProductID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, line.ProductID)
		}
		priced = append(priced, domain.TransactionLine{
			ProductID:      product.ID,
			Name:           product.Name,
			UnitPriceCents: product.PriceCents,
			TaxRatePercent: product.TaxRatePercent,
			Qty:            line.Qty,
			LineTotalCents: product.PriceCents * int64(line.Qty),
		})
	}
	return priced, nil
}

// ComputeSnapshot computes the breakdown of already-priced lines.
func ComputeSnapshot(lines []domain.TransactionLine, mode domain.TaxMode) (domain.TaxBreakdown, error) {
	if !mode.Valid() {
		return domain.TaxBreakdown{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	var subtotal, cgst, sgst, igst int64
	for _, line := range lines {
		lineSubtotal := line.UnitPriceCents * int64(line.Qty)
		bps := BasisPoints(line.TaxRatePercent)
		subtotal += lineSubtotal

		switch mode {
		case domain.TaxModeSameRegion:
			half := roundHalfUp(lineSubtotal*bps, 20000)
			cgst += half
			sgst += half
		case domain.TaxModeCrossRegion:
			igst += roundHalfUp(lineSubtotal*bps, 10000)
		}
	}

	b := domain.TaxBreakdown{Mode: mode, SubtotalCents: subtotal}
	if mode == domain.TaxModeSameRegion {
		b.Components = []domain.TaxComponent{
			{Name: domain.TaxComponentCGST, AmountCents: cgst},
			{Name: domain.TaxComponentSGST, AmountCents: sgst},
		}
	} else {
		b.Components = []domain.TaxComponent{
			{Name: domain.TaxComponentIGST, AmountCents: igst},
		}
	}
	for _, c := range b.Components {
		b.TaxCents += c.AmountCents
	}
	b.TotalCents = b.SubtotalCents + b.TaxCents
	return b, nil
}

// BasisPoints converts a percentage such as 18 or 2.5 into hundredths of a percent.
func BasisPoints(ratePercent float64) int64 {
	return int64(math.Round(ratePercent * 100))
}

// ValidRate reports whether ratePercent is a usable GST rate.
func ValidRate(ratePercent float64) bool {
	return !math.IsNaN(ratePercent) && ratePercent >= 0 && ratePercent <= 100
}

// ResolveMode picks the jurisdiction for a sale. An explicit mode wins; next
// the buyer's GSTIN state code is compared with the seller's; otherwise fallback.
func ResolveMode(explicit domain.TaxMode, buyerGSTIN string, sellerStateCode string, fallback domain.TaxMode) domain.TaxMode {
	if explicit.Valid() {
		return explicit
	}
	buyerState := StateCode(buyerGSTIN)
	if buyerState != "" && sellerStateCode != "" {
		if buyerState == sellerStateCode {
			return domain.TaxModeSameRegion
		}
		return domain.TaxModeCrossRegion
	}
	if fallback.Valid() {
		return fallback
	}
	return domain.TaxModeSameRegion
}

// StateCode returns the two-digit state prefix of a GSTIN, or "" if it has none.
func StateCode(gstin string) string {
	gstin = strings.TrimSpace(gstin)
	if len(gstin) < 2 {
		return ""
	}
	code := gstin[:2]
	if code[0] < '0' || code[0] > '9' || code[1] < '0' || code[1] > '9' {
		return ""
	}
	return code
}

func roundHalfUp(num int64, den int64) int64 {
	return (num + den/2) / den
}
