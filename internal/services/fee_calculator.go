package services

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
)

// DefaultPlatformFeeRate is the marketplace commission applied when none is configured.
var DefaultPlatformFeeRate = decimal.RequireFromString("0.10")

// FeeCalculator prices order line items. The platform fee is added on top of the buyer price and
// deducted from seller proceeds.
type FeeCalculator struct {
	rate decimal.Decimal
}

// NewFeeCalculator returns a calculator for the given rate. A zero rate charges no fee.
func NewFeeCalculator(rate decimal.Decimal) (*FeeCalculator, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, errors.New("fee calculator: rate must be in [0, 1)")
	}
	return &FeeCalculator{rate: rate}, nil
}

// Rate returns the configured platform fee rate.
func (c *FeeCalculator) Rate() decimal.Decimal { return c.rate }

// Compute is pure: no I/O and no error cases. Empty input yields zero amounts.
func (c *FeeCalculator) Compute(currency string, items []domain.OrderLineItem) FeeBreakdown {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.UnitPrice)
	}
	fee := domain.RoundHalfUp(subtotal.Mul(c.rate), currency)
	return FeeBreakdown{
		Currency:        currency,
		Subtotal:        subtotal,
		PlatformFeeRate: c.rate,
		PlatformFee:     fee,
		SellerAmount:    subtotal.Sub(fee),
		TotalAmount:     subtotal.Add(fee),
	}
}
