package domain

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const defaultMinorUnits = 2

// FeeBreakdown captures the monetary results of pricing a set of order line items.
type FeeBreakdown struct {
	Currency        string
	Subtotal        decimal.Decimal
	PlatformFeeRate decimal.Decimal
	PlatformFee     decimal.Decimal
	SellerAmount    decimal.Decimal
	TotalAmount     decimal.Decimal
}

// MinorUnits returns the number of fractional digits for the ISO 4217 currency code.
// Unknown codes fall back to two digits.
func MinorUnits(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return defaultMinorUnits
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// RoundHalfUp rounds the amount to the currency minor unit, ties away from zero.
func RoundHalfUp(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(MinorUnits(code))
}

// ToMinorUnits converts a major-unit amount into the integer minor units gateways expect.
func ToMinorUnits(amount decimal.Decimal, code string) int64 {
	return amount.Shift(MinorUnits(code)).Round(0).IntPart()
}

// FromMinorUnits converts gateway minor units back into a major-unit decimal.
func FromMinorUnits(value int64, code string) decimal.Decimal {
	return decimal.New(value, -MinorUnits(code))
}
