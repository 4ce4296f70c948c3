package catalog

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	fallbackPrice = decimal.NewFromInt(100)

	prices = map[string]decimal.Decimal{
		"Arroz":        decimal.NewFromInt(120),
		"Arroz Oro":    decimal.NewFromInt(120),
		"Café":         decimal.NewFromInt(250),
		"Café Premium": decimal.NewFromInt(300),
	}
)

// UnitPrice returns the price per tonne for product.
func UnitPrice(product string) decimal.Decimal {
	if p, ok := prices[product]; ok {
		return p
	}
	return fallbackPrice
}

// Amount returns round(quantity*unit price, 2).
func Amount(product string, quantity decimal.Decimal) decimal.Decimal {
	return quantity.Mul(UnitPrice(product)).Round(2)
}

// ReferenceToken derives the display reference printed on an invoice.
func ReferenceToken(harvestID string, amount decimal.Decimal) string {
	prefix := harvestID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("QR-%s-%s", prefix, amount.String())
}
