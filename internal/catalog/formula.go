// Package catalog holds the static per-product input formulas and prices.
package catalog

import "github.com/shopspring/decimal"

// FormulaLine is one input consumed per tonne of harvested product.
type FormulaLine struct {
	Input  string
	Factor decimal.Decimal
}

// Requirement is a formula line resolved against a harvested quantity.
type Requirement struct {
	Input    string
	Quantity decimal.Decimal
}

var (
	riceFormula = []FormulaLine{
		{Input: "Semilla Arroz L-23", Factor: decimal.NewFromInt(5)},
		{Input: "Fertilizante N-PK", Factor: decimal.NewFromInt(2)},
	}
	coffeeFormula = []FormulaLine{
		{Input: "Semilla Café Premium", Factor: decimal.NewFromInt(3)},
		{Input: "Fertilizante Orgánico", Factor: decimal.NewFromInt(2)},
	}
	fallbackFormula = []FormulaLine{
		{Input: "Fertilizante N-PK", Factor: decimal.NewFromInt(2)},
	}

	formulas = map[string][]FormulaLine{
		"Arroz":        riceFormula,
		"Arroz Oro":    riceFormula,
		"Café":         coffeeFormula,
		"Café Premium": coffeeFormula,
	}
)

// Formula returns the input formula for product, or the fallback formula when
// the product is not recognised.
func Formula(product string) []FormulaLine {
	if f, ok := formulas[product]; ok {
		return f
	}
	return fallbackFormula
}

// Known reports whether product has its own formula and price.
func Known(product string) bool {
	_, ok := formulas[product]
	return ok
}

// Requirements computes round(quantity*factor, 2) for every formula line.
func Requirements(product string, quantity decimal.Decimal) []Requirement {
	formula := Formula(product)
	out := make([]Requirement, 0, len(formula))
	for _, line := range formula {
		out = append(out, Requirement{
			Input:    line.Input,
			Quantity: quantity.Mul(line.Factor).Round(2),
		})
	}
	return out
}

// InputNames lists the inputs a product consumes, in formula order.
func InputNames(product string) []string {
	formula := Formula(product)
	names := make([]string, 0, len(formula))
	for _, line := range formula {
		names = append(names, line.Input)
	}
	return names
}
