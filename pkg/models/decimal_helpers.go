package models

import "github.com/shopspring/decimal"

// ToFloat64 converts decimal to float64, ignoring precision loss.
// Exchange prices fit comfortably in float64.
func ToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
