package models

import "github.com/shopspring/decimal"

// RoundToStep rounds value to the nearest multiple of step.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	v, _ := decimal.NewFromFloat(value).Div(s).Round(0).Mul(s).Float64()
	return v
}

// RoundDownToStep rounds value towards zero to a multiple of step.
func RoundDownToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	v, _ := decimal.NewFromFloat(value).Div(s).Truncate(0).Mul(s).Float64()
	return v
}

// RoundUpToStep rounds value up to a multiple of step.
func RoundUpToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	v, _ := decimal.NewFromFloat(value).Div(s).Ceil().Mul(s).Float64()
	return v
}

// Normalize returns value as a canonical decimal string, used to compare
// prices and quantities that went through float arithmetic.
func Normalize(value float64) string {
	return decimal.NewFromFloat(value).Round(12).String()
}
