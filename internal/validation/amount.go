// Package validation содержит функции валидации входных данных.
package validation

import "github.com/shopspring/decimal"

// IsValidPaymentAmount проверяет сумму платежа: строго положительная,
// не более двух знаков после запятой.
func IsValidPaymentAmount(amount decimal.Decimal) bool {
	if !amount.IsPositive() {
		return false
	}
	return amount.Equal(amount.Round(2))
}

// ParsePaymentAmount разбирает и проверяет сумму платежа из строки.
func ParsePaymentAmount(s string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if !IsValidPaymentAmount(amount) {
		return decimal.Zero, false
	}
	return amount, true
}
