// Package money defines the fixed-point amount type and currency code rules
// shared by every balance-touching component.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every stored amount is rounded to.
const Scale = 4

// Amount is an exact decimal quantity of some currency. Floats never touch
// balances.
type Amount = decimal.Decimal

// Zero is the zero amount.
var Zero = decimal.Zero

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidCurrency = errors.New("money: invalid currency code")
)

// Parse converts a decimal string into an Amount, rounded to Scale.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, ErrInvalidAmount
	}
	return d.Round(Scale), nil
}

// ParsePositive is Parse restricted to amounts strictly greater than zero.
func ParsePositive(s string) (Amount, error) {
	d, err := Parse(s)
	if err != nil {
		return Zero, err
	}
	if !d.IsPositive() {
		return Zero, ErrInvalidAmount
	}
	return d, nil
}

// MustParse is Parse for trusted literals; it panics on a malformed string.
func MustParse(s string) Amount {
	d, err := Parse(s)
	if err != nil {
		panic("money: bad literal " + s)
	}
	return d
}

// Format renders an amount with exactly Scale decimal places.
func Format(a Amount) string {
	return a.StringFixed(Scale)
}

// NormalizeCurrency upper-cases and validates a currency code. Codes are 2-6
// ASCII letters, which covers ISO 4217 plus crypto tickers like USDT.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 2 || len(code) > 6 {
		return "", ErrInvalidCurrency
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return code, nil
}
