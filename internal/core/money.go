// Package core provides money parsing and handling utilities.
//
// Amounts are whole currency units held in an int64. The ledger never carries
// fractional units, so every conversion from the wire goes through decimal
// arithmetic and rejects anything that is not an exact integer.
package core

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in whole currency units.
type Money int64

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrFractionalAmount = errors.New("amount must be a whole number of currency units")
	ErrNegativeAmount   = errors.New("amount must not be negative")
)

// Validate reports whether the amount is usable as a positive entry.
func (m Money) Validate() error {
	if m <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Decimal returns the amount as an exact decimal for ratio arithmetic.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m))
}

func (m Money) String() string {
	return strconv.FormatInt(int64(m), 10)
}

// ParseMoney converts a wire amount ("50000", "50000.00", "1 250 000") into
// Money. Negative and fractional values are rejected.
//
// Examples:
//
//	ParseMoney("50000")    -> 50000, nil
//	ParseMoney("50000.00") -> 50000, nil
//	ParseMoney("12.5")     -> 0, ErrFractionalAmount
//	ParseMoney("-3")       -> 0, ErrNegativeAmount
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return MoneyFromDecimal(d)
}

// MoneyFromDecimal narrows an exact decimal to Money.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, ErrFractionalAmount
	}
	if !d.BigInt().IsInt64() {
		return 0, ErrInvalidAmount
	}
	return Money(d.IntPart()), nil
}
