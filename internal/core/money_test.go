package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in  string
		out Money
		err error
	}{
		{"1", 1, nil},
		{"50000", 50000, nil},
		{"50000.00", 50000, nil},
		{" 1 250 000 ", 1250000, nil},
		{"0", 0, nil},
		{"12.5", 0, ErrFractionalAmount},
		{"12,5", 0, ErrFractionalAmount},
		{"-1", 0, ErrNegativeAmount},
		{"abc", 0, ErrInvalidAmount},
		{"", 0, ErrInvalidAmount},
		{"99999999999999999999999", 0, ErrInvalidAmount},
	}
	for _, tc := range cases {
		got, err := ParseMoney(tc.in)
		if err != tc.err {
			t.Fatalf("%q expected err %v, got %v", tc.in, tc.err, err)
		}
		if got != tc.out {
			t.Fatalf("%q expected %d, got %d", tc.in, tc.out, got)
		}
	}
}

func TestMoneyFromDecimal(t *testing.T) {
	m, err := MoneyFromDecimal(decimal.RequireFromString("1000000"))
	if err != nil || m != 1000000 {
		t.Fatalf("expected 1000000, got %d (err=%v)", m, err)
	}
	if _, err := MoneyFromDecimal(decimal.RequireFromString("0.1")); err != ErrFractionalAmount {
		t.Fatalf("expected fractional error, got %v", err)
	}
}

func TestMoneyValidate(t *testing.T) {
	if err := Money(1).Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := Money(0).Validate(); err == nil {
		t.Fatalf("expected error for zero")
	}
	if err := Money(-5).Validate(); err == nil {
		t.Fatalf("expected error for negative")
	}
}
