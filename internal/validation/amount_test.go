package validation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsValidPaymentAmount(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"20", true},
		{"20.5", true},
		{"20.55", true},
		{"0.01", true},
		{"0", false},
		{"-1", false},
		{"20.555", false},
	}

	for _, tt := range tests {
		got := IsValidPaymentAmount(decimal.RequireFromString(tt.in))
		if got != tt.want {
			t.Fatalf("IsValidPaymentAmount(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParsePaymentAmount(t *testing.T) {
	amount, ok := ParsePaymentAmount("49.90")
	if !ok {
		t.Fatalf("valid amount rejected")
	}
	if !amount.Equal(decimal.RequireFromString("49.90")) {
		t.Fatalf("amount = %s, want 49.90", amount)
	}

	for _, bad := range []string{"", "abc", "-1", "1.999"} {
		if _, ok := ParsePaymentAmount(bad); ok {
			t.Fatalf("invalid amount %q accepted", bad)
		}
	}
}
