package amount

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"one ether", "1", "1000000000000000000"},
		{"fraction", "0.05", "50000000000000000"},
		{"leading dot", ".5", "500000000000000000"},
		{"smallest unit", "0.000000000000000001", "1"},
		{"trailing zeros past precision", "1.0000000000000000000", "1000000000000000000"},
		{"empty is zero", "", "0"},
		{"zero", "0.0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.String() != tt.expected {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"-1", "+1", "1.2.3", "abc", "1e5", ".", "0.0000000000000000001"} {
		if _, ok := Parse(in); ok {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestParseUnits_Cents(t *testing.T) {
	got, ok := ParseUnits("12.5", 2)
	if !ok || got.Int64() != 1250 {
		t.Fatalf("ParseUnits(12.5, 2) = %v, %v; want 1250", got, ok)
	}
	if _, ok := ParseUnits("12.505", 2); ok {
		t.Error("sub-cent precision should be rejected")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   *big.Int
		want string
	}{
		{nil, "0"},
		{big.NewInt(0), "0"},
		{big.NewInt(1), "0.000000000000000001"},
		{new(big.Int).Mul(big.NewInt(5), big.NewInt(1e16)), "0.05"},
		{new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)), "3"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAndIsZero(t *testing.T) {
	a, _ := Normalize("0.50")
	b, _ := Normalize(".5")
	if a != b || a != "0.5" {
		t.Errorf("Normalize mismatch: %q vs %q", a, b)
	}
	if !IsZero("0.000") || IsZero("0.01") || IsZero("junk") {
		t.Error("IsZero returned wrong result")
	}
}
