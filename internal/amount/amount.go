// Package amount provides fee parsing and formatting shared by the
// catalog, escrow and ledger packages.
//
// Fees are carried as decimal strings on the wire and as big.Int in the
// smallest unit of the rail internally. The default unit is wei
// (18 decimals); card rails use 2.
package amount

import (
	"math/big"
	"strings"
)

// Decimals is the precision of a listing fee (1 ETH = 10^18 wei).
const Decimals = 18

// Parse converts a decimal fee string (e.g. "0.05") to wei.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 18 fractional digits is rejected
func Parse(s string) (*big.Int, bool) {
	return ParseUnits(s, Decimals)
}

// ParseUnits is Parse with an explicit precision.
func ParseUnits(s string, decimals int) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, false
	}
	if len(frac) > decimals {
		// Trailing zeros past the precision are harmless.
		if strings.Trim(frac[decimals:], "0") != "" {
			return nil, false
		}
		frac = frac[:decimals]
	}
	for len(frac) < decimals {
		frac += "0"
	}

	combined := whole + frac
	for _, r := range combined {
		if r < '0' || r > '9' {
			return nil, false
		}
	}
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts wei to a decimal string with trailing zeros trimmed
// (e.g. "0.05", "1", "0").
func Format(v *big.Int) string {
	return FormatUnits(v, Decimals)
}

// FormatUnits is Format with an explicit precision.
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil || v.Sign() == 0 {
		return "0"
	}
	neg := v.Sign() < 0
	s := new(big.Int).Abs(v).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point]
	if frac := strings.TrimRight(s[point:], "0"); frac != "" {
		result += "." + frac
	}
	if neg {
		result = "-" + result
	}
	return result
}

// IsZero reports whether s parses to zero. Invalid input is not zero.
func IsZero(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() == 0
}

// Normalize parses and re-formats s so that equal fees compare equal
// as strings ("0.50" and ".5" both become "0.5").
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}
