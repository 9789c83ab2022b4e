package tokens

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Amounts travel as base-10 integer strings in the token's smallest unit.
// Conversions below are pure string manipulation; no float or big-number math.

var ErrMalformedAmount = errors.New("malformed amount")

// FormatTokenAmount renders a smallest-unit amount as a human decimal string,
// e.g. "1500000" with 6 decimals becomes "1.5".
func FormatTokenAmount(amount string, token TokenConfig) (string, error) {
	return FormatUnits(amount, token.Decimals)
}

// ParseTokenAmount converts a human decimal string to smallest units. Fraction
// digits beyond the token's precision are truncated.
func ParseTokenAmount(human string, token TokenConfig) (string, error) {
	return ParseUnits(human, token.Decimals)
}

func FormatUnits(amount string, decimals int) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("%w: negative decimals", ErrMalformedAmount)
	}
	if !isDigits(amount) {
		return "", fmt.Errorf("%w: %q", ErrMalformedAmount, amount)
	}

	padded := amount
	if len(padded) < decimals+1 {
		padded = strings.Repeat("0", decimals+1-len(padded)) + padded
	}
	split := len(padded) - decimals
	whole := trimLeadingZeros(padded[:split])
	frac := strings.TrimRight(padded[split:], "0")
	if frac == "" {
		return whole, nil
	}
	return whole + "." + frac, nil
}

func ParseUnits(human string, decimals int) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("%w: negative decimals", ErrMalformedAmount)
	}
	human = strings.TrimSpace(human)
	whole, frac, hasPoint := strings.Cut(human, ".")
	if whole == "" && frac == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedAmount, human)
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (hasPoint && frac != "" && !isDigits(frac)) {
		return "", fmt.Errorf("%w: %q", ErrMalformedAmount, human)
	}

	if len(frac) > decimals {
		frac = frac[:decimals]
	} else {
		frac += strings.Repeat("0", decimals-len(frac))
	}
	return trimLeadingZeros(whole + frac), nil
}

// IsValidTokenAmount accepts non-negative base-10 integers that fit in uint256.
func IsValidTokenAmount(amount string, token TokenConfig) bool {
	if token.Decimals < 0 || token.Decimals > MaxDecimals {
		return false
	}
	_, err := ToUint256(amount)
	return err == nil
}

// ToUint256 parses a smallest-unit amount for ABI packing.
func ToUint256(amount string) (*uint256.Int, error) {
	if !isDigits(amount) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedAmount, amount)
	}
	v, err := uint256.FromDecimal(trimLeadingZeros(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAmount, err)
	}
	return v, nil
}

// IsZeroAmount reports whether a well-formed amount is zero.
func IsZeroAmount(amount string) bool {
	return isDigits(amount) && trimLeadingZeros(amount) == "0"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimLeadingZeros(s string) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
