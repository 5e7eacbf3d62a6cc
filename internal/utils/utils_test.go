package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test_ValidateSymbol tests symbol format and quote asset validation
func Test_ValidateSymbol(t *testing.T) {
	tests := []struct {
		name        string
		symbol      string
		expectError bool
		description string
	}{
		{
			name:        "Valid USDT pair",
			symbol:      "BTC-USDT",
			expectError: false,
			description: "Should accept standard BASE-QUOTE pair",
		},
		{
			name:        "Valid lowercase quote",
			symbol:      "ETH-usdt",
			expectError: false,
			description: "Quote asset validation should be case-insensitive",
		},
		{
			name:        "Empty symbol",
			symbol:      "",
			expectError: true,
			description: "Should reject empty symbol",
		},
		{
			name:        "Missing separator",
			symbol:      "BTCUSDT",
			expectError: true,
			description: "Should reject symbol without BASE-QUOTE separator",
		},
		{
			name:        "Empty base",
			symbol:      "-USDT",
			expectError: true,
			description: "Should reject empty base asset",
		},
		{
			name:        "Empty quote",
			symbol:      "BTC-",
			expectError: true,
			description: "Should reject empty quote asset",
		},
		{
			name:        "Unsupported quote",
			symbol:      "BTC-DOGE",
			expectError: true,
			description: "Should reject unsupported quote asset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbol(tt.symbol)
			if tt.expectError {
				assert.Error(t, err, tt.description)
			} else {
				assert.NoError(t, err, tt.description)
			}
		})
	}
}

// Test_ValidateSymbols tests slice validation and quantity limits
func Test_ValidateSymbols(t *testing.T) {
	tests := []struct {
		name        string
		symbols     []string
		maxAllowed  int
		expectError error
		description string
	}{
		{
			name:        "Valid set",
			symbols:     []string{"BTC-USDT", "ETH-USDT"},
			maxAllowed:  5,
			expectError: nil,
			description: "Should accept valid symbol set within limit",
		},
		{
			name:        "Empty set",
			symbols:     []string{},
			maxAllowed:  5,
			expectError: ErrNoSymbols,
			description: "Should reject empty symbol set",
		},
		{
			name:        "Over limit",
			symbols:     []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"},
			maxAllowed:  2,
			expectError: ErrTooManySymbols,
			description: "Should reject symbol set over the limit",
		},
		{
			name:        "Zero limit means unlimited",
			symbols:     []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"},
			maxAllowed:  0,
			expectError: nil,
			description: "A non-positive limit should disable the quantity check",
		},
		{
			name:        "Negative limit means unlimited",
			symbols:     []string{"BTC-USDT"},
			maxAllowed:  -1,
			expectError: nil,
			description: "A non-positive limit should disable the quantity check",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSymbols(tt.symbols, tt.maxAllowed)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError, tt.description)
			} else {
				assert.NoError(t, err, tt.description)
			}
		})
	}
}

// Test_ValidateSymbols_FormatCheckedWithoutLimit tests per-symbol validation
// when no quantity limit applies
func Test_ValidateSymbols_FormatCheckedWithoutLimit(t *testing.T) {
	err := ValidateSymbols([]string{"BTC-USDT", "BTCUSDT"}, 0)
	assert.Error(t, err, "Malformed symbols must still be rejected with the quantity check disabled")
}
