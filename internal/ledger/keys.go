package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits kept for every stored amount.
const AmountScale = 6

// MaxAmount is the largest amount or balance a store accepts. It is the
// largest value that fits in int64 micro-units.
var MaxAmount = decimal.New(math.MaxInt64, -AmountScale)

// MaxMicros is MaxAmount in micro-units.
const MaxMicros = math.MaxInt64

const keyPrefixLen = 11 // "ak_" + 8 hex chars

// GenerateAPIKey returns a new plaintext key together with the display prefix
// and hash that are persisted in its place.
func GenerateAPIKey() (key, prefix, hash string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", err
	}
	key = "ak_" + hex.EncodeToString(buf)
	return key, key[:keyPrefixLen], HashAPIKey(key), nil
}

// HashAPIKey returns the hex SHA-256 digest used to look keys up.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(h[:])
}

// Normalize rounds an amount to the stored precision.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountScale)
}

// ToMicros converts an amount to integer micro-units. Callers pass amounts
// already bounded by CheckAmount or CheckBalance.
func ToMicros(d decimal.Decimal) int64 {
	return d.Round(AmountScale).Shift(AmountScale).IntPart()
}

// FromMicros converts integer micro-units back to an amount.
func FromMicros(m int64) decimal.Decimal {
	return decimal.New(m, -AmountScale)
}

// CheckAmount rejects zero, negative and out-of-range amounts after rounding.
func CheckAmount(d decimal.Decimal) (decimal.Decimal, error) {
	d = Normalize(d)
	if !d.IsPositive() || d.GreaterThan(MaxAmount) {
		return d, ErrInvalidAmount
	}
	return d, nil
}

// CheckBalance is CheckAmount for opening balances, where zero is allowed.
func CheckBalance(d decimal.Decimal) (decimal.Decimal, error) {
	d = Normalize(d)
	if d.IsNegative() || d.GreaterThan(MaxAmount) {
		return d, ErrInvalidAmount
	}
	return d, nil
}
