package domain

import (
	"strings"

	"golang.org/x/text/currency"
)

// defaultMinimumCents applies to currencies missing from minimumChargeCents.
const defaultMinimumCents = 99

// minimumChargeCents is the smallest non-zero amount the processor will charge,
// in the currency's minor unit.
var minimumChargeCents = map[string]int64{
	"usd": 99,
	"eur": 79,
	"gbp": 59,
	"cad": 99,
	"aud": 99,
	"chf": 99,
	"sek": 900,
	"nok": 900,
	"dkk": 700,
	"pln": 400,
	"brl": 500,
	"inr": 9900,
	"jpy": 100,
	"krw": 1000,
	"php": 5000,
	"mxn": 2000,
}

// NormalizeCurrency lower-cases and trims an ISO 4217 code.
func NormalizeCurrency(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// ValidCurrency reports whether code is a recognised ISO 4217 currency.
func ValidCurrency(code string) bool {
	_, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	return err == nil
}

// MinimumChargeCents returns the currency floor: a discounted price must be
// either zero or at least this amount.
func MinimumChargeCents(code string) int64 {
	if v, ok := minimumChargeCents[NormalizeCurrency(code)]; ok {
		return v
	}
	return defaultMinimumCents
}

// MinorUnits is the number of decimal digits of the currency's minor unit
// (2 for usd, 0 for jpy).
func MinorUnits(code string) int {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// Money is an amount in a currency's minor unit.
type Money struct {
	Cents    int64  `json:"cents"`
	Currency string `json:"currency"`
}
