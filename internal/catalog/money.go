package catalog

import "github.com/shopspring/decimal"

// currencyExponents lists minor-unit exponents that differ from the default 2.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"TND": 3,
}

// CurrencyExponent returns the minor-unit exponent for an ISO currency code.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[currency]; ok {
		return exp
	}
	return 2
}

// RoundForCurrency rounds a price at the currency's minor-unit precision.
func RoundForCurrency(price decimal.Decimal, currency string) decimal.Decimal {
	return price.Round(CurrencyExponent(currency))
}

// SamePrice reports whether two prices are equal once rounded at the
// currency's precision. Prices in different currencies are never equal.
func SamePrice(a decimal.Decimal, aCurrency string, b decimal.Decimal, bCurrency string) bool {
	if aCurrency != bCurrency {
		return false
	}
	return RoundForCurrency(a, aCurrency).Equal(RoundForCurrency(b, bCurrency))
}

// ChangePct computes the percent change from old to new. A zero old price
// yields zero to avoid a meaningless division.
func ChangePct(oldPrice, newPrice decimal.Decimal) float64 {
	if oldPrice.IsZero() {
		return 0
	}
	pct, _ := newPrice.Sub(oldPrice).Div(oldPrice).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
