package domain

import (
	"fmt"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FormatPrice renders a millis amount as a localized display price,
// e.g. 9990 EUR -> "€9.99". Unknown currency codes fall back to a
// plain "<amount> <code>" rendering.
func FormatPrice(priceMillis int64, currencyCode string, lang language.Tag) string {
	unit, err := currency.ParseISO(currencyCode)
	if err != nil {
		return fmt.Sprintf("%.2f %s", float64(priceMillis)/1000.0, currencyCode)
	}

	amount := unit.Amount(float64(priceMillis) / 1000.0)
	p := message.NewPrinter(lang)
	return p.Sprintf("%v", currency.Symbol(amount))
}
