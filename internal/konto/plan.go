// Package konto carries the Croatian chart of accounts (RRiF layout) and the
// VAT rate table used when constructing bookings. The engine only suggests
// accounts; the accountant approves every posting.
package konto

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Accounts used by the booking construction rules.
const (
	AcctSuppliersDomestic = "4000"
	AcctSuppliersEU       = "4010"
	AcctSuppliersNonEU    = "4020"
	AcctInputVAT          = "1230"
	AcctVATPayable        = "4300"
	AcctCashRegister      = "1400"
	AcctBank              = "1500"
	AcctMaterialCosts     = "7000"
	AcctServiceCosts      = "7200"
	AcctDepreciation      = "7300"
	AcctStaffCosts        = "7500"
	AcctOtherCosts        = "7800"
	AcctTravelPerDiem     = "5410"
	AcctTravelMileage     = "5420"
)

// Plan maps account code to name (RRiF subset, classes 0-9).
var Plan = map[string]string{
	"0220": "Postrojenja i oprema",
	"0240": "Transportna sredstva",
	"1000": "Sirovine i materijal na skladištu",
	"1200": "Potraživanja od kupaca u zemlji",
	"1230": "Potraživanja od države — pretporez",
	"1400": "Gotovina u blagajni",
	"1500": "Žiro račun — poslovna banka",
	"2400": "Zadržana dobit",
	"4000": "Obveze prema dobavljačima u zemlji",
	"4010": "Obveze prema dobavljačima u EU",
	"4020": "Obveze prema dobavljačima izvan EU",
	"4200": "Obveze za plaće — neto",
	"4300": "Obveze za porez na dodanu vrijednost — PDV",
	"5410": "Troškovi službenih putovanja — dnevnice",
	"5420": "Troškovi službenih putovanja — km naknada",
	"6010": "Prihodi od prodaje robe",
	"6020": "Prihodi od pružanja usluga u zemlji",
	"7000": "Materijalni troškovi",
	"7200": "Troškovi usluga",
	"7300": "Amortizacija",
	"7500": "Troškovi osoblja",
	"7800": "Ostali rashodi",
}

// Name returns the account name, or "Nepoznat konto".
func Name(code string) string {
	if n, ok := Plan[code]; ok {
		return n
	}
	return "Nepoznat konto"
}

// Valid reports whether the account exists in the plan.
func Valid(code string) bool {
	_, ok := Plan[code]
	return ok
}

// SuggestByKeyword searches account names, used as the rule-table cross-check
// against AI account suggestions.
func SuggestByKeyword(keyword string) []string {
	kw := strings.ToLower(keyword)
	var out []string
	for code, name := range Plan {
		if strings.Contains(strings.ToLower(name), kw) {
			out = append(out, code)
		}
	}
	return out
}

// SuggestByDescription applies the basic expense routing rules.
func SuggestByDescription(desc string) (code string, confidence float64) {
	d := strings.ToLower(desc)
	switch {
	case strings.Contains(d, "materijal") || strings.Contains(d, "sirovine"):
		return AcctMaterialCosts, 0.7
	case strings.Contains(d, "usluga") || strings.Contains(d, "servis"):
		return AcctServiceCosts, 0.7
	case strings.Contains(d, "amortizacija"):
		return AcctDepreciation, 0.9
	}
	return AcctOtherCosts, 0.3
}

// StandardVATRate is the Croatian standard rate applied to reverse-charge
// self-assessment.
var StandardVATRate = decimal.NewFromInt(25).Div(decimal.NewFromInt(100))

// ValidVATRates are the rates in force (0%, 5%, 13%, 25%).
var ValidVATRates = []decimal.Decimal{
	decimal.Zero,
	decimal.NewFromFloat(0.05),
	decimal.NewFromFloat(0.13),
	decimal.NewFromFloat(0.25),
}

// ValidVATRate reports whether rate is one of the statutory rates.
func ValidVATRate(rate decimal.Decimal) bool {
	for _, r := range ValidVATRates {
		if rate.Equal(r) {
			return true
		}
	}
	return false
}
