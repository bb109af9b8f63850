package verify

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/konto"
)

// ValidOIB runs the ISO 7064 mod 11,10 checksum over a Croatian fiscal id.
func ValidOIB(oib string) bool {
	s := strings.TrimSpace(oib)
	if len(s) != 11 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	remainder := 10
	for _, c := range s[:10] {
		remainder = (remainder + int(c-'0')) % 10
		if remainder == 0 {
			remainder = 10
		}
		remainder = (remainder * 2) % 11
	}
	check := 11 - remainder
	if check == 10 {
		check = 0
	}
	return check == int(s[10]-'0')
}

// knownInvalidOIBs are placeholder ids that pass or dodge the checksum but
// must never appear on a real document.
var knownInvalidOIBs = map[string]bool{
	"00000000000": true,
	"11111111111": true,
	"12345678901": true,
}

// KnownTestOIB reports whether oib is a placeholder id.
func KnownTestOIB(oib string) bool {
	return knownInvalidOIBs[strings.TrimSpace(oib)]
}

// ValidIBAN runs the mod-97 check over an IBAN (spaces ignored).
func ValidIBAN(iban string) bool {
	s := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(s) < 5 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var sb strings.Builder
	for _, ch := range rearranged {
		switch {
		case ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			sb.WriteString(big.NewInt(int64(ch - 'A' + 10)).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(sb.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

// croatianBankCodes maps the 7-digit bank code inside an HR IBAN to the bank.
var croatianBankCodes = map[string]string{
	"2340009": "PBZ",
	"2360000": "Zagrebačka banka",
	"2402006": "Erste",
	"2407000": "OTP",
	"2484008": "RBA",
	"2500009": "Addiko",
	"2390001": "HPB",
}

// CroatianBank returns the bank behind an HR IBAN, if known.
func CroatianBank(iban string) (string, bool) {
	s := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(s) < 11 || !strings.HasPrefix(s, "HR") {
		return "", false
	}
	b, ok := croatianBankCodes[s[4:11]]
	return b, ok
}

// VATFromNet recomputes the VAT amount from net and rate, rounded to 2.
func VATFromNet(net, rate decimal.Decimal) decimal.Decimal {
	return net.Mul(rate).Round(2)
}

// MonetaryTolerance is ±0.01 in home currency, ±0.02 after FX conversion.
func MonetaryTolerance(converted bool) decimal.Decimal {
	if converted {
		return decimal.NewFromFloat(0.02)
	}
	return decimal.NewFromFloat(0.01)
}

// WithinTolerance reports |a-b| <= tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}

// GrossIdentity checks net + vat = gross within tolerance.
func GrossIdentity(net, vat, gross decimal.Decimal, converted bool) bool {
	return WithinTolerance(net.Add(vat), gross, MonetaryTolerance(converted))
}

// ValidVATRate re-exports the statutory rate check for registration tables.
func ValidVATRate(rate decimal.Decimal) bool {
	return konto.ValidVATRate(rate)
}
