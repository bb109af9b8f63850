package verify

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/domain"
)

// aiEcho is the AI-side check: the primary extractor's value, accepted when
// present with non-floor confidence. The AI never decides monetary truth on
// its own; the algo and rule checks carry that.
func aiEcho(field string, v domain.FieldValue, _ Ctx) domain.Check {
	ok := v.Value != "" && v.Confidence >= 0.5
	return domain.Check{
		Source: domain.CheckAI,
		Value:  v.Value,
		OK:     ok,
		Detail: "primary extraction, confidence " + formatConfidence(v.Confidence),
	}
}

// shadowAgreement compares the primary value against the best lower-tier
// shadow extraction of the same field.
func shadowAgreement(field string, v domain.FieldValue, ctx Ctx) domain.Check {
	if ctx.Doc == nil || len(ctx.Doc.Shadow[field]) == 0 {
		// No independent source available; counts as disagreement.
		return domain.Check{Source: domain.CheckAlgo, OK: false, Detail: "no shadow extraction"}
	}
	for _, s := range ctx.Doc.Shadow[field] {
		if normalizeString(s.Value) == normalizeString(v.Value) {
			return domain.Check{Source: domain.CheckAlgo, Value: s.Value, OK: true,
				Detail: "shadow tier " + s.Provenance.Tier.String() + " agrees"}
		}
	}
	return domain.Check{Source: domain.CheckAlgo, Value: ctx.Doc.Shadow[field][0].Value,
		OK: false, Detail: "shadow extraction differs"}
}

// identifierChecksum is the algorithmic check for OIB / IBAN / VAT ids.
func identifierChecksum(field string, v domain.FieldValue, _ Ctx) domain.Check {
	val := strings.TrimSpace(v.Value)
	switch {
	case strings.Contains(field, "oib"):
		ok := ValidOIB(val)
		return domain.Check{Source: domain.CheckAlgo, Value: val, OK: ok, Detail: "ISO 7064 mod 11,10"}
	case strings.Contains(field, "iban"):
		ok := ValidIBAN(val)
		return domain.Check{Source: domain.CheckAlgo, Value: val, OK: ok, Detail: "IBAN mod 97"}
	case field == "vat_id":
		ok := len(val) >= 4 && val[0] >= 'A' && val[0] <= 'Z' && val[1] >= 'A' && val[1] <= 'Z'
		if ok && strings.HasPrefix(val, "HR") {
			ok = ValidOIB(val[2:])
		}
		return domain.Check{Source: domain.CheckAlgo, Value: val, OK: ok, Detail: "VAT id syntax"}
	}
	return domain.Check{Source: domain.CheckAlgo, OK: false, Detail: "no checksum for field"}
}

// identifierRule rejects placeholder ids and unknown-looking values.
func identifierRule(field string, v domain.FieldValue, _ Ctx) domain.Check {
	val := strings.TrimSpace(v.Value)
	if val == "" {
		return domain.Check{Source: domain.CheckRule, OK: false, Detail: "empty identifier"}
	}
	if strings.Contains(field, "oib") {
		if KnownTestOIB(val) {
			return domain.Check{Source: domain.CheckRule, Value: val, OK: false,
				Detail: "poznati test OIB"}
		}
		if !ValidOIB(val) {
			return domain.Check{Source: domain.CheckRule, Value: val, OK: false,
				Detail: "kontrolna znamenka ne odgovara"}
		}
		return domain.Check{Source: domain.CheckRule, Value: val, OK: true}
	}
	if strings.Contains(field, "iban") {
		if !ValidIBAN(val) {
			return domain.Check{Source: domain.CheckRule, Value: val, OK: false, Detail: "mod 97 fail"}
		}
		if bank, known := CroatianBank(val); known {
			return domain.Check{Source: domain.CheckRule, Value: val, OK: true, Detail: "banka " + bank}
		}
		return domain.Check{Source: domain.CheckRule, Value: val, OK: true, Detail: "banka nepoznata"}
	}
	return domain.Check{Source: domain.CheckRule, Value: val, OK: val != ""}
}

// monetaryRecompute is the algorithmic check: recompute the amount from the
// other extracted amounts instead of trusting the declared one.
func monetaryRecompute(field string, v domain.FieldValue, ctx Ctx) domain.Check {
	declared, err := decimal.NewFromString(v.Value)
	if err != nil {
		return domain.Check{Source: domain.CheckAlgo, OK: false, Detail: "not a decimal: " + v.Value}
	}
	tol := MonetaryTolerance(ctx.Converted)

	var expected decimal.Decimal
	var how string
	switch {
	case strings.HasSuffix(field, ".vat"):
		base, rate, ok := vatLineSiblings(ctx, strings.TrimSuffix(field, ".vat"), ".base", ".rate")
		if !ok {
			return shadowAgreement(field, v, ctx)
		}
		expected = VATFromNet(base, rate)
		how = "base × rate"
	case strings.HasSuffix(field, ".base"):
		vat, rate, ok := vatLineSiblings(ctx, strings.TrimSuffix(field, ".base"), ".vat", ".rate")
		if !ok || rate.IsZero() {
			return shadowAgreement(field, v, ctx)
		}
		expected = vat.Div(rate).Round(2)
		how = "vat / rate"
	case strings.HasSuffix(field, ".rate"):
		vat, base, ok := vatLineSiblings(ctx, strings.TrimSuffix(field, ".rate"), ".vat", ".base")
		if !ok || base.IsZero() {
			return shadowAgreement(field, v, ctx)
		}
		expected = vat.Div(base).Round(2)
		how = "vat / base"
	case field == "vat":
		expected = VATFromNet(ctx.Net, ctx.Rate)
		how = "net × rate"
	case field == "gross":
		if f, ok := ctx.Doc.Fields["vat"]; ok {
			vat, _ := decimal.NewFromString(f.Value)
			expected = ctx.Net.Add(vat)
			how = "net + vat"
		} else {
			expected = ctx.Net.Add(VATFromNet(ctx.Net, ctx.Rate))
			how = "net + net × rate"
		}
	case field == "net":
		if ctx.Gross.IsZero() {
			// Nothing to recompute from; compare against a shadow extraction.
			return shadowAgreement(field, v, ctx)
		}
		if f, ok := ctx.Doc.Fields["vat"]; ok {
			vat, _ := decimal.NewFromString(f.Value)
			expected = ctx.Gross.Sub(vat)
			how = "gross - vat"
		} else {
			one := decimal.NewFromInt(1)
			expected = ctx.Gross.Div(one.Add(ctx.Rate)).Round(2)
			how = "gross / (1 + rate)"
		}
	default:
		return shadowAgreement(field, v, ctx)
	}

	ok := WithinTolerance(declared, expected, tol)
	return domain.Check{
		Source: domain.CheckAlgo,
		Value:  expected.StringFixed(2),
		OK:     ok,
		Detail: how + " = " + expected.StringFixed(2) + ", declared " + declared.StringFixed(2),
	}
}

// vatLineSiblings reads two sibling fields of one VAT block.
func vatLineSiblings(ctx Ctx, prefix, a, b string) (decimal.Decimal, decimal.Decimal, bool) {
	if ctx.Doc == nil {
		return decimal.Zero, decimal.Zero, false
	}
	fa, okA := ctx.Doc.Fields[prefix+a]
	fb, okB := ctx.Doc.Fields[prefix+b]
	if !okA || !okB {
		return decimal.Zero, decimal.Zero, false
	}
	da, errA := decimal.NewFromString(fa.Value)
	db, errB := decimal.NewFromString(fb.Value)
	if errA != nil || errB != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return da, db, true
}

// monetaryRule enforces the statutory constraints on amounts and rates.
func monetaryRule(field string, v domain.FieldValue, ctx Ctx) domain.Check {
	amount, err := decimal.NewFromString(v.Value)
	if err != nil {
		return domain.Check{Source: domain.CheckRule, OK: false, Detail: "not a decimal"}
	}
	if amount.IsNegative() {
		return domain.Check{Source: domain.CheckRule, Value: v.Value, OK: false, Detail: "negativan iznos"}
	}
	if !ctx.Rate.IsZero() && !ValidVATRate(ctx.Rate) {
		return domain.Check{Source: domain.CheckRule, Value: v.Value, OK: false,
			Detail: "PDV stopa " + ctx.Rate.String() + " nije zakonska"}
	}
	if field == "gross" && !ctx.Net.IsZero() {
		if f, ok := ctx.Doc.Fields["vat"]; ok {
			vat, _ := decimal.NewFromString(f.Value)
			if !GrossIdentity(ctx.Net, vat, amount, ctx.Converted) {
				return domain.Check{Source: domain.CheckRule, Value: v.Value, OK: false,
					Detail: "net + vat ≠ gross"}
			}
		}
	}
	return domain.Check{Source: domain.CheckRule, Value: v.Value, OK: true}
}

func textRule(field string, v domain.FieldValue, _ Ctx) domain.Check {
	ok := strings.TrimSpace(v.Value) != ""
	return domain.Check{Source: domain.CheckRule, Value: v.Value, OK: ok}
}

func dateRule(field string, v domain.FieldValue, _ Ctx) domain.Check {
	_, err := time.Parse("2006-01-02", v.Value)
	if err != nil {
		return domain.Check{Source: domain.CheckRule, Value: v.Value, OK: false, Detail: "nije ISO datum"}
	}
	return domain.Check{Source: domain.CheckRule, Value: v.Value, OK: true}
}

func normalizeString(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func formatConfidence(c float64) string {
	d := decimal.NewFromFloat(c)
	return d.Round(2).String()
}
