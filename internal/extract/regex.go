package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/domain"
)

// RegexExtractor is the grammar tier: it scans normalized OCR or plain text
// for the spans a Croatian invoice reliably carries. It never invents a
// field; anything it cannot anchor stays absent.
type RegexExtractor struct{}

func (r *RegexExtractor) ID() string              { return "regex-hr" }
func (r *RegexExtractor) Tier() domain.SourceTier { return domain.TierRegex }
func (r *RegexExtractor) Classes() []domain.DocClass {
	return []domain.DocClass{
		domain.DocInvoiceIn, domain.DocInvoiceOut, domain.DocInvoiceEU,
		domain.DocCashRegister, domain.DocTravelOrder,
	}
}

var (
	oibRe     = regexp.MustCompile(`(?i)\bOIB[:\s]*([0-9]{11})\b`)
	bareOIBRe = regexp.MustCompile(`\b([0-9]{11})\b`)
	ibanRe    = regexp.MustCompile(`\b(HR[0-9]{2}(?:\s?[0-9]{4}){4}\s?[0-9]?)\b`)
	// Račun br. / Broj računa / Invoice no.
	invNumRe = regexp.MustCompile(`(?i)(?:ra[čc]un\s*(?:br\.?|broj)?|broj\s*ra[čc]una|invoice\s*(?:no\.?|number)?)[:\s]*([0-9]+[-/0-9A-Za-z]*)`)
	dateRe   = regexp.MustCompile(`\b(\d{1,2}\.\d{1,2}\.\d{4}\.?|\d{4}-\d{2}-\d{2})\b`)
	amountRe = regexp.MustCompile(`(?:^|[\s:])(\d{1,3}(?:\.\d{3})*,\d{2}|\d+,\d{2}|\d{1,3}(?:,\d{3})*\.\d{2})\b`)

	labeledAmount = map[string]*regexp.Regexp{
		"gross": regexp.MustCompile(`(?i)(?:ukupno\s*(?:za\s*platiti)?|za\s*platiti|sveukupno|total)[:\s]*([\d.,\s]+\d)`),
		"net":   regexp.MustCompile(`(?i)(?:osnovica|neto|net)[:\s]*([\d.,\s]+\d)`),
		"vat":   regexp.MustCompile(`(?i)(?:PDV\s*(?:25|13|5)?\s*%?|porez)[:\s]*([\d.,\s]+\d)`),
	}
	vatRateRe = regexp.MustCompile(`(?i)PDV\s*(25|13|5)\s*%`)
)

func (r *RegexExtractor) Extract(_ context.Context, blobID string, data []byte, _ string) (*domain.ExtractedDoc, error) {
	text := NormalizeText(string(data))
	if text == "" {
		return nil, ErrNoMatch
	}

	fields := map[string]domain.FieldValue{}
	prov := domain.Provenance{Tier: domain.TierRegex, ExtractorID: r.ID()}
	put := func(name, value string, conf float64) {
		if value != "" {
			fields[name] = domain.FieldValue{Value: value, Confidence: conf, Provenance: prov}
		}
	}

	if m := oibRe.FindStringSubmatch(text); m != nil {
		put("supplier_oib", m[1], 0.85)
	} else if m := bareOIBRe.FindStringSubmatch(text); m != nil {
		// Unlabeled 11-digit run; the checksum rule decides its fate.
		put("supplier_oib", m[1], 0.6)
	}
	if m := ibanRe.FindStringSubmatch(text); m != nil {
		put("supplier_iban", strings.ReplaceAll(m[1], " ", ""), 0.85)
	}
	if m := invNumRe.FindStringSubmatch(text); m != nil {
		put("invoice_number", m[1], 0.8)
	}
	if m := dateRe.FindStringSubmatch(text); m != nil {
		if iso, ok := ParseDate(m[1], HintDayFirst); ok {
			put("issue_date", iso, 0.75)
		}
	}

	for name, re := range labeledAmount {
		if m := re.FindStringSubmatch(text); m != nil {
			if d, err := ParseAmount(m[1]); err == nil {
				put(name, d.StringFixed(2), 0.75)
			}
		}
	}
	if _, ok := fields["gross"]; !ok {
		// Fall back to the largest amount on the page.
		var best decimal.Decimal
		found := false
		for _, m := range amountRe.FindAllStringSubmatch(text, -1) {
			if d, err := ParseAmount(m[1]); err == nil && (!found || d.GreaterThan(best)) {
				best, found = d, true
			}
		}
		if found {
			put("gross", best.StringFixed(2), 0.55)
		}
	}
	if m := vatRateRe.FindStringSubmatch(text); m != nil {
		put("vat_rate", "0."+pad2(m[1]), 0.8)
	}

	if len(fields) < 2 {
		return nil, ErrNoMatch
	}
	return &domain.ExtractedDoc{
		BlobID:     blobID,
		DocClass:   domain.DocInvoiceIn,
		Fields:     fields,
		SourceTier: domain.TierRegex,
		Language:   "hr",
		Currency:   "EUR",
	}, nil
}

func pad2(pct string) string {
	if len(pct) == 1 {
		return "0" + pct
	}
	return pct
}
