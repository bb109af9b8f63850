package verify

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/kontomat/backend/internal/domain"
)

func TestValidOIB(t *testing.T) {
	// 12345678903 is the valid checksum variant used across the test suite.
	assert.True(t, ValidOIB("12345678903"))
	assert.False(t, ValidOIB("12345678900"))
	assert.False(t, ValidOIB("1234567890"))
	assert.False(t, ValidOIB("1234567890a"))
}

func TestValidIBAN(t *testing.T) {
	assert.True(t, ValidIBAN("GB82 WEST 1234 5698 7654 32"))
	assert.False(t, ValidIBAN("GB82WEST12345698765433"))
	assert.False(t, ValidIBAN("XX"))
}

func TestVATFromNet(t *testing.T) {
	net := decimal.RequireFromString("1000.00")
	rate := decimal.RequireFromString("0.25")
	assert.Equal(t, "250.00", VATFromNet(net, rate).StringFixed(2))
}

func docWith(fields map[string]domain.FieldValue) *domain.ExtractedDoc {
	return &domain.ExtractedDoc{
		BlobID:   "b1",
		DocClass: domain.DocInvoiceIn,
		Fields:   fields,
		Currency: "EUR",
	}
}

func fv(val string, conf float64) domain.FieldValue {
	return domain.FieldValue{Value: val, Confidence: conf,
		Provenance: domain.Provenance{Tier: domain.TierStructuredXML, ExtractorID: "test"}}
}

func TestMonetaryFullConsensus(t *testing.T) {
	doc := docWith(map[string]domain.FieldValue{
		"net":      fv("1000.00", 0.99),
		"vat_rate": fv("0.25", 0.99),
		"vat":      fv("250.00", 0.99),
		"gross":    fv("1250.00", 0.99),
	})
	out := New().Document(doc)

	for _, f := range []string{"vat", "gross"} {
		c := out.Verification[f]
		assert.Equal(t, domain.Agree3of3, c.Agreement, f)
		assert.Equal(t, 1.00, c.Score, f)
		assert.True(t, c.Admitted(), f)
	}
}

func TestMonetaryMismatchAdmittedWithWarning(t *testing.T) {
	// Declared VAT does not match net × rate; rule still passes (positive,
	// legal rate) but algo fails, and gross identity fails too.
	doc := docWith(map[string]domain.FieldValue{
		"net":      fv("1000.00", 0.99),
		"vat_rate": fv("0.25", 0.99),
		"vat":      fv("999.00", 0.99),
	})
	out := New().Document(doc)
	c := out.Verification["vat"]
	assert.Equal(t, domain.Agree2of3, c.Agreement)
	assert.True(t, c.Admitted())
	assert.NotEmpty(t, c.Warning)
}

func TestChecksumFailureForcesReview(t *testing.T) {
	doc := docWith(map[string]domain.FieldValue{
		"supplier_oib": fv("12345678900", 0.99),
	})
	out := New().Document(doc)
	c := out.Verification["supplier_oib"]
	// Rule check is mandatory for identifiers: without it the field cannot
	// reach 2of3 no matter what the AI says.
	assert.Equal(t, domain.Agree1of3, c.Agreement)
	assert.False(t, c.Admitted())
}

func TestKnownTestOIBRejected(t *testing.T) {
	doc := docWith(map[string]domain.FieldValue{
		"supplier_oib": fv("11111111111", 0.99),
	})
	out := New().Document(doc)
	assert.False(t, out.Verification["supplier_oib"].Admitted())
}

func TestMissingCheckCountsAsDisagreement(t *testing.T) {
	// A text field with no shadow extraction: algo source cannot agree.
	doc := docWith(map[string]domain.FieldValue{
		"narrative": fv("uredski materijal", 0.9),
	})
	out := New().Document(doc)
	c := out.Verification["narrative"]
	assert.Equal(t, domain.Agree2of3, c.Agreement)
}

func TestShadowAgreementAdmitsText(t *testing.T) {
	doc := docWith(map[string]domain.FieldValue{
		"narrative": fv("Uredski  materijal", 0.9),
	})
	doc.Shadow = map[string][]domain.FieldValue{
		"narrative": {{Value: "uredski materijal",
			Provenance: domain.Provenance{Tier: domain.TierRegex, ExtractorID: "rx"}}},
	}
	out := New().Document(doc)
	assert.Equal(t, domain.Agree3of3, out.Verification["narrative"].Agreement)
}

func TestIllegalVATRate(t *testing.T) {
	doc := docWith(map[string]domain.FieldValue{
		"net":      fv("100.00", 0.99),
		"vat_rate": fv("0.19", 0.99),
		"vat":      fv("19.00", 0.99),
	})
	out := New().Document(doc)
	c := out.Verification["vat"]
	assert.False(t, c.Admitted(), "German rate on a domestic doc must not pass the rule check")
}

func TestFXToleranceWider(t *testing.T) {
	doc := docWith(map[string]domain.FieldValue{
		"net":      fv("1000.00", 0.99),
		"vat_rate": fv("0.25", 0.99),
		"vat":      fv("250.02", 0.99),
	})
	doc.FXDate = "2026-03-01"
	out := New().Document(doc)
	assert.Equal(t, domain.Agree3of3, out.Verification["vat"].Agreement)

	// Same discrepancy without conversion exceeds the ±0.01 tolerance.
	doc.FXDate = ""
	out = New().Document(doc)
	assert.Equal(t, domain.Agree2of3, out.Verification["vat"].Agreement)
}
