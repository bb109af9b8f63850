package extract

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontomat/backend/internal/domain"
)

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"1.000,00":   "1000.00",
		"1 000,50":   "1000.50",
		"1,000.00":   "1000.00",
		"1.000.00":   "1000.00",
		"250,00 EUR": "250.00",
		"€99.90":     "99.90",
		"0":          "0.00",
	}
	for in, want := range cases {
		d, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d.StringFixed(2), in)
	}
	_, err := ParseAmount("")
	assert.Error(t, err)
	_, err = ParseAmount("n/a")
	assert.Error(t, err)
}

func TestParseDate(t *testing.T) {
	iso, ok := ParseDate("15.03.2026.", HintDayFirst)
	require.True(t, ok)
	assert.Equal(t, "2026-03-15", iso)

	iso, ok = ParseDate("2026-03-15", HintNone)
	require.True(t, ok)
	assert.Equal(t, "2026-03-15", iso)

	// 03/04 is ambiguous without a hint.
	_, ok = ParseDate("03/04/2026", HintNone)
	assert.False(t, ok)

	iso, ok = ParseDate("03/04/2026", HintDayFirst)
	require.True(t, ok)
	assert.Equal(t, "2026-04-03", iso)

	iso, ok = ParseDate("03/04/2026", HintMonthFirst)
	require.True(t, ok)
	assert.Equal(t, "2026-03-04", iso)
}

const ublSample = `<?xml version="1.0"?>
<Invoice>
  <ID>2026-0042</ID>
  <IssueDate>2026-03-10</IssueDate>
  <DueDate>2026-03-25</DueDate>
  <DocumentCurrencyCode>EUR</DocumentCurrencyCode>
  <AccountingSupplierParty><Party>
    <PartyName><Name>Uredski Servis d.o.o.</Name></PartyName>
    <PartyTaxScheme><CompanyID>HR12345678903</CompanyID></PartyTaxScheme>
    <PostalAddress><Country><IdentificationCode>HR</IdentificationCode></Country></PostalAddress>
    <FinancialAccount><ID>HR12 1001 0051 8630 0016 0</ID></FinancialAccount>
  </Party></AccountingSupplierParty>
  <AccountingCustomerParty><Party>
    <PartyLegalEntity><RegistrationName>Klijent d.o.o.</RegistrationName></PartyLegalEntity>
  </Party></AccountingCustomerParty>
  <TaxTotal>
    <TaxAmount currencyID="EUR">250.00</TaxAmount>
    <TaxSubtotal>
      <TaxableAmount currencyID="EUR">1000.00</TaxableAmount>
      <TaxAmount currencyID="EUR">250.00</TaxAmount>
      <TaxCategory><ID>S</ID><Percent>25</Percent></TaxCategory>
    </TaxSubtotal>
  </TaxTotal>
  <LegalMonetaryTotal>
    <TaxExclusiveAmount currencyID="EUR">1000.00</TaxExclusiveAmount>
    <PayableAmount currencyID="EUR">1250.00</PayableAmount>
  </LegalMonetaryTotal>
  <InvoiceLine><Item><Name>Uredski materijal</Name></Item>
    <LineExtensionAmount currencyID="EUR">1000.00</LineExtensionAmount></InvoiceLine>
</Invoice>`

func TestUBLExtract(t *testing.T) {
	u := &UBLExtractor{HomeCountry: "HR"}
	doc, err := u.Extract(context.Background(), "b1", []byte(ublSample), "application/xml")
	require.NoError(t, err)

	assert.Equal(t, domain.DocInvoiceIn, doc.DocClass)
	assert.Equal(t, "2026-0042", doc.Fields["invoice_number"].Value)
	assert.Equal(t, "2026-03-10", doc.Fields["issue_date"].Value)
	assert.Equal(t, "12345678903", doc.Fields["supplier_oib"].Value)
	assert.Equal(t, "HR1210010051863000160", doc.Fields["supplier_iban"].Value)
	assert.Equal(t, "1000.00", doc.Fields["net"].Value)
	assert.Equal(t, "250.00", doc.Fields["vat"].Value)
	assert.Equal(t, "1250.00", doc.Fields["gross"].Value)
	assert.Equal(t, "0.25", doc.Fields["vat_rate"].Value)
	assert.Equal(t, "hr", doc.Fields["origin"].Value)
	assert.Equal(t, domain.TierStructuredXML, doc.SourceTier)
}

func TestUBLReverseCharge(t *testing.T) {
	sample := `<Invoice><ID>DE-9</ID><IssueDate>2026-02-01</IssueDate>
<AccountingSupplierParty><Party>
  <PartyTaxScheme><CompanyID>DE811907980</CompanyID></PartyTaxScheme>
</Party></AccountingSupplierParty>
<TaxTotal><TaxAmount currencyID="EUR">0.00</TaxAmount></TaxTotal>
<LegalMonetaryTotal>
  <TaxExclusiveAmount currencyID="EUR">500.00</TaxExclusiveAmount>
  <PayableAmount currencyID="EUR">500.00</PayableAmount>
</LegalMonetaryTotal></Invoice>`
	u := &UBLExtractor{HomeCountry: "HR"}
	doc, err := u.Extract(context.Background(), "b2", []byte(sample), "application/xml")
	require.NoError(t, err)
	assert.Equal(t, domain.DocInvoiceEU, doc.DocClass)
	assert.Equal(t, "eu", doc.Fields["origin"].Value)
	assert.Equal(t, "reverse_charge", doc.Fields["vat_treatment"].Value)
	assert.Equal(t, "DE811907980", doc.Fields["vat_id"].Value)
}

func TestRegexExtract(t *testing.T) {
	text := `RAČUN br. 55/2026
Datum: 10.03.2026.
OIB: 12345678903
IBAN: HR12 1001 0051 8630 0016 0
Osnovica: 1.000,00
PDV 25%: 250,00
Ukupno za platiti: 1.250,00 EUR`
	r := &RegexExtractor{}
	doc, err := r.Extract(context.Background(), "b3", []byte(text), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "55/2026", doc.Fields["invoice_number"].Value)
	assert.Equal(t, "12345678903", doc.Fields["supplier_oib"].Value)
	assert.Equal(t, "HR1210010051863000160", doc.Fields["supplier_iban"].Value)
	assert.Equal(t, "2026-03-10", doc.Fields["issue_date"].Value)
	assert.Equal(t, "1250.00", doc.Fields["gross"].Value)
	assert.Equal(t, "0.25", doc.Fields["vat_rate"].Value)
}

func TestMT940Extract(t *testing.T) {
	stmt := ":20:REF001\n:25:HR1210010051863000160\n" +
		":61:2603100310D1250,00NTRFNONREF\n:86:Placanje racuna 55/2026\n" +
		":61:2603120312C500,00NTRFNONREF\n:86:Uplata kupca\n"
	b := &BankStatementExtractor{}
	doc, err := b.Extract(context.Background(), "b4", []byte(stmt), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, domain.DocBankStmt, doc.DocClass)
	assert.Equal(t, "2", doc.Fields["txn_count"].Value)
	assert.Equal(t, "2026-03-10", doc.Fields["txn[0].date"].Value)
	assert.Equal(t, "1250.00", doc.Fields["txn[0].amount"].Value)
	assert.Equal(t, "debit", doc.Fields["txn[0].side"].Value)
	assert.Equal(t, "credit", doc.Fields["txn[1].side"].Value)
}

func TestBankCSVExtract(t *testing.T) {
	csvText := "Datum;Opis;Iznos;IBAN\n" +
		"10.03.2026;Plaćanje računa;-1.250,00;HR1210010051863000160\n" +
		"12.03.2026;Uplata kupca;500,00;HR9823400091110101110\n"
	b := &BankStatementExtractor{}
	doc, err := b.Extract(context.Background(), "b5", []byte(csvText), "text/csv")
	require.NoError(t, err)
	assert.Equal(t, "2", doc.Fields["txn_count"].Value)
	assert.Equal(t, "debit", doc.Fields["txn[0].side"].Value)
	assert.Equal(t, "1250.00", doc.Fields["txn[0].amount"].Value)
	assert.Equal(t, "credit", doc.Fields["txn[1].side"].Value)
}

func TestFabricFallbackAndShadow(t *testing.T) {
	// Plain text is no match for UBL; regex wins, nothing below it.
	f := NewFabric(&UBLExtractor{HomeCountry: "HR"}, &RegexExtractor{})
	text := "Račun br. 7/2026 OIB: 12345678903 Ukupno: 99,00"
	doc, err := f.Extract(context.Background(), "b6", []byte(text), "text/plain", domain.DocInvoiceIn)
	require.NoError(t, err)
	assert.Equal(t, domain.TierRegex, doc.SourceTier)

	// UBL wins on XML and the regex tier attaches as shadow values.
	doc, err = f.Extract(context.Background(), "b7", []byte(ublSample), "application/xml", domain.DocInvoiceIn)
	require.NoError(t, err)
	assert.Equal(t, domain.TierStructuredXML, doc.SourceTier)
	assert.NotEmpty(t, doc.Shadow)
}

func TestFabricExhaustion(t *testing.T) {
	f := NewFabric(&UBLExtractor{HomeCountry: "HR"})
	_, err := f.Extract(context.Background(), "b8", []byte("no structure here"), "text/plain", domain.DocInvoiceIn)
	assert.ErrorIs(t, err, ErrUnextractable)
}

func TestTemplateExtract(t *testing.T) {
	te := &TemplateExtractor{}
	te.Register(&Template{
		SupplierOIB: "12345678903",
		Marker:      "Uredski Servis",
		Anchors: map[string]*regexp.Regexp{
			"invoice_number": regexp.MustCompile(`Dokument\s+([0-9/]+)`),
			"gross":          regexp.MustCompile(`SVEUKUPNO\s+([\d.,]+)`),
		},
	})
	text := "Uredski Servis d.o.o. Dokument 91/2026 SVEUKUPNO 1.250,00"
	doc, err := te.Extract(context.Background(), "b9", []byte(text), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "91/2026", doc.Fields["invoice_number"].Value)
	assert.Equal(t, "1250.00", doc.Fields["gross"].Value)
	assert.Equal(t, "12345678903", doc.Fields["supplier_oib"].Value)

	_, err = te.Extract(context.Background(), "b10", []byte("another supplier"), "text/plain")
	assert.ErrorIs(t, err, ErrNoMatch)
}
