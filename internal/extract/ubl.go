package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/domain"
)

// UBLExtractor parses UBL 2.1 e-invoices (the e-Računi export format and the
// EN 16931 / Peppol BIS profiles share the cbc/cac vocabulary). Structured
// XML is the highest-fidelity tier.
type UBLExtractor struct {
	HomeCountry string // ISO 3166-1 alpha-2, "HR"
}

func (u *UBLExtractor) ID() string              { return "ubl-2.1" }
func (u *UBLExtractor) Tier() domain.SourceTier { return domain.TierStructuredXML }
func (u *UBLExtractor) Classes() []domain.DocClass {
	return []domain.DocClass{domain.DocInvoiceIn, domain.DocInvoiceOut, domain.DocInvoiceEU}
}

type ublInvoice struct {
	XMLName      xml.Name `xml:"Invoice"`
	ID           string   `xml:"ID"`
	IssueDate    string   `xml:"IssueDate"`
	DueDate      string   `xml:"DueDate"`
	CurrencyCode string   `xml:"DocumentCurrencyCode"`
	Supplier     ublParty `xml:"AccountingSupplierParty>Party"`
	Customer     ublParty `xml:"AccountingCustomerParty>Party"`
	TaxTotal     struct {
		TaxAmount   ublAmount     `xml:"TaxAmount"`
		TaxSubtotal []ublSubtotal `xml:"TaxSubtotal"`
	} `xml:"TaxTotal"`
	Totals struct {
		TaxExclusive ublAmount `xml:"TaxExclusiveAmount"`
		Payable      ublAmount `xml:"PayableAmount"`
	} `xml:"LegalMonetaryTotal"`
	Lines []struct {
		Name   string    `xml:"Item>Name"`
		Amount ublAmount `xml:"LineExtensionAmount"`
	} `xml:"InvoiceLine"`
}

type ublParty struct {
	Name      string `xml:"PartyLegalEntity>RegistrationName"`
	AltName   string `xml:"PartyName>Name"`
	CompanyID string `xml:"PartyLegalEntity>CompanyID"`
	TaxID     string `xml:"PartyTaxScheme>CompanyID"`
	Country   string `xml:"PostalAddress>Country>IdentificationCode"`
	IBAN      string `xml:"FinancialAccount>ID"`
}

type ublAmount struct {
	Value    string `xml:",chardata"`
	Currency string `xml:"currencyID,attr"`
}

type ublSubtotal struct {
	Taxable  ublAmount `xml:"TaxableAmount"`
	Amount   ublAmount `xml:"TaxAmount"`
	Category struct {
		ID      string `xml:"ID"`
		Percent string `xml:"Percent"`
	} `xml:"TaxCategory"`
}

func (u *UBLExtractor) Extract(_ context.Context, blobID string, data []byte, mediaType string) (*domain.ExtractedDoc, error) {
	if !strings.Contains(mediaType, "xml") && !bytes.Contains(data[:min(len(data), 512)], []byte("<")) {
		return nil, ErrNoMatch
	}
	var inv ublInvoice
	if err := xml.Unmarshal(data, &inv); err != nil {
		return nil, ErrNoMatch
	}
	if inv.ID == "" && inv.Totals.Payable.Value == "" {
		return nil, ErrNoMatch
	}

	fields := map[string]domain.FieldValue{}
	put := func(name, value string, conf float64) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fields[name] = domain.FieldValue{
			Value:      NormalizeText(value),
			Confidence: conf,
			Provenance: domain.Provenance{Tier: domain.TierStructuredXML, ExtractorID: u.ID()},
		}
	}
	putAmount := func(name, raw string) {
		d, err := ParseAmount(raw)
		if err != nil {
			return
		}
		fields[name] = domain.FieldValue{
			Value:      d.StringFixed(2),
			Confidence: 0.99,
			Provenance: domain.Provenance{Tier: domain.TierStructuredXML, ExtractorID: u.ID()},
		}
	}

	put("invoice_number", inv.ID, 0.99)
	if iso, ok := ParseDate(inv.IssueDate, HintDayFirst); ok {
		put("issue_date", iso, 0.99)
	}
	if iso, ok := ParseDate(inv.DueDate, HintDayFirst); ok {
		put("due_date", iso, 0.95)
	}

	supplierName := inv.Supplier.Name
	if supplierName == "" {
		supplierName = inv.Supplier.AltName
	}
	put("supplier_name", supplierName, 0.98)
	put("buyer_name", firstNonEmpty(inv.Customer.Name, inv.Customer.AltName), 0.95)
	if inv.Supplier.IBAN != "" {
		put("supplier_iban", strings.ReplaceAll(inv.Supplier.IBAN, " ", ""), 0.98)
	}

	vatID := firstNonEmpty(inv.Supplier.TaxID, inv.Supplier.CompanyID)
	origin := classifyOrigin(vatID, inv.Supplier.Country, u.HomeCountry)
	if origin == "hr" {
		oib := strings.TrimPrefix(vatID, "HR")
		put("supplier_oib", oib, 0.99)
	} else {
		put("vat_id", vatID, 0.99)
	}
	put("origin", origin, 0.95)

	putAmount("net", inv.Totals.TaxExclusive.Value)
	putAmount("gross", inv.Totals.Payable.Value)
	putAmount("vat", inv.TaxTotal.TaxAmount.Value)

	currency := inv.CurrencyCode
	if currency == "" {
		currency = firstNonEmpty(inv.Totals.Payable.Currency, "EUR")
	}

	reverseCharge := false
	for i, sub := range inv.TaxTotal.TaxSubtotal {
		prefix := fmt.Sprintf("vat_lines[%d]", i)
		putAmount(prefix+".base", sub.Taxable.Value)
		putAmount(prefix+".vat", sub.Amount.Value)
		if pct, err := ParseAmount(sub.Category.Percent); err == nil {
			put(prefix+".rate", pct.Div(decimal.NewFromInt(100)).String(), 0.99)
			if i == 0 {
				put("vat_rate", pct.Div(decimal.NewFromInt(100)).String(), 0.99)
			}
		}
		// UNCL5305 category AE marks reverse charge.
		if sub.Category.ID == "AE" {
			reverseCharge = true
		}
	}
	if len(inv.TaxTotal.TaxSubtotal) == 0 {
		if nf, ok := fields["net"]; ok {
			if gf, ok2 := fields["gross"]; ok2 && nf.Value == gf.Value {
				put("vat_rate", "0", 0.9)
			}
		}
	}
	if origin == "eu" {
		if vf, ok := fields["vat"]; !ok || vf.Value == "0.00" {
			reverseCharge = true
		}
	}
	if reverseCharge {
		put("vat_treatment", "reverse_charge", 0.95)
	}

	var lines []string
	for _, l := range inv.Lines {
		lines = append(lines, NormalizeText(l.Name))
	}
	if len(lines) > 0 {
		put("narrative", strings.Join(lines, "; "), 0.9)
	}

	class := domain.DocInvoiceIn
	if origin != "hr" {
		class = domain.DocInvoiceEU
	}
	return &domain.ExtractedDoc{
		BlobID:     blobID,
		DocClass:   class,
		Fields:     fields,
		SourceTier: domain.TierStructuredXML,
		Language:   "hr",
		Currency:   currency,
	}, nil
}

var vatIDRe = regexp.MustCompile(`^([A-Z]{2})[0-9A-Z+*]{2,12}$`)

// classifyOrigin decides hr / eu / non_eu from the VAT id prefix or the
// address country.
func classifyOrigin(vatID, country, home string) string {
	cc := country
	if m := vatIDRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(vatID))); m != nil {
		cc = m[1]
	}
	cc = strings.ToUpper(cc)
	if cc == "" || cc == home {
		return "hr"
	}
	if euCountries[cc] {
		return "eu"
	}
	return "non_eu"
}

var euCountries = map[string]bool{
	"AT": true, "BE": true, "BG": true, "CY": true, "CZ": true, "DE": true,
	"DK": true, "EE": true, "EL": true, "GR": true, "ES": true, "FI": true,
	"FR": true, "HR": true, "HU": true, "IE": true, "IT": true, "LT": true,
	"LU": true, "LV": true, "MT": true, "NL": true, "PL": true, "PT": true,
	"RO": true, "SE": true, "SI": true, "SK": true,
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
