package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
)

// DocClass identifies the business document type of an upload.
type DocClass string

const (
	DocInvoiceIn    DocClass = "invoice_in"
	DocInvoiceOut   DocClass = "invoice_out"
	DocInvoiceEU    DocClass = "invoice_eu"
	DocBankStmt     DocClass = "bank_stmt"
	DocPayrollInput DocClass = "payroll_input"
	DocTravelOrder  DocClass = "travel_order"
	DocCashRegister DocClass = "cash_register"
	DocIOSForm      DocClass = "ios_form"
	DocTaxForm      DocClass = "tax_form"
)

// KnownDocClasses is the canonical catalog of supported document classes.
var KnownDocClasses = map[DocClass]bool{
	DocInvoiceIn: true, DocInvoiceOut: true, DocInvoiceEU: true,
	DocBankStmt: true, DocPayrollInput: true, DocTravelOrder: true,
	DocCashRegister: true, DocIOSForm: true, DocTaxForm: true,
}

// SourceTier orders extraction fidelity. Lower value means higher fidelity.
type SourceTier int

const (
	TierStructuredXML SourceTier = iota
	TierTemplateMatch
	TierRegex
	TierVisionOCR
	TierManual
)

func (t SourceTier) String() string {
	switch t {
	case TierStructuredXML:
		return "structured_xml"
	case TierTemplateMatch:
		return "template_match"
	case TierRegex:
		return "regex"
	case TierVisionOCR:
		return "vision_ocr"
	case TierManual:
		return "manual"
	}
	return "unknown"
}

// Provenance records where a field value came from.
type Provenance struct {
	Tier        SourceTier `json:"tier"`
	ExtractorID string     `json:"extractor_id"`
	Span        string     `json:"span,omitempty"`
}

// FieldValue is one extracted field with confidence and provenance.
type FieldValue struct {
	Value      string     `json:"value"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
}

// ExtractedDoc is the normalized output of the extractor fabric.
type ExtractedDoc struct {
	BlobID     string                `json:"blob_id"`
	DocClass   DocClass              `json:"doc_class"`
	Fields     map[string]FieldValue `json:"fields"`
	SourceTier SourceTier            `json:"source_tier"`
	Language   string                `json:"language"`
	Currency   string                `json:"currency"`
	// FXDate is set when Currency differs from the home currency.
	FXDate string `json:"fx_date,omitempty"`
	// Shadow holds lower-tier extractions of the same fields, keyed by
	// field name, for the verifier's algorithmic cross-check.
	Shadow map[string][]FieldValue `json:"shadow,omitempty"`
}

// CheckSource identifies which of the three independent checks produced a value.
type CheckSource string

const (
	CheckAI   CheckSource = "ai"
	CheckAlgo CheckSource = "algo"
	CheckRule CheckSource = "rule"
)

// Check is one of the three verification results for a field.
type Check struct {
	Source CheckSource `json:"source"`
	Value  string      `json:"value"`
	OK     bool        `json:"ok"`
	Detail string      `json:"detail,omitempty"`
}

// Agreement levels for triple-check consensus.
type Agreement string

const (
	Agree3of3 Agreement = "3of3"
	Agree2of3 Agreement = "2of3"
	Agree1of3 Agreement = "1of3"
	AgreeNone Agreement = "none"
)

// Consensus is the triple-check outcome for a single field.
type Consensus struct {
	Checks    []Check   `json:"checks"`
	Agreement Agreement `json:"agreement"`
	Score     float64   `json:"score"`
	Value     string    `json:"value"`
	Warning   string    `json:"warning,omitempty"`
}

// Admitted reports whether the field may flow into a booking.
func (c Consensus) Admitted() bool {
	return c.Agreement == Agree3of3 || c.Agreement == Agree2of3
}

// VerifiedDoc couples the extraction with per-field consensus.
type VerifiedDoc struct {
	ExtractedDoc
	Verification map[string]Consensus `json:"verification"`
}

// State is the booking lifecycle state.
type State string

const (
	StateIngested    State = "INGESTED"
	StateExtracted   State = "EXTRACTED"
	StateVerified    State = "VERIFIED"
	StateProposed    State = "PROPOSED"
	StateNeedsReview State = "NEEDS_REVIEW"
	StateApproved    State = "APPROVED"
	StateCorrected   State = "CORRECTED"
	StateRejected    State = "REJECTED"
	StateExported    State = "EXPORTED"
	StateBlocked     State = "BLOCKED"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateExported || s == StateRejected || s == StateBlocked
}

// Side of a ledger entry.
type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// Entry is one double-entry ledger line.
type Entry struct {
	Account  string          `json:"account"`
	Side     Side            `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// VATLine is one VAT block of the booking breakdown.
type VATLine struct {
	Rate   decimal.Decimal `json:"rate"`
	Base   decimal.Decimal `json:"base"`
	Amount decimal.Decimal `json:"amount"`
}

// CitationRef points at the legal passage a booking relies on.
type CitationRef struct {
	LawCode     string `json:"law_code"`
	Article     string `json:"article"`
	Paragraph   string `json:"paragraph,omitempty"`
	GazetteRef  string `json:"gazette_ref"`
	EffectiveOn string `json:"effective_on"`
}

// Booking is a proposed or finalized accounting record.
type Booking struct {
	ID           string        `json:"id"`
	ClientID     string        `json:"client_id"`
	SourceBlob   string        `json:"source,omitempty"`
	Class        DocClass      `json:"class"`
	Entries      []Entry       `json:"entries"`
	VATBreakdown []VATLine     `json:"vat_breakdown,omitempty"`
	PostingDate  string        `json:"posting_date"`
	Narrative    string        `json:"narrative"`
	Citations    []CitationRef `json:"citations,omitempty"`
	Status       State         `json:"status"`
	ProposedBy   string        `json:"proposed_by"`
	ApprovedBy   string        `json:"approved_by,omitempty"`
	RejectReason string        `json:"reject_reason,omitempty"`
	CorrectedFrom string       `json:"corrected_from,omitempty"`
	SupplierOIB  string        `json:"supplier_oib,omitempty"`
	SupplierIBAN string        `json:"supplier_iban,omitempty"`
	// Warnings are non-blocking validation notes riding along to the
	// operator. Not part of the fingerprint.
	Warnings     []string      `json:"warnings,omitempty"`
	Verification map[string]Consensus `json:"verification,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	FinalizedAt  *time.Time    `json:"finalized_at,omitempty"`
	Fingerprint  string        `json:"fingerprint"`
}

// Balanced reports whether debits equal credits per currency, exactly.
func (b *Booking) Balanced() bool {
	sums := map[string]decimal.Decimal{}
	for _, e := range b.Entries {
		d := sums[e.Currency]
		if e.Side == Debit {
			d = d.Add(e.Amount)
		} else {
			d = d.Sub(e.Amount)
		}
		sums[e.Currency] = d
	}
	for _, d := range sums {
		if !d.IsZero() {
			return false
		}
	}
	return true
}

// fingerprintView is the canonical subset of a booking that identifies it.
// Operator metadata, status and timestamps are excluded so that the same
// source document always yields the same fingerprint.
type fingerprintView struct {
	ClientID    string        `json:"client_id"`
	SourceBlob  string        `json:"source"`
	Class       DocClass      `json:"class"`
	Entries     []Entry       `json:"entries"`
	VAT         []VATLine     `json:"vat"`
	PostingDate string        `json:"posting_date"`
	Citations   []CitationRef `json:"citations"`
}

// ComputeFingerprint hashes the canonical JSON encoding of the booking core.
func (b *Booking) ComputeFingerprint() (string, error) {
	raw, err := json.Marshal(fingerprintView{
		ClientID:    b.ClientID,
		SourceBlob:  b.SourceBlob,
		Class:       b.Class,
		Entries:     b.Entries,
		VAT:         b.VATBreakdown,
		PostingDate: b.PostingDate,
		Citations:   b.Citations,
	})
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize booking: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the JCS-canonical encoding of the full booking, used for
// preference pairs and audit payloads.
func (b *Booking) Canonical() ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
