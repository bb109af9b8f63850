package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kontomat/backend/internal/domain"
)

// BankStatementExtractor parses MT940 (SWIFT) statements and the per-bank
// CSV exports of the Croatian banks.
type BankStatementExtractor struct{}

func (b *BankStatementExtractor) ID() string              { return "bank-stmt" }
func (b *BankStatementExtractor) Tier() domain.SourceTier { return domain.TierStructuredXML }
func (b *BankStatementExtractor) Classes() []domain.DocClass {
	return []domain.DocClass{domain.DocBankStmt}
}

// :61: statement line: value date YYMMDD, debit/credit mark, amount.
var mt940Line = regexp.MustCompile(`:61:(\d{6})(\d{4})?(C|D|RC|RD)(\d+,\d+)`)

// :86: information to account owner.
var mt940Info = regexp.MustCompile(`(?s):86:(.*?)(?::\d{2}[A-Z]?:|$)`)

func (b *BankStatementExtractor) Extract(_ context.Context, blobID string, data []byte, mediaType string) (*domain.ExtractedDoc, error) {
	text := string(data)
	switch {
	case strings.Contains(text, ":61:"):
		return b.parseMT940(blobID, text)
	case strings.Contains(mediaType, "csv") || looksLikeCSV(text):
		return b.parseCSV(blobID, text)
	}
	return nil, ErrNoMatch
}

func (b *BankStatementExtractor) parseMT940(blobID, text string) (*domain.ExtractedDoc, error) {
	lines := mt940Line.FindAllStringSubmatch(text, -1)
	if len(lines) == 0 {
		return nil, ErrNoMatch
	}
	infos := mt940Info.FindAllStringSubmatch(text, -1)

	fields := map[string]domain.FieldValue{}
	prov := domain.Provenance{Tier: domain.TierStructuredXML, ExtractorID: b.ID()}
	for i, m := range lines {
		date, err := time.Parse("060102", m[1])
		if err != nil {
			continue
		}
		amount, err := ParseAmount(m[4])
		if err != nil {
			continue
		}
		kind := "credit"
		if strings.HasPrefix(m[3], "D") || m[3] == "RD" {
			kind = "debit"
		}
		p := fmt.Sprintf("txn[%d]", i)
		fields[p+".date"] = domain.FieldValue{Value: date.Format("2006-01-02"), Confidence: 0.99, Provenance: prov}
		fields[p+".amount"] = domain.FieldValue{Value: amount.StringFixed(2), Confidence: 0.99, Provenance: prov}
		fields[p+".side"] = domain.FieldValue{Value: kind, Confidence: 0.99, Provenance: prov}
		if i < len(infos) {
			fields[p+".narrative"] = domain.FieldValue{Value: NormalizeText(infos[i][1]), Confidence: 0.9, Provenance: prov}
		}
	}
	fields["txn_count"] = domain.FieldValue{Value: fmt.Sprintf("%d", len(lines)), Confidence: 1, Provenance: prov}

	return &domain.ExtractedDoc{
		BlobID:     blobID,
		DocClass:   domain.DocBankStmt,
		Fields:     fields,
		SourceTier: domain.TierStructuredXML,
		Language:   "hr",
		Currency:   "EUR",
	}, nil
}

func looksLikeCSV(text string) bool {
	head := text
	if idx := strings.IndexByte(head, '\n'); idx > 0 {
		head = head[:idx]
	}
	return strings.Count(head, ";") >= 2 || strings.Count(head, ",") >= 2
}

// parseCSV handles bank CSV exports with Datum/Iznos/Opis style headers.
func (b *BankStatementExtractor) parseCSV(blobID, text string) (*domain.ExtractedDoc, error) {
	delim := ';'
	if firstLine := strings.SplitN(text, "\n", 2)[0]; strings.Count(firstLine, ",") > strings.Count(firstLine, ";") {
		delim = ','
	}
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil || len(rows) < 2 {
		return nil, ErrNoMatch
	}

	header := map[string]int{}
	for i, h := range rows[0] {
		header[strings.ToLower(NormalizeText(h))] = i
	}
	dateCol, okD := findCol(header, "datum", "date")
	amountCol, okA := findCol(header, "iznos", "amount")
	if !okD || !okA {
		return nil, ErrNoMatch
	}
	descCol, _ := findCol(header, "opis", "description")
	ibanCol, _ := findCol(header, "iban", "racun")

	fields := map[string]domain.FieldValue{}
	prov := domain.Provenance{Tier: domain.TierStructuredXML, ExtractorID: b.ID()}
	n := 0
	for _, row := range rows[1:] {
		if len(row) <= amountCol || len(row) <= dateCol {
			continue
		}
		date, ok := ParseDate(row[dateCol], HintDayFirst)
		if !ok {
			continue
		}
		amount, err := ParseAmount(row[amountCol])
		if err != nil {
			continue
		}
		p := fmt.Sprintf("txn[%d]", n)
		fields[p+".date"] = domain.FieldValue{Value: date, Confidence: 0.98, Provenance: prov}
		side := "credit"
		if amount.IsNegative() {
			side = "debit"
			amount = amount.Neg()
		}
		fields[p+".amount"] = domain.FieldValue{Value: amount.StringFixed(2), Confidence: 0.98, Provenance: prov}
		fields[p+".side"] = domain.FieldValue{Value: side, Confidence: 0.98, Provenance: prov}
		if descCol >= 0 && len(row) > descCol {
			fields[p+".narrative"] = domain.FieldValue{Value: NormalizeText(row[descCol]), Confidence: 0.9, Provenance: prov}
		}
		if ibanCol >= 0 && len(row) > ibanCol {
			fields[p+".iban"] = domain.FieldValue{Value: strings.ReplaceAll(row[ibanCol], " ", ""), Confidence: 0.95, Provenance: prov}
		}
		n++
	}
	if n == 0 {
		return nil, ErrNoMatch
	}
	fields["txn_count"] = domain.FieldValue{Value: fmt.Sprintf("%d", n), Confidence: 1, Provenance: prov}

	return &domain.ExtractedDoc{
		BlobID:     blobID,
		DocClass:   domain.DocBankStmt,
		Fields:     fields,
		SourceTier: domain.TierStructuredXML,
		Language:   "hr",
		Currency:   "EUR",
	}, nil
}

func findCol(header map[string]int, names ...string) (int, bool) {
	for _, n := range names {
		for h, i := range header {
			if strings.Contains(h, n) {
				return i, true
			}
		}
	}
	return -1, false
}
