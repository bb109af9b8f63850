package extract

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/kontomat/backend/internal/domain"
)

// Template is a learned per-supplier layout: labeled anchors that pin the
// supplier's recurring invoices better than the generic grammar can.
type Template struct {
	SupplierOIB string
	// Marker must appear in the text for the template to claim the document.
	Marker string
	// Anchors map field name to a regexp with one capture group.
	Anchors map[string]*regexp.Regexp
}

// TemplateExtractor matches documents against supplier templates registered
// at runtime (operators promote a correction into a template). Sits between
// structured XML and the generic regex grammar.
type TemplateExtractor struct {
	mu        sync.RWMutex
	templates []*Template
}

func (t *TemplateExtractor) ID() string              { return "template" }
func (t *TemplateExtractor) Tier() domain.SourceTier { return domain.TierTemplateMatch }
func (t *TemplateExtractor) Classes() []domain.DocClass {
	return []domain.DocClass{domain.DocInvoiceIn, domain.DocInvoiceEU}
}

func (t *TemplateExtractor) Register(tpl *Template) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates = append(t.templates, tpl)
}

func (t *TemplateExtractor) Extract(_ context.Context, blobID string, data []byte, _ string) (*domain.ExtractedDoc, error) {
	text := NormalizeText(string(data))
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, tpl := range t.templates {
		if tpl.Marker == "" || !strings.Contains(text, tpl.Marker) {
			continue
		}
		fields := map[string]domain.FieldValue{}
		prov := domain.Provenance{Tier: domain.TierTemplateMatch, ExtractorID: t.ID()}
		for name, re := range tpl.Anchors {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			val := strings.TrimSpace(m[1])
			if strings.HasSuffix(name, "date") {
				if iso, ok := ParseDate(val, HintDayFirst); ok {
					val = iso
				}
			} else if isMoneyField(name) {
				d, err := ParseAmount(val)
				if err != nil {
					continue
				}
				val = d.StringFixed(2)
			}
			fields[name] = domain.FieldValue{Value: val, Confidence: 0.92, Provenance: prov}
		}
		if len(fields) == 0 {
			continue
		}
		fields["supplier_oib"] = domain.FieldValue{Value: tpl.SupplierOIB, Confidence: 0.95, Provenance: prov}
		return &domain.ExtractedDoc{
			BlobID:     blobID,
			DocClass:   domain.DocInvoiceIn,
			Fields:     fields,
			SourceTier: domain.TierTemplateMatch,
			Language:   "hr",
			Currency:   "EUR",
		}, nil
	}
	return nil, ErrNoMatch
}

func isMoneyField(name string) bool {
	switch name {
	case "net", "vat", "gross":
		return true
	}
	return strings.HasSuffix(name, ".base") || strings.HasSuffix(name, ".vat") ||
		strings.HasSuffix(name, ".amount")
}
