package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/kontomat/backend/internal/domain"
)

// OCRClient is the slice of the inference orchestrator the vision tier
// needs. The concrete orchestrator lives in internal/inference; keeping the
// dependency inverted avoids the cycle (inference prompts never reach here).
type OCRClient interface {
	// Transcribe renders a scan into plain text. It returns the orchestrator's
	// unavailability error when the vision model is not loaded.
	Transcribe(ctx context.Context, data []byte, mediaType string) (string, error)
}

// VisionExtractor is the lowest automatic tier: it transcribes image and PDF
// scans with the vision model and delegates the transcript to the regex
// grammar. Model output is only ever treated as text to be re-anchored;
// monetary values survive solely through ParseAmount on literal spans.
type VisionExtractor struct {
	OCR OCRClient
}

func (v *VisionExtractor) ID() string              { return "vision-ocr" }
func (v *VisionExtractor) Tier() domain.SourceTier { return domain.TierVisionOCR }
func (v *VisionExtractor) Classes() []domain.DocClass {
	return []domain.DocClass{
		domain.DocInvoiceIn, domain.DocInvoiceOut, domain.DocInvoiceEU,
		domain.DocCashRegister, domain.DocTravelOrder, domain.DocPayrollInput,
	}
}

func (v *VisionExtractor) Extract(ctx context.Context, blobID string, data []byte, mediaType string) (*domain.ExtractedDoc, error) {
	if v.OCR == nil {
		return nil, ErrNoMatch
	}
	if !strings.HasPrefix(mediaType, "image/") && mediaType != "application/pdf" {
		return nil, ErrNoMatch
	}
	text, err := v.OCR.Transcribe(ctx, data, mediaType)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, ErrNoMatch
	}

	inner := &RegexExtractor{}
	doc, err := inner.Extract(ctx, blobID, []byte(text), "text/plain")
	if err != nil {
		return nil, err
	}
	// Re-stamp provenance: the values came through OCR, not off clean text.
	doc.SourceTier = domain.TierVisionOCR
	for name, fv := range doc.Fields {
		fv.Provenance = domain.Provenance{Tier: domain.TierVisionOCR, ExtractorID: v.ID()}
		fv.Confidence *= 0.85
		doc.Fields[name] = fv
	}
	return doc, nil
}
