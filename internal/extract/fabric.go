// Package extract is the extractor fabric: one extractor per (document
// class, source tier), routed highest-fidelity first. A tier that does not
// apply returns ErrNoMatch and the fabric falls back; only total exhaustion
// is a pipeline failure.
package extract

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/kontomat/backend/internal/domain"
)

var (
	// ErrNoMatch means the extractor does not apply to the blob. It is not
	// an error condition; it selects the next tier.
	ErrNoMatch = errors.New("extractor does not match document")
	// ErrUnextractable means every registered tier returned ErrNoMatch.
	ErrUnextractable = errors.New("all extraction tiers exhausted")
)

// Extractor converts raw blob bytes into a normalized ExtractedDoc.
type Extractor interface {
	ID() string
	Tier() domain.SourceTier
	Classes() []domain.DocClass
	Extract(ctx context.Context, blobID string, data []byte, mediaType string) (*domain.ExtractedDoc, error)
}

// Fabric routes blobs through the registered extractors. Registration is an
// explicit table passed at startup; nothing is discovered.
type Fabric struct {
	byClass map[domain.DocClass][]Extractor
}

// NewFabric builds the routing table, ordering extractors by tier fidelity.
func NewFabric(extractors ...Extractor) *Fabric {
	f := &Fabric{byClass: make(map[domain.DocClass][]Extractor)}
	for _, e := range extractors {
		for _, c := range e.Classes() {
			f.byClass[c] = append(f.byClass[c], e)
		}
	}
	for c := range f.byClass {
		list := f.byClass[c]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Tier() < list[j].Tier() })
	}
	return f
}

// Extract runs tiers from highest fidelity down. The first tier that
// matches wins; remaining lower tiers still run so their values attach as
// shadow extractions for the verifier's independent cross-check.
func (f *Fabric) Extract(ctx context.Context, blobID string, data []byte, mediaType string, class domain.DocClass) (*domain.ExtractedDoc, error) {
	tiers := f.byClass[class]
	if len(tiers) == 0 {
		return nil, ErrUnextractable
	}

	var winner *domain.ExtractedDoc
	for _, e := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := f.runOne(ctx, e, blobID, data, mediaType)
		if err != nil {
			continue
		}
		if winner == nil {
			winner = doc
			continue
		}
		// Lower tier after a winner: attach as shadow values.
		if winner.Shadow == nil {
			winner.Shadow = make(map[string][]domain.FieldValue)
		}
		for name, fv := range doc.Fields {
			winner.Shadow[name] = append(winner.Shadow[name], fv)
		}
	}
	if winner == nil {
		return nil, ErrUnextractable
	}
	return winner, nil
}

// runOne isolates a single extractor: a panic or error inside one tier is
// downgraded to a no-match with diagnostics, never a pipeline failure.
func (f *Fabric) runOne(ctx context.Context, e Extractor, blobID string, data []byte, mediaType string) (doc *domain.ExtractedDoc, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("extractor panic", "extractor", e.ID(), "blob", blobID, "panic", r)
			doc, err = nil, ErrNoMatch
		}
	}()
	doc, err = e.Extract(ctx, blobID, data, mediaType)
	if err != nil {
		if !errors.Is(err, ErrNoMatch) {
			slog.Debug("extractor error treated as no-match",
				"extractor", e.ID(), "blob", blobID, "err", err)
		}
		return nil, ErrNoMatch
	}
	return doc, nil
}
