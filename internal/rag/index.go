// Package rag is the time-aware legal retrieval index. A query is answered
// from the corpus version in force on the business-event date, never the
// newest text, and every hit carries a citation precise to article,
// paragraph and gazette reference.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/extract"
)

// Chunk is one annotated legal passage. EffectiveTo nil means in force.
type Chunk struct {
	ID            string     `json:"id"`
	LawCode       string     `json:"law_code"`
	Article       string     `json:"article"`
	Paragraph     string     `json:"paragraph,omitempty"`
	Text          string     `json:"text"`
	GazetteRef    string     `json:"gazette_ref"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Supersedes    string     `json:"supersedes,omitempty"`
	Vector        []float32  `json:"vector,omitempty"`
	Keywords      []string   `json:"keywords,omitempty"`
}

// InForceOn reports whether the chunk's effective range contains the date.
func (c *Chunk) InForceOn(d time.Time) bool {
	if d.Before(c.EffectiveFrom) {
		return false
	}
	return c.EffectiveTo == nil || !d.After(*c.EffectiveTo)
}

// Citation builds the provenance reference for a hit at asOf.
func (c *Chunk) Citation(asOf time.Time) domain.CitationRef {
	return domain.CitationRef{
		LawCode:     c.LawCode,
		Article:     c.Article,
		Paragraph:   c.Paragraph,
		GazetteRef:  c.GazetteRef,
		EffectiveOn: asOf.Format("2006-01-02"),
	}
}

// Hit is one search result.
type Hit struct {
	Chunk    *Chunk
	Score    float64
	Citation domain.CitationRef
}

// Embedder turns text into a normalized vector. The inference orchestrator
// provides the production implementation against the local endpoint.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Persister writes corpus mutations through to durable storage so the
// in-memory index can be rebuilt at boot. internal/store provides the
// Postgres implementation.
type Persister interface {
	PutChunk(ctx context.Context, c *Chunk) error
}

// snapshot is the immutable search structure readers run against. Mutations
// build a new snapshot and publish it atomically; readers never lock.
type snapshot struct {
	chunks  []*Chunk
	keyword map[string][]int // token -> chunk positions
}

// Index is the union of brute-force cosine search over chunk embeddings and
// an inverted keyword index, filtered by effective date.
type Index struct {
	embedder Embedder
	persist  Persister
	floor    float64
	log      *slog.Logger

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// IndexOption tweaks construction.
type IndexOption func(*Index)

// WithPersister makes every ingested or superseded chunk durable.
func WithPersister(p Persister) IndexOption { return func(x *Index) { x.persist = p } }

// WithFloor drops search hits scoring below the confidence floor.
func WithFloor(f float64) IndexOption { return func(x *Index) { x.floor = f } }

func NewIndex(embedder Embedder, log *slog.Logger, opts ...IndexOption) *Index {
	if log == nil {
		log = slog.Default()
	}
	idx := &Index{embedder: embedder, log: log}
	for _, o := range opts {
		o(idx)
	}
	idx.snap.Store(&snapshot{keyword: map[string][]int{}})
	return idx
}

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

func tokenize(s string) []string {
	var out []string
	for _, t := range tokenRe.FindAllString(strings.ToLower(extract.NormalizeText(s)), -1) {
		if len(t) >= 2 {
			out = append(out, t)
		}
	}
	return out
}

func buildSnapshot(chunks []*Chunk) *snapshot {
	s := &snapshot{chunks: chunks, keyword: map[string][]int{}}
	for i, c := range chunks {
		seen := map[string]bool{}
		for _, t := range append(tokenize(c.Text), c.Keywords...) {
			t = strings.ToLower(t)
			if !seen[t] {
				seen[t] = true
				s.keyword[t] = append(s.keyword[t], i)
			}
		}
	}
	return s
}

// Ingest adds a chunk and republishes the snapshot. Missing vectors are
// filled from the embedder when one is configured; an embedding failure is
// not fatal, the chunk stays keyword-searchable.
func (x *Index) Ingest(ctx context.Context, c *Chunk) error {
	if c.LawCode == "" || c.Article == "" || c.Text == "" {
		return domain.E(domain.CodeInput, "chunk requires law_code, article and text")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if len(c.Vector) == 0 && x.embedder != nil {
		vec, err := x.embedder.Embed(ctx, c.Text)
		if err != nil {
			x.log.Warn("chunk embedding failed, keyword-only", "chunk", c.ID, "err", err)
		} else {
			c.Vector = vec
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snap.Load()
	for _, existing := range cur.chunks {
		if existing.LawCode == c.LawCode && existing.Article == c.Article &&
			existing.Paragraph == c.Paragraph && existing.EffectiveTo == nil && c.EffectiveTo == nil {
			return domain.E(domain.CodeConflict,
				fmt.Sprintf("open-ended chunk already exists for %s čl. %s; use Supersede", c.LawCode, c.Article))
		}
	}
	if x.persist != nil {
		if err := x.persist.PutChunk(ctx, c); err != nil {
			return fmt.Errorf("chunk persist: %w", err)
		}
	}
	next := append(append([]*Chunk(nil), cur.chunks...), c)
	x.snap.Store(buildSnapshot(next))
	x.log.Info("chunk ingested", "chunk", c.ID, "law", c.LawCode, "article", c.Article)
	return nil
}

// Supersede closes the old chunk the day before the new one takes effect
// and ingests the replacement. Append-only: the old text stays searchable
// for dates inside its (now closed) range.
func (x *Index) Supersede(ctx context.Context, oldID string, c *Chunk) error {
	x.mu.Lock()
	cur := x.snap.Load()
	var old *Chunk
	pos := -1
	for i, ch := range cur.chunks {
		if ch.ID == oldID {
			old, pos = ch, i
			break
		}
	}
	if old == nil {
		x.mu.Unlock()
		return domain.E(domain.CodeNotFound, "chunk "+oldID+" not found")
	}
	if !c.EffectiveFrom.After(old.EffectiveFrom) {
		x.mu.Unlock()
		return domain.E(domain.CodeInput, "superseding chunk must take effect after the old one")
	}
	closed := *old
	end := c.EffectiveFrom.AddDate(0, 0, -1)
	closed.EffectiveTo = &end
	if x.persist != nil {
		if err := x.persist.PutChunk(ctx, &closed); err != nil {
			x.mu.Unlock()
			return fmt.Errorf("supersede persist: %w", err)
		}
	}
	next := append([]*Chunk(nil), cur.chunks...)
	next[pos] = &closed
	x.snap.Store(buildSnapshot(next))
	x.mu.Unlock()

	c.Supersedes = oldID
	return x.Ingest(ctx, c)
}

// Search returns the top-k passages in force on asOf. Score blends cosine
// similarity with keyword overlap; when multiple versions are in force a
// small boost prefers the one enacted closest to asOf. A dense miss (no
// embedder, or embedding failure) degrades to keyword-only.
func (x *Index) Search(ctx context.Context, query string, asOf time.Time, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	snap := x.snap.Load()
	tokens := tokenize(query)
	if len(snap.chunks) == 0 {
		return nil, nil
	}

	var qvec []float32
	if x.embedder != nil {
		vec, err := x.embedder.Embed(ctx, query)
		if err != nil {
			x.log.Warn("query embedding failed, keyword-only", "err", err)
		} else {
			qvec = vec
		}
	}

	kwHits := map[int]int{}
	for _, t := range tokens {
		for _, pos := range snap.keyword[t] {
			kwHits[pos]++
		}
	}

	var hits []Hit
	for i, c := range snap.chunks {
		if !c.InForceOn(asOf) {
			continue
		}
		var dense float64
		if qvec != nil && len(c.Vector) > 0 {
			dense = cosine(qvec, c.Vector)
		}
		var kw float64
		if len(tokens) > 0 {
			kw = float64(kwHits[i]) / float64(len(tokens))
		}
		score := 0.65*dense + 0.35*kw
		if qvec == nil {
			score = kw
		}
		if score <= 0 {
			continue
		}
		// Prefer the enactment closest to the business-event date.
		ageYears := asOf.Sub(c.EffectiveFrom).Hours() / 24 / 365
		score += 0.05 / (1 + ageYears)
		if score < x.floor {
			continue
		}
		hits = append(hits, Hit{Chunk: c, Score: score, Citation: c.Citation(asOf)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Chunks returns the current corpus, newest snapshot.
func (x *Index) Chunks() []*Chunk {
	return x.snap.Load().chunks
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
