// Package pipeline drives a document from ingest to a proposed booking and
// owns the booking state machine. Every transition is appended to the audit
// chain before the new state is persisted; a booking whose audit write fails
// stays where it was.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/blobstore"
	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/events"
	"github.com/kontomat/backend/internal/extract"
	"github.com/kontomat/backend/internal/fx"
	"github.com/kontomat/backend/internal/inference"
	"github.com/kontomat/backend/internal/konto"
	"github.com/kontomat/backend/internal/memory"
	"github.com/kontomat/backend/internal/metrics"
	"github.com/kontomat/backend/internal/rag"
	"github.com/kontomat/backend/internal/safety"
	"github.com/kontomat/backend/internal/verify"
)

// Blocker kinds that force a verified booking into NEEDS_REVIEW.
const (
	BlockerField1of3      = "field_1of3"
	BlockerUnbalanced     = "unbalanced"
	BlockerAMLCash        = "aml_cash_limit"
	BlockerSupplierChange = "supplier_account_changed"
	BlockerL2Conflict     = "l2_conflict"
	BlockerFXMissing      = "fx_rate_missing"
	BlockerMissingFields  = "missing_required_fields"
)

// Filter narrows booking listings.
type Filter struct {
	ClientID string
	Status   domain.State
	Class    domain.DocClass
	Limit    int
}

// Store persists bookings, their verified documents and the memorized
// supplier bank accounts. internal/store provides the Postgres
// implementation; an in-memory one backs the tests.
type Store interface {
	PutBooking(ctx context.Context, b *domain.Booking) error
	BookingByID(ctx context.Context, id string) (*domain.Booking, error)
	BookingByFingerprint(ctx context.Context, fp string) (*domain.Booking, error)
	BookingBySource(ctx context.Context, clientID, blobID string, class domain.DocClass) (*domain.Booking, error)
	Bookings(ctx context.Context, f Filter) ([]*domain.Booking, error)

	PutDocument(ctx context.Context, bookingID string, doc *domain.VerifiedDoc) error
	DocumentByBooking(ctx context.Context, bookingID string) (*domain.VerifiedDoc, error)

	// SupplierIBAN returns the memorized account for (client, supplier),
	// or CodeNotFound when the supplier has never been approved.
	SupplierIBAN(ctx context.Context, clientID, supplierOIB string) (string, error)
	PutSupplierIBAN(ctx context.Context, clientID, supplierOIB, iban string) error
}

// Inferrer is the classification surface of the inference orchestrator.
type Inferrer interface {
	Infer(ctx context.Context, req inference.Request) (*inference.Response, error)
}

// Searcher is the time-aware legal corpus lookup.
type Searcher interface {
	Search(ctx context.Context, query string, asOf time.Time, topK int) ([]rag.Hit, error)
}

// Suggester serves live L2 rules for a booking key prefix.
type Suggester interface {
	Suggest(ctx context.Context, clientID, supplierID, docClass string) ([]*memory.Rule, error)
}

// Config bounds the auto-advance gate.
type Config struct {
	// ConsensusThreshold is the minimum per-field score for PROPOSED.
	ConsensusThreshold float64
	// AMLCashThreshold blocks cash bookings above this home-currency amount.
	AMLCashThreshold decimal.Decimal
	HomeCurrency     string
}

func (c *Config) withDefaults() {
	if c.ConsensusThreshold <= 0 {
		c.ConsensusThreshold = 0.95
	}
	if c.AMLCashThreshold.IsZero() {
		c.AMLCashThreshold = decimal.RequireFromString("10000.00")
	}
	if c.HomeCurrency == "" {
		c.HomeCurrency = "EUR"
	}
}

// Pipeline wires the extraction, verification, memory, RAG and inference
// stages and serializes per-booking state changes.
type Pipeline struct {
	blobs    *blobstore.Store
	fabric   *extract.Fabric
	verifier *verify.Verifier
	rules    Suggester
	laws     Searcher
	ai       Inferrer
	rates    *fx.Table
	chain    *audit.Log
	store    Store
	bus      events.Emitter
	met      *metrics.Metrics
	overseer *safety.Overseer
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Deps carries the pipeline's collaborators. Bus and Metrics may be nil.
type Deps struct {
	Blobs    *blobstore.Store
	Fabric   *extract.Fabric
	Verifier *verify.Verifier
	Rules    Suggester
	Laws     Searcher
	AI       Inferrer
	Rates    *fx.Table
	Audit    *audit.Log
	Store    Store
	Bus      events.Emitter
	Metrics  *metrics.Metrics
	Overseer *safety.Overseer
	Log      *slog.Logger
}

func New(d Deps, cfg Config) *Pipeline {
	cfg.withDefaults()
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Pipeline{
		blobs:    d.Blobs,
		fabric:   d.Fabric,
		verifier: d.Verifier,
		rules:    d.Rules,
		laws:     d.Laws,
		ai:       d.AI,
		rates:    d.Rates,
		chain:    d.Audit,
		store:    d.Store,
		bus:      d.Bus,
		met:      d.Metrics,
		overseer: d.Overseer,
		cfg:      cfg,
		log:      d.Log,
		now:      time.Now,
		locks:    map[string]*sync.Mutex{},
	}
}

// Lock serializes operations on one booking. The returned func releases it.
func (p *Pipeline) Lock(bookingID string) func() {
	p.mu.Lock()
	m, ok := p.locks[bookingID]
	if !ok {
		m = &sync.Mutex{}
		p.locks[bookingID] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Booking loads one booking.
func (p *Pipeline) Booking(ctx context.Context, id string) (*domain.Booking, error) {
	return p.store.BookingByID(ctx, id)
}

// Bookings lists bookings per filter.
func (p *Pipeline) Bookings(ctx context.Context, f Filter) ([]*domain.Booking, error) {
	return p.store.Bookings(ctx, f)
}

// Document returns the verified document behind a booking.
func (p *Pipeline) Document(ctx context.Context, bookingID string) (*domain.VerifiedDoc, error) {
	return p.store.DocumentByBooking(ctx, bookingID)
}

// transitions is the allowed-successor table of the booking state machine.
var transitions = map[domain.State]map[domain.State]bool{
	domain.StateIngested:  {domain.StateExtracted: true, domain.StateBlocked: true},
	domain.StateExtracted: {domain.StateVerified: true, domain.StateBlocked: true},
	domain.StateVerified: {
		domain.StateProposed: true, domain.StateNeedsReview: true,
		domain.StateRejected: true, domain.StateBlocked: true,
	},
	domain.StateProposed: {
		domain.StateApproved: true, domain.StateRejected: true,
		domain.StateCorrected: true, domain.StateBlocked: true,
	},
	domain.StateNeedsReview: {
		domain.StateApproved: true, domain.StateRejected: true,
		domain.StateCorrected: true, domain.StateBlocked: true,
	},
	domain.StateCorrected: {
		domain.StateProposed: true, domain.StateNeedsReview: true,
		domain.StateRejected: true, domain.StateBlocked: true,
	},
	domain.StateApproved: {domain.StateExported: true, domain.StateBlocked: true},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to domain.State) bool {
	return transitions[from][to]
}

type transitionPayload struct {
	BookingID string `json:"booking_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
}

// advance moves the booking to the next state. Caller holds the booking
// lock. The audit append happens first; if it fails nothing changes.
func (p *Pipeline) advance(ctx context.Context, b *domain.Booking, to domain.State, actor, reason string) error {
	from := b.Status
	if !CanTransition(from, to) {
		return domain.StateErr(domain.CodeConflict,
			fmt.Sprintf("prijelaz %s → %s nije dopušten", from, to), from)
	}
	_, err := p.chain.Append(ctx, actor, "booking.transition", b.ID, transitionPayload{
		BookingID: b.ID, From: string(from), To: string(to), Actor: actor, Reason: reason,
	})
	if err != nil {
		return err
	}
	b.Status = to
	if to.Terminal() || to == domain.StateApproved {
		t := p.now().UTC()
		b.FinalizedAt = &t
	}
	if err := p.store.PutBooking(ctx, b); err != nil {
		b.Status = from
		b.FinalizedAt = nil
		p.chain.Append(ctx, "pipeline", "booking.transition_failed", b.ID, transitionPayload{
			BookingID: b.ID, From: string(from), To: string(to), Reason: err.Error(),
		})
		return err
	}
	if p.met != nil {
		p.met.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
	if p.bus != nil {
		p.bus.Emit(events.TypeBookingTransition, b.ID, map[string]any{
			"booking_id": b.ID, "client_id": b.ClientID,
			"from": string(from), "to": string(to), "actor": actor, "reason": reason,
		})
	}
	return nil
}

// Transition loads the booking, takes its lock and applies an operator or
// export driven move. The approval gateway and exporter go through here.
func (p *Pipeline) Transition(ctx context.Context, bookingID string, to domain.State, actor, reason string) (*domain.Booking, error) {
	unlock := p.Lock(bookingID)
	defer unlock()

	b, err := p.store.BookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := p.advance(ctx, b, to, actor, reason); err != nil {
		return nil, err
	}
	return b, nil
}

// Block moves any pre-terminal booking to BLOCKED after a safety violation.
func (p *Pipeline) Block(ctx context.Context, bookingID, actor, reason string) (*domain.Booking, error) {
	return p.Transition(ctx, bookingID, domain.StateBlocked, actor, reason)
}

// Ingest stores the blob, opens a booking and runs it through extraction,
// verification and proposal. Re-ingesting the same bytes for the same
// (client, class) returns the existing booking.
func (p *Pipeline) Ingest(ctx context.Context, clientID string, data []byte, mediaType string, class domain.DocClass, actor string) (*domain.Booking, error) {
	if clientID == "" {
		return nil, domain.E(domain.CodeInput, "client_id je obavezan")
	}
	if !domain.KnownDocClasses[class] {
		return nil, domain.E(domain.CodeInput, fmt.Sprintf("nepoznata klasa dokumenta %q", class))
	}

	blobID, err := p.blobs.Put(data, mediaType)
	if err != nil {
		return nil, err
	}
	if prior, err := p.store.BookingBySource(ctx, clientID, blobID, class); err == nil {
		if p.met != nil {
			p.met.Dedupes.Inc()
		}
		p.chain.Append(ctx, actor, "booking.dedup", prior.ID, map[string]string{
			"blob_id": blobID, "client_id": clientID,
		})
		return prior, nil
	}

	b := &domain.Booking{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		SourceBlob: blobID,
		Class:      class,
		Status:     domain.StateIngested,
		ProposedBy: "pipeline",
		CreatedAt:  p.now().UTC(),
	}
	if err := p.store.PutBooking(ctx, b); err != nil {
		return nil, err
	}
	if _, err := p.chain.Append(ctx, actor, "booking.ingested", b.ID, map[string]string{
		"blob_id": blobID, "client_id": clientID, "class": string(class),
	}); err != nil {
		return nil, err
	}

	return p.process(ctx, b, data, mediaType, actor)
}

// process runs extract → verify → propose. Any stage failure leaves the
// booking in its current state with an audited failure event.
func (p *Pipeline) process(ctx context.Context, b *domain.Booking, data []byte, mediaType, actor string) (*domain.Booking, error) {
	unlock := p.Lock(b.ID)
	defer unlock()

	doc, err := p.fabric.Extract(ctx, b.SourceBlob, data, mediaType, b.Class)
	if err != nil {
		p.chain.Append(ctx, "pipeline", "booking.extract_failed", b.ID, map[string]string{
			"error": err.Error(),
		})
		if errors.Is(err, extract.ErrUnextractable) {
			err = &domain.Error{Code: domain.CodeUnextractable,
				Message: "nijedna razina ekstrakcije nije uspjela", State: b.Status, Err: err}
		}
		return b, err
	}
	if err := p.advance(ctx, b, domain.StateExtracted, "pipeline", doc.SourceTier.String()); err != nil {
		return b, err
	}

	vdoc := p.verifier.Document(doc)
	if p.met != nil {
		for _, c := range vdoc.Verification {
			p.met.ConsensusScore.WithLabelValues(string(b.Class)).Observe(c.Score)
		}
	}
	if err := p.store.PutDocument(ctx, b.ID, vdoc); err != nil {
		p.chain.Append(ctx, "pipeline", "booking.verify_failed", b.ID, map[string]string{
			"error": err.Error(),
		})
		return b, err
	}
	b.Verification = vdoc.Verification
	if err := p.advance(ctx, b, domain.StateVerified, "pipeline", ""); err != nil {
		return b, err
	}

	return b, p.propose(ctx, b, vdoc, actor)
}

// propose constructs the booking body and applies the auto-advance gate.
// Caller holds the booking lock and b is VERIFIED.
func (p *Pipeline) propose(ctx context.Context, b *domain.Booking, vdoc *domain.VerifiedDoc, actor string) error {
	prop := p.construct(ctx, b, vdoc)
	b.Entries = prop.entries
	b.VATBreakdown = prop.vat
	b.Citations = prop.citations
	b.Narrative = prop.narrative
	b.PostingDate = prop.postingDate
	b.SupplierOIB = prop.supplierOIB
	b.SupplierIBAN = prop.supplierIBAN

	if p.overseer != nil {
		check := p.overseer.ValidateBooking(b, p.cfg.AMLCashThreshold, decimal.Zero)
		b.Warnings = check.Warnings
	}

	fp, err := b.ComputeFingerprint()
	if err != nil {
		return err
	}
	b.Fingerprint = fp

	if prior, err := p.store.BookingByFingerprint(ctx, fp); err == nil && prior.ID != b.ID {
		if p.met != nil {
			p.met.Dedupes.Inc()
		}
		p.chain.Append(ctx, actor, "booking.dedup", b.ID, map[string]string{
			"duplicate_of": prior.ID, "fingerprint": fp,
		})
		return p.advance(ctx, b, domain.StateRejected, "pipeline",
			"duplikat knjiženja "+prior.ID)
	}

	blockers := append(prop.blockers, p.gateBlockers(ctx, b, vdoc, false)...)
	for _, kind := range blockers {
		if p.met != nil {
			p.met.Blockers.WithLabelValues(kind).Inc()
		}
	}
	if len(blockers) > 0 || minConsensus(vdoc) < p.cfg.ConsensusThreshold {
		reason := fmt.Sprintf("blokatori: %v, min konsenzus %.2f", blockers, minConsensus(vdoc))
		if err := p.advance(ctx, b, domain.StateNeedsReview, "pipeline", reason); err != nil {
			return err
		}
		p.journal(ctx, b, "ingest", map[string]string{
			"class": string(b.Class), "status": string(b.Status),
		})
		return nil
	}

	if prop.usedRule != nil {
		if t, ok := p.rules.(interface {
			Touch(ctx context.Context, id string) error
		}); ok {
			t.Touch(ctx, prop.usedRule.ID)
		}
	}
	if err := p.advance(ctx, b, domain.StateProposed, "pipeline", ""); err != nil {
		return err
	}
	if p.bus != nil {
		p.bus.Emit(events.TypeBookingProposed, b.ID, map[string]any{
			"booking_id": b.ID, "client_id": b.ClientID, "class": string(b.Class),
		})
	}
	p.journal(ctx, b, "ingest", map[string]string{
		"class": string(b.Class), "status": string(b.Status),
	})
	return nil
}

// journal appends an L1 episode when the rule source is the full memory.
// Narrow Suggester implementations simply skip the layer.
func (p *Pipeline) journal(ctx context.Context, b *domain.Booking, kind string, detail map[string]string) {
	j, ok := p.rules.(interface {
		Journal(ctx context.Context, ev *memory.JournalEvent) error
	})
	if !ok {
		return
	}
	ev := &memory.JournalEvent{ClientID: b.ClientID, Kind: kind, SubjectID: b.ID, Detail: detail}
	if err := j.Journal(ctx, ev); err != nil {
		p.log.Warn("journal append failed", "booking", b.ID, "err", err)
	}
}

// gateBlockers evaluates the advance blockers that depend on the verified
// document and the memorized supplier state. With override set, field
// disagreement blocks only on monetary fields.
func (p *Pipeline) gateBlockers(ctx context.Context, b *domain.Booking, vdoc *domain.VerifiedDoc, override bool) []string {
	var out []string

	for name, c := range vdoc.Verification {
		if c.Admitted() {
			continue
		}
		if override && verify.FieldKindOf(name) != verify.KindMonetary {
			continue
		}
		out = append(out, BlockerField1of3)
		break
	}

	if !b.Balanced() {
		out = append(out, BlockerUnbalanced)
	}

	if b.Class == domain.DocCashRegister {
		total := decimal.Zero
		for _, e := range b.Entries {
			if e.Account == konto.AcctCashRegister && e.Side == domain.Debit {
				total = total.Add(e.Amount)
			}
		}
		if total.GreaterThan(p.cfg.AMLCashThreshold) {
			out = append(out, BlockerAMLCash)
		}
	}

	if b.SupplierOIB != "" && b.SupplierIBAN != "" {
		known, err := p.store.SupplierIBAN(ctx, b.ClientID, b.SupplierOIB)
		if err == nil && known != b.SupplierIBAN {
			out = append(out, BlockerSupplierChange)
		}
	}

	return out
}

// Override is an operator rule-check override attached to a correction.
type Override struct {
	Actor         string `json:"actor"`
	Justification string `json:"justification"`
}

// ReVerify pushes a corrected booking back through the advance gate. With
// an override the booking may advance at 2of3 consensus, but a monetary
// field at 1of3 always forces review. Caller does not hold the lock.
func (p *Pipeline) ReVerify(ctx context.Context, bookingID string, override *Override, actor string) (*domain.Booking, error) {
	unlock := p.Lock(bookingID)
	defer unlock()

	b, err := p.store.BookingByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.StateCorrected {
		return nil, domain.StateErr(domain.CodeConflict,
			"samo ispravljeno knjiženje ide na ponovnu provjeru", b.Status)
	}
	vdoc, err := p.store.DocumentByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	fp, err := b.ComputeFingerprint()
	if err != nil {
		return nil, err
	}
	b.Fingerprint = fp

	if override != nil {
		p.chain.Append(ctx, actor, "booking.override", b.ID, override)
	}

	blockers := p.gateBlockers(ctx, b, vdoc, override != nil)
	for _, kind := range blockers {
		if p.met != nil {
			p.met.Blockers.WithLabelValues(kind).Inc()
		}
	}
	pass := len(blockers) == 0
	if pass && override == nil && minConsensus(vdoc) < p.cfg.ConsensusThreshold {
		pass = false
	}
	to := domain.StateNeedsReview
	reason := fmt.Sprintf("blokatori: %v", blockers)
	if pass {
		to, reason = domain.StateProposed, ""
	}
	if err := p.advance(ctx, b, to, actor, reason); err != nil {
		return nil, err
	}
	if to == domain.StateProposed && p.bus != nil {
		p.bus.Emit(events.TypeBookingProposed, b.ID, map[string]any{
			"booking_id": b.ID, "client_id": b.ClientID, "corrected_from": b.CorrectedFrom,
		})
	}
	return b, nil
}

// MemorizeSupplier records the supplier account sighted on an approved
// booking. Called by the approval gateway after approve.
func (p *Pipeline) MemorizeSupplier(ctx context.Context, b *domain.Booking) error {
	if b.SupplierOIB == "" || b.SupplierIBAN == "" {
		return nil
	}
	return p.store.PutSupplierIBAN(ctx, b.ClientID, b.SupplierOIB, b.SupplierIBAN)
}

// minConsensus is the lowest score across the fields whose values feed the
// ledger entries: monetary amounts and identifiers. Text and date fields
// rarely have a second independent source and are gated by admission alone.
func minConsensus(vdoc *domain.VerifiedDoc) float64 {
	min := 1.0
	for name, c := range vdoc.Verification {
		switch verify.FieldKindOf(name) {
		case verify.KindMonetary, verify.KindIdentifier:
			if c.Score < min {
				min = c.Score
			}
		}
	}
	return min
}
