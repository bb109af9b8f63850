// Package memory is the learning memory behind the pipeline: L1 episodic
// journal, L2 durable semantic rules, L3 preference dataset. L0 session
// scratch lives with the session, not here. The store is model-agnostic;
// swapping the inference model never touches L1..L3.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/domain"
)

// RuleKind selects the decay half-life. Statutory mappings never decay.
type RuleKind string

const (
	KindKontiranje RuleKind = "kontiranje"  // account mapping, 365d
	KindTaxRule    RuleKind = "tax_rule"    // 180d
	KindClientPref RuleKind = "client_pref" // 90d
	KindLaw        RuleKind = "law"         // no decay
)

// HalfLifeDays returns the decay half-life for a rule kind; 0 means the
// rule does not decay.
func HalfLifeDays(kind RuleKind) float64 {
	switch kind {
	case KindKontiranje:
		return 365
	case KindTaxRule:
		return 180
	case KindClientPref:
		return 90
	}
	return 0
}

// scoreFloor is the liveness threshold: a decayed rule below it is ignored
// by Suggest and eligible for compaction.
const scoreFloor = 0.15

// RuleKey identifies an L2 rule. SupplierID may be empty for client-wide
// preferences.
type RuleKey struct {
	ClientID    string `json:"client_id"`
	SupplierID  string `json:"supplier_id,omitempty"`
	DocClass    string `json:"doc_class"`
	FeatureHash string `json:"feature_hash"`
}

func (k RuleKey) String() string {
	return k.ClientID + "|" + k.SupplierID + "|" + k.DocClass + "|" + k.FeatureHash
}

// Rule is an L2 semantic rule with its reinforcement state.
type Rule struct {
	ID                string    `json:"id"`
	Key               RuleKey   `json:"key"`
	Kind              RuleKind  `json:"kind"`
	SuggestedAccounts []string  `json:"suggested_accounts"`
	VATClass          string    `json:"vat_class,omitempty"`
	Confidence        float64   `json:"confidence"`
	Hits              int       `json:"hits"`
	LastUsed          time.Time `json:"last_used"`
	CreatedFrom       string    `json:"created_from,omitempty"`
	Conflict          bool      `json:"conflict,omitempty"`
	Annotation        string    `json:"annotation,omitempty"`
}

// Score is the decayed confidence at t. Decay is exponential in the kind's
// half-life; law rules hold their confidence indefinitely.
func (r *Rule) Score(t time.Time) float64 {
	hl := HalfLifeDays(r.Kind)
	if hl <= 0 {
		return r.Confidence
	}
	age := t.Sub(r.LastUsed).Hours() / 24
	if age <= 0 {
		return r.Confidence
	}
	return r.Confidence * math.Pow(0.5, age/hl)
}

// Live reports whether the rule still clears the score floor at t.
func (r *Rule) Live(t time.Time) bool { return r.Score(t) > scoreFloor }

// JournalEvent is one L1 episodic entry.
type JournalEvent struct {
	ID        string            `json:"id"`
	At        time.Time         `json:"at"`
	ClientID  string            `json:"client_id,omitempty"`
	Kind      string            `json:"kind"`
	SubjectID string            `json:"subject_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// PreferencePair is one L3 training example. Both sides are canonical JSON
// of the booking so the dataset survives model swaps untouched.
type PreferencePair struct {
	ID            string    `json:"id"`
	PromptContext string    `json:"prompt_context"`
	Chosen        string    `json:"chosen"`
	Rejected      string    `json:"rejected"`
	BookingID     string    `json:"booking_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists the three layers. internal/store provides the Postgres
// implementation; NewInMemStore backs the tests.
type Store interface {
	RulesByPrefix(ctx context.Context, clientID, supplierID, docClass string) ([]*Rule, error)
	RulesByKey(ctx context.Context, key RuleKey) ([]*Rule, error)
	RuleByID(ctx context.Context, id string) (*Rule, error)
	PutRule(ctx context.Context, r *Rule) error
	AppendJournal(ctx context.Context, ev *JournalEvent) error
	JournalSince(ctx context.Context, clientID string, since time.Time) ([]*JournalEvent, error)
	PruneJournal(ctx context.Context, before time.Time) (int, error)
	AppendPair(ctx context.Context, p *PreferencePair) error
	PairsSince(ctx context.Context, since time.Time) ([]*PreferencePair, error)

	// Correction tallies back the k-concurrence rule for rule creation.
	CountCorrections(ctx context.Context, key RuleKey, signature string) (int, error)
	RecordCorrectionEvent(ctx context.Context, key RuleKey, signature string, at time.Time) error
}

// Memory coordinates the layers. Writes to one rule key are serialized by a
// per-key lock so concurrent corrections cannot interleave reinforcement.
type Memory struct {
	store     Store
	chain     *audit.Log
	log       *slog.Logger
	now       func() time.Time
	retention time.Duration
	k         int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option tweaks construction; the defaults match production policy.
type Option func(*Memory)

func WithClock(now func() time.Time) Option { return func(m *Memory) { m.now = now } }
func WithRetention(d time.Duration) Option  { return func(m *Memory) { m.retention = d } }
func WithConcurrenceThreshold(k int) Option { return func(m *Memory) { m.k = k } }
func WithLogger(log *slog.Logger) Option    { return func(m *Memory) { m.log = log } }

// WithAudit chains rule creation and conflict events onto the audit log.
func WithAudit(chain *audit.Log) Option { return func(m *Memory) { m.chain = chain } }

func New(store Store, opts ...Option) *Memory {
	m := &Memory{
		store:     store,
		log:       slog.Default(),
		now:       time.Now,
		retention: 30 * 24 * time.Hour,
		k:         3,
		locks:     map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) lock(key RuleKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key.String()] = l
	}
	return l
}

// FeatureHash folds the salient document features into the L2 key. The
// feature set is sorted so hashing is order-independent.
func FeatureHash(features []string) string {
	norm := make([]string, 0, len(features))
	for _, f := range features {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			norm = append(norm, f)
		}
	}
	sort.Strings(norm)
	sum := sha256.Sum256([]byte(strings.Join(norm, "\x1f")))
	return hex.EncodeToString(sum[:8])
}

// Suggest returns the live rules for the lookup key ordered by decayed
// score, best first. Conflicted rules are returned too; the caller decides
// whether a conflict blocks the proposal.
func (m *Memory) Suggest(ctx context.Context, clientID, supplierID, docClass string) ([]*Rule, error) {
	rules, err := m.store.RulesByPrefix(ctx, clientID, supplierID, docClass)
	if err != nil {
		return nil, fmt.Errorf("memory suggest: %w", err)
	}
	now := m.now()
	live := rules[:0]
	for _, r := range rules {
		if r.Live(now) {
			live = append(live, r)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].Score(now) > live[j].Score(now) })
	return live, nil
}

// correctionSignature is what the operator changed: the account set and VAT
// class of the approved booking. Identical signatures concur; different
// signatures conflict.
func correctionSignature(accounts []string, vatClass string) string {
	s := append([]string(nil), accounts...)
	sort.Strings(s)
	return strings.Join(s, ",") + "#" + vatClass
}

// RecordCorrection learns from an operator correction. The first k-1
// concurring corrections only tally; the k-th creates the rule. Later
// identical corrections reinforce monotonically. A correction that
// contradicts an existing rule splits: the old rule keeps its value but is
// annotated, and the tally for the new signature starts fresh.
func (m *Memory) RecordCorrection(ctx context.Context, key RuleKey, kind RuleKind, accounts []string, vatClass, bookingID string) (*Rule, error) {
	l := m.lock(key)
	l.Lock()
	defer l.Unlock()

	now := m.now()
	sig := correctionSignature(accounts, vatClass)

	existing, err := m.store.RulesByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("memory correction: %w", err)
	}
	for _, r := range existing {
		if correctionSignature(r.SuggestedAccounts, r.VATClass) != sig {
			continue
		}
		// Concurring correction: reinforcement only strengthens.
		r.Hits++
		r.Confidence = math.Min(1, r.Confidence+0.05)
		r.LastUsed = now
		if err := m.store.PutRule(ctx, r); err != nil {
			return nil, fmt.Errorf("memory reinforce: %w", err)
		}
		return r, nil
	}
	// All existing rules for the key disagree with this correction.
	// Annotate them; never weaken a rule in place.
	for _, r := range existing {
		if r.Conflict {
			continue
		}
		r.Conflict = true
		r.Annotation = "conflicting correction observed " + now.Format("2006-01-02")
		if err := m.store.PutRule(ctx, r); err != nil {
			return nil, fmt.Errorf("memory conflict mark: %w", err)
		}
		m.log.Warn("l2 rule conflict", "key", key.String(), "booking", bookingID)
		m.auditEvent(ctx, "memory.rule_conflict", key.String(), map[string]string{
			"rule_id": r.ID, "booking_id": bookingID,
		})
	}

	if err := m.store.RecordCorrectionEvent(ctx, key, sig, now); err != nil {
		return nil, fmt.Errorf("memory correction tally: %w", err)
	}
	n, err := m.store.CountCorrections(ctx, key, sig)
	if err != nil {
		return nil, fmt.Errorf("memory correction count: %w", err)
	}
	if n < m.k {
		return nil, nil
	}

	rule := &Rule{
		ID:                uuid.NewString(),
		Key:               key,
		Kind:              kind,
		SuggestedAccounts: append([]string(nil), accounts...),
		VATClass:          vatClass,
		Confidence:        0.6,
		Hits:              n,
		LastUsed:          now,
		CreatedFrom:       bookingID,
	}
	if len(existing) > 0 {
		rule.Conflict = true
		rule.Annotation = "split from conflicted rule " + existing[0].ID
	}
	if err := m.store.PutRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("memory rule create: %w", err)
	}
	m.log.Info("l2 rule created", "key", key.String(), "kind", kind, "hits", n)
	m.auditEvent(ctx, "memory.rule_created", rule.ID, map[string]string{
		"key": key.String(), "kind": string(kind), "booking_id": bookingID,
	})
	return rule, nil
}

// auditEvent records a rule lifecycle event. The learning write has already
// happened; a failed audit append is logged, not propagated.
func (m *Memory) auditEvent(ctx context.Context, kind, subjectID string, payload map[string]string) {
	if m.chain == nil {
		return
	}
	if _, err := m.chain.Append(ctx, "memory", kind, subjectID, payload); err != nil {
		m.log.Warn("memory audit append failed", "kind", kind, "err", err)
	}
}

// Touch marks a rule as used so decay restarts from now.
func (m *Memory) Touch(ctx context.Context, id string) error {
	r, err := m.store.RuleByID(ctx, id)
	if err != nil {
		return err
	}
	l := m.lock(r.Key)
	l.Lock()
	defer l.Unlock()

	r.Hits++
	r.LastUsed = m.now()
	return m.store.PutRule(ctx, r)
}

// Journal appends an L1 episodic event.
func (m *Memory) Journal(ctx context.Context, ev *JournalEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	return m.store.AppendJournal(ctx, ev)
}

// JournalSince reads back a client's recent episodes.
func (m *Memory) JournalSince(ctx context.Context, clientID string, since time.Time) ([]*JournalEvent, error) {
	return m.store.JournalSince(ctx, clientID, since)
}

// PruneL1 enforces the episodic retention policy.
func (m *Memory) PruneL1(ctx context.Context) (int, error) {
	n, err := m.store.PruneJournal(ctx, m.now().Add(-m.retention))
	if err == nil && n > 0 {
		m.log.Info("l1 pruned", "removed", n)
	}
	return n, err
}

// RecordPreferencePair appends the (approved, proposed-but-corrected) pair
// to L3 in canonical encoding.
func (m *Memory) RecordPreferencePair(ctx context.Context, promptContext string, approved, proposed *domain.Booking) (*PreferencePair, error) {
	chosen, err := approved.Canonical()
	if err != nil {
		return nil, fmt.Errorf("preference pair chosen: %w", err)
	}
	rejected, err := proposed.Canonical()
	if err != nil {
		return nil, fmt.Errorf("preference pair rejected: %w", err)
	}
	p := &PreferencePair{
		ID:            uuid.NewString(),
		PromptContext: promptContext,
		Chosen:        string(chosen),
		Rejected:      string(rejected),
		BookingID:     approved.ID,
		CreatedAt:     m.now(),
	}
	if err := m.store.AppendPair(ctx, p); err != nil {
		return nil, fmt.Errorf("preference pair append: %w", err)
	}
	return p, nil
}

// PreferencePairsSince exposes the L3 dataset to the nightly export job.
func (m *Memory) PreferencePairsSince(ctx context.Context, since time.Time) ([]*PreferencePair, error) {
	return m.store.PairsSince(ctx, since)
}
