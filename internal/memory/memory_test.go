package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontomat/backend/internal/audit"
)

var testKey = RuleKey{ClientID: "c1", SupplierID: "s1", DocClass: "invoice_in", FeatureHash: "abc"}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestRuleCreatedAfterKConcurringCorrections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(NewInMemStore(), WithClock(fixedClock(now)), WithConcurrenceThreshold(3))

	r, err := m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"7000"}, "25", "b1")
	require.NoError(t, err)
	assert.Nil(t, r, "first correction only tallies")

	r, err = m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"7000"}, "25", "b2")
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"7000"}, "25", "b3")
	require.NoError(t, err)
	require.NotNil(t, r, "third concurring correction creates the rule")
	assert.Equal(t, []string{"7000"}, r.SuggestedAccounts)
	assert.Equal(t, 3, r.Hits)
	assert.False(t, r.Conflict)
}

func TestRuleLifecycleIsAudited(t *testing.T) {
	ctx := context.Background()
	chain, err := audit.New(ctx, audit.NewInMemStore(), nil)
	require.NoError(t, err)
	m := New(NewInMemStore(), WithConcurrenceThreshold(1), WithAudit(chain))

	r, err := m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"7000"}, "25", "b1")
	require.NoError(t, err)
	require.NotNil(t, r)

	// A contradicting correction marks the conflict and splits a new rule.
	_, err = m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"4100"}, "13", "b2")
	require.NoError(t, err)

	evs, err := chain.Events(ctx, 1, 0)
	require.NoError(t, err)
	var kinds []string
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, "memory.rule_created")
	assert.Contains(t, kinds, "memory.rule_conflict")
}

func TestReinforcementIsMonotonic(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(NewInMemStore(), WithClock(fixedClock(now)), WithConcurrenceThreshold(1))

	r, err := m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"7000"}, "25", "b1")
	require.NoError(t, err)
	require.NotNil(t, r)
	base := r.Confidence

	for i := 0; i < 20; i++ {
		next, err := m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"7000"}, "25", "bN")
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.GreaterOrEqual(t, next.Confidence, base)
		assert.LessOrEqual(t, next.Confidence, 1.0)
		base = next.Confidence
	}
}

func TestConflictingCorrectionSplits(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemStore()
	m := New(store, WithClock(fixedClock(now)), WithConcurrenceThreshold(1))

	first, err := m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"7000"}, "25", "b1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// A different account for the same key conflicts and splits.
	second, err := m.RecordCorrection(ctx, testKey, KindKontiranje, []string{"7200"}, "25", "b2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.True(t, second.Conflict)
	assert.NotEmpty(t, second.Annotation)
}

func TestDecayAndFloor(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := &Rule{Kind: KindClientPref, Confidence: 0.6, LastUsed: now}

	assert.InDelta(t, 0.6, r.Score(now), 1e-9)
	// One half-life for client_pref is 90 days.
	assert.InDelta(t, 0.3, r.Score(now.AddDate(0, 0, 90)), 1e-9)
	assert.True(t, r.Live(now.AddDate(0, 0, 90)))
	// Two half-lives: 0.15, at the floor and no longer live.
	assert.False(t, r.Live(now.AddDate(0, 0, 180)))

	law := &Rule{Kind: KindLaw, Confidence: 0.9, LastUsed: now}
	assert.InDelta(t, 0.9, law.Score(now.AddDate(10, 0, 0)), 1e-9)
}

func TestSuggestOrdersByDecayedScore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := NewInMemStore()
	m := New(store, WithClock(fixedClock(now)))

	fresh := &Rule{ID: "fresh", Key: testKey, Kind: KindKontiranje,
		SuggestedAccounts: []string{"7000"}, Confidence: 0.6, LastUsed: now}
	staleKey := testKey
	staleKey.FeatureHash = "def"
	stale := &Rule{ID: "stale", Key: staleKey, Kind: KindKontiranje,
		SuggestedAccounts: []string{"7200"}, Confidence: 0.9, LastUsed: now.AddDate(-3, 0, 0)}
	deadKey := testKey
	deadKey.FeatureHash = "ghi"
	dead := &Rule{ID: "dead", Key: deadKey, Kind: KindClientPref,
		Confidence: 0.6, LastUsed: now.AddDate(-2, 0, 0)}
	require.NoError(t, store.PutRule(ctx, fresh))
	require.NoError(t, store.PutRule(ctx, stale))
	require.NoError(t, store.PutRule(ctx, dead))

	out, err := m.Suggest(ctx, "c1", "s1", "invoice_in")
	require.NoError(t, err)
	require.Len(t, out, 2, "rule under the floor is dropped")
	assert.Equal(t, "fresh", out[0].ID)
	assert.Equal(t, "stale", out[1].ID)
}

func TestJournalRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	m := New(NewInMemStore(), WithClock(fixedClock(now)), WithRetention(30*24*time.Hour))

	require.NoError(t, m.Journal(ctx, &JournalEvent{ClientID: "c1", Kind: "booking_proposed", At: now.AddDate(0, 0, -45)}))
	require.NoError(t, m.Journal(ctx, &JournalEvent{ClientID: "c1", Kind: "booking_approved", At: now.AddDate(0, 0, -5)}))

	removed, err := m.PruneL1(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	left, err := m.JournalSince(ctx, "c1", time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "booking_approved", left[0].Kind)
}

func TestFeatureHashOrderIndependent(t *testing.T) {
	a := FeatureHash([]string{"uredski materijal", "hp", " Toner "})
	b := FeatureHash([]string{"toner", "HP", "uredski materijal"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, FeatureHash([]string{"gorivo"}))
}
