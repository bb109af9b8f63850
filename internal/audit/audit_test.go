package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontomat/backend/internal/domain"
)

func newLog(t *testing.T) (*Log, *InMemStore) {
	t.Helper()
	store := NewInMemStore()
	l, err := New(context.Background(), store, nil)
	require.NoError(t, err)
	return l, store
}

func TestAppendChainsAndVerifies(t *testing.T) {
	ctx := context.Background()
	l, _ := newLog(t)

	first, err := l.Append(ctx, "pipeline", "booking_proposed", "b1", map[string]any{"state": "PROPOSED"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, genesisHash, first.PrevHash)

	second, err := l.Append(ctx, "user:ana", "booking_approved", "b1", map[string]any{"state": "APPROVED"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	require.NoError(t, l.Verify(ctx, 0, 0))
}

func TestCanonicalPayloadIsKeyOrderStable(t *testing.T) {
	ctx := context.Background()
	l1, _ := newLog(t)
	l2, _ := newLog(t)

	a, err := l1.Append(ctx, "x", "k", "s", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := l2.Append(ctx, "x", "k", "s", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a.PayloadHash, b.PayloadHash)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(a.Payload))
}

func TestTamperDetectedAndWritesRefused(t *testing.T) {
	ctx := context.Background()
	l, store := newLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "pipeline", "tick", "s", map[string]int{"i": i})
		require.NoError(t, err)
	}

	store.Tamper(3, func(ev *Event) {
		ev.Payload = json.RawMessage(`{"i":99}`)
	})

	err := l.Verify(ctx, 0, 0)
	require.Error(t, err)
	assert.Equal(t, domain.CodeAudit, domain.CodeOf(err))

	_, err = l.Append(ctx, "pipeline", "tick", "s", map[string]int{"i": 6})
	require.Error(t, err, "a broken chain refuses further writes")
	assert.Equal(t, domain.CodeAudit, domain.CodeOf(err))
}

func TestTruncationDetected(t *testing.T) {
	ctx := context.Background()
	l, store := newLog(t)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "pipeline", "tick", "s", map[string]int{"i": i})
		require.NoError(t, err)
	}
	store.mu.Lock()
	store.events = store.events[:2]
	store.mu.Unlock()

	err := l.Verify(ctx, 0, 0)
	require.Error(t, err)
}

func TestVerifySubrange(t *testing.T) {
	ctx := context.Background()
	l, _ := newLog(t)
	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, "pipeline", "tick", "s", map[string]int{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, l.Verify(ctx, 3, 5))
}

func TestResumeFromExistingChain(t *testing.T) {
	ctx := context.Background()
	store := NewInMemStore()
	l1, err := New(ctx, store, nil)
	require.NoError(t, err)
	head, err := l1.Append(ctx, "pipeline", "tick", "s", map[string]int{"i": 0})
	require.NoError(t, err)

	// A restarted writer continues the chain, not a new one.
	l2, err := New(ctx, store, nil)
	require.NoError(t, err)
	next, err := l2.Append(ctx, "pipeline", "tick", "s", map[string]int{"i": 1})
	require.NoError(t, err)
	assert.Equal(t, head.Hash, next.PrevHash)
	assert.Equal(t, uint64(2), next.Seq)
	require.NoError(t, l2.Verify(ctx, 0, 0))
}
