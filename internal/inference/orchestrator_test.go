package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/domain"
)

type fakeBackend struct {
	name    string
	mu      sync.Mutex
	calls   int
	failN   int // fail the first N completions
	block   chan struct{}
	tokens  []string
	pingErr error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Complete(ctx context.Context, _, prompt string, _ int) (string, Usage, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", Usage{}, ctx.Err()
		}
	}
	if n <= f.failN {
		return "", Usage{}, errors.New("model stall")
	}
	return "echo:" + prompt, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func (f *fakeBackend) Stream(ctx context.Context, _, _ string, _ int, out chan<- string) (Usage, error) {
	for _, t := range f.tokens {
		select {
		case out <- t:
		case <-ctx.Done():
			return Usage{}, ctx.Err()
		}
		time.Sleep(time.Millisecond)
	}
	return Usage{TotalTokens: len(f.tokens)}, nil
}

func (f *fakeBackend) Embed(context.Context, string) ([]float32, error) { return []float32{1}, nil }
func (f *fakeBackend) Ping(context.Context) error                       { return f.pingErr }

func newTestOrch(b Backend, cfg Config) *Orchestrator {
	return New(b, nil, cfg, nil)
}

func TestInferCompletes(t *testing.T) {
	o := newTestOrch(&fakeBackend{name: "primary"}, Config{})
	resp, err := o.Infer(context.Background(), Request{Kind: KindClassify, Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", resp.Text)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestRetryOnceOnTransient(t *testing.T) {
	fb := &fakeBackend{name: "p", failN: 1}
	o := newTestOrch(fb, Config{})
	resp, err := o.Infer(context.Background(), Request{Kind: KindClassify, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "echo:x", resp.Text)
	assert.Equal(t, 2, fb.calls)
}

func TestPersistentFailureSurfaces(t *testing.T) {
	fb := &fakeBackend{name: "p", failN: 5}
	o := newTestOrch(fb, Config{})
	_, err := o.Infer(context.Background(), Request{Kind: KindClassify, Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInference, domain.CodeOf(err))
	assert.Equal(t, 2, fb.calls, "exactly one retry")
}

func TestOverloadedBeyondQueue(t *testing.T) {
	block := make(chan struct{})
	fb := &fakeBackend{name: "p", block: block}
	o := newTestOrch(fb, Config{MaxSessions: 1, QueueLen: 1, UserRate: 1000})

	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			_, _ = o.Infer(context.Background(), Request{Kind: KindClassify, Prompt: "x"})
		}()
	}
	<-started
	<-started
	// Wait until one call holds the slot and the other occupies the queue.
	require.Eventually(t, func() bool {
		slots, queued := o.InFlight()
		return slots == 1 && queued == 1
	}, time.Second, time.Millisecond)

	_, err := o.Infer(context.Background(), Request{Kind: KindClassify, Prompt: "x"})
	require.Error(t, err)
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.CodeOverloaded, de.Code)
	assert.Greater(t, de.RetryAfterSec, 0)

	close(block)
	wg.Wait()
}

func TestPromptBudgetRejected(t *testing.T) {
	o := newTestOrch(&fakeBackend{name: "p"}, Config{
		PromptBudgets: map[Kind]int{KindChat: 4},
	})
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	_, err := o.Infer(context.Background(), Request{Kind: KindChat, Prompt: string(long)})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInput, domain.CodeOf(err))
}

func TestStreamEndsWithCancelledSentinel(t *testing.T) {
	fb := &fakeBackend{name: "p", tokens: []string{"a", "b", "c", "d", "e", "f"}}
	o := newTestOrch(fb, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	resp, err := o.Infer(ctx, Request{Kind: KindChat, Prompt: "x", Stream: true})
	require.NoError(t, err)

	first := <-resp.Tokens
	require.NoError(t, first.Err)
	cancel()

	var last Token
	for tok := range resp.Tokens {
		last = tok
	}
	assert.ErrorIs(t, last.Err, ErrCancelled)
}

func TestStreamCompletes(t *testing.T) {
	fb := &fakeBackend{name: "p", tokens: []string{"do", "bro", "došli"}}
	o := newTestOrch(fb, Config{})
	resp, err := o.Infer(context.Background(), Request{Kind: KindChat, Prompt: "x", Stream: true})
	require.NoError(t, err)

	var text string
	for tok := range resp.Tokens {
		require.NoError(t, tok.Err)
		text += tok.Text
	}
	assert.Equal(t, "dobrodošli", text)

	// Slot and budget are released after the stream ends.
	require.Eventually(t, func() bool {
		slots, _ := o.InFlight()
		return slots == 0 && o.budget.inUse() == 0
	}, time.Second, time.Millisecond)
}

func TestVisionUnavailableIsNonFatal(t *testing.T) {
	o := New(&fakeBackend{name: "p"}, func(context.Context) (Backend, error) {
		return nil, errors.New("no vram")
	}, Config{}, nil)

	_, err := o.Infer(context.Background(), Request{Kind: KindVisionOCR, Prompt: "img"})
	assert.ErrorIs(t, err, ErrVisionUnavailable)

	resp, err := o.Infer(context.Background(), Request{Kind: KindChat, Prompt: "still fine"})
	require.NoError(t, err)
	assert.Equal(t, "echo:still fine", resp.Text)
}

func TestVisionLazyLoadAndIdleUnload(t *testing.T) {
	loads := 0
	o := New(&fakeBackend{name: "p"}, func(context.Context) (Backend, error) {
		loads++
		return &fakeBackend{name: "vision"}, nil
	}, Config{VisionIdle: 20 * time.Millisecond}, nil)

	_, err := o.Infer(context.Background(), Request{Kind: KindVisionOCR, Prompt: "img"})
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	_, err = o.Infer(context.Background(), Request{Kind: KindVisionOCR, Prompt: "img"})
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "second call reuses the loaded model")

	require.Eventually(t, func() bool {
		o.vision.mu.Lock()
		defer o.vision.mu.Unlock()
		return o.vision.backend == nil
	}, time.Second, 5*time.Millisecond)

	_, err = o.Infer(context.Background(), Request{Kind: KindVisionOCR, Prompt: "img"})
	require.NoError(t, err)
	assert.Equal(t, 2, loads, "idle unload forces a reload")
}

func TestSwapToProbesAndRestores(t *testing.T) {
	old := &fakeBackend{name: "old"}
	o := newTestOrch(old, Config{MaxSessions: 2})

	bad := &fakeBackend{name: "bad", pingErr: errors.New("dead")}
	err := o.SwapTo(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, "old", o.primary.Load().b.Name(), "failed probe restores the old handle")

	good := &fakeBackend{name: "new"}
	require.NoError(t, o.SwapTo(context.Background(), good))
	assert.Equal(t, "new", o.primary.Load().b.Name())

	resp, err := o.Infer(context.Background(), Request{Kind: KindChat, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "echo:x", resp.Text)
}

func TestSwapOutcomesAudited(t *testing.T) {
	ctx := context.Background()
	chain, err := audit.New(ctx, audit.NewInMemStore(), nil)
	require.NoError(t, err)

	o := newTestOrch(&fakeBackend{name: "old"}, Config{MaxSessions: 2})
	o.SetAudit(chain)

	require.Error(t, o.SwapTo(ctx, &fakeBackend{name: "bad", pingErr: errors.New("dead")}))
	require.NoError(t, o.SwapTo(ctx, &fakeBackend{name: "new"}))

	evs, err := chain.Events(ctx, 1, 0)
	require.NoError(t, err)
	var kinds []string
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, "model.swap_failed")
	assert.Contains(t, kinds, "model.swap")
}

func TestPrefixCacheStats(t *testing.T) {
	o := newTestOrch(&fakeBackend{name: "p"}, Config{})
	sys := "you are an accountant"
	for i := 0; i < 3; i++ {
		_, err := o.Infer(context.Background(), Request{Kind: KindClassify, System: sys, Prompt: "x"})
		require.NoError(t, err)
	}
	hits, misses := o.CacheStats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestTokenBudgetBlocksAndCancels(t *testing.T) {
	b := newTokenBudget(100)
	require.NoError(t, b.reserve(context.Background(), 80))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.reserve(ctx, 50)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- b.reserve(context.Background(), 50) }()
	b.release(80)
	require.NoError(t, <-done)
	assert.Equal(t, 50, b.inUse())
}
