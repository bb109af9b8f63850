package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/domain"
)

// Kind selects the prompt budget and routing for a call.
type Kind string

const (
	KindChat      Kind = "chat"
	KindExtract   Kind = "extract"
	KindClassify  Kind = "classify"
	KindVisionOCR Kind = "vision_ocr"
)

// ErrCancelled is the sentinel closing a partial stream after the caller
// cancelled or the deadline elapsed.
var ErrCancelled = errors.New("inference cancelled")

// ErrVisionUnavailable marks a failed vision lazy-load. Non-fatal: other
// call kinds are unaffected.
var ErrVisionUnavailable = errors.New("vision model unavailable")

// Request is one inference call.
type Request struct {
	Kind   Kind
	System string
	Prompt string
	UserID string
	// Stream selects a token stream instead of a completed response.
	Stream bool
	// ReserveTokens overrides the estimated context reservation.
	ReserveTokens int
}

// Token is one stream element. A stream ends after an element with Err set
// (ErrCancelled on cancellation) or by channel close on normal completion.
type Token struct {
	Text string
	Err  error
}

// Response is the call result. Tokens is non-nil only for streamed calls;
// Usage for those arrives via the final accounting callback instead.
type Response struct {
	Text   string
	Tokens <-chan Token
	Usage  Usage
}

// Config bounds the orchestrator envelope.
type Config struct {
	MaxSessions int
	QueueLen    int
	// TokenBudget is T, the total prompt tokens admitted in flight.
	TokenBudget int
	// PromptBudgets caps the prompt size per kind, in estimated tokens.
	PromptBudgets map[Kind]int
	// CompletionBudgets caps max_tokens per kind.
	CompletionBudgets map[Kind]int
	// UserRate is the per-user request rate (requests per second, burst 2x).
	UserRate float64
	// RetryAfter is the hint returned with Overloaded.
	RetryAfter time.Duration
	// PrefixCacheSize bounds the prompt-prefix LRU.
	PrefixCacheSize int
	// VisionIdle unloads the vision model after this inactivity window.
	VisionIdle time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 15
	}
	if c.QueueLen <= 0 {
		c.QueueLen = 32
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 32768
	}
	if c.UserRate <= 0 {
		c.UserRate = 2
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 15 * time.Second
	}
	if c.PrefixCacheSize <= 0 {
		c.PrefixCacheSize = 64
	}
	if c.VisionIdle <= 0 {
		c.VisionIdle = 5 * time.Minute
	}
	if c.PromptBudgets == nil {
		c.PromptBudgets = map[Kind]int{
			KindChat: 8192, KindExtract: 16384, KindClassify: 8192, KindVisionOCR: 24576,
		}
	}
	if c.CompletionBudgets == nil {
		c.CompletionBudgets = map[Kind]int{
			KindChat: 1024, KindExtract: 2048, KindClassify: 512, KindVisionOCR: 4096,
		}
	}
}

// backendBox wraps the interface for atomic.Pointer.
type backendBox struct{ b Backend }

// Orchestrator is the bounded-concurrency gateway to the models. Scheduling
// is cooperative: a semaphore caps in-flight slots, excess callers queue
// FIFO up to QueueLen, and everything beyond that is rejected with a
// retry-after hint.
type Orchestrator struct {
	cfg   Config
	log   *slog.Logger
	chain *audit.Log
	slot  chan struct{}

	waiting atomic.Int64
	budget  *tokenBudget
	cache   *prefixCache
	vision  *visionManager

	primary atomic.Pointer[backendBox]

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	swapMu sync.Mutex
}

// VisionLoader lazily brings the vision model up and tears it down.
type VisionLoader func(ctx context.Context) (Backend, error)

func New(primary Backend, visionLoad VisionLoader, cfg Config, log *slog.Logger) *Orchestrator {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		log:      log,
		slot:     make(chan struct{}, cfg.MaxSessions),
		budget:   newTokenBudget(cfg.TokenBudget),
		cache:    newPrefixCache(cfg.PrefixCacheSize),
		limiters: map[string]*rate.Limiter{},
	}
	o.primary.Store(&backendBox{b: primary})
	o.vision = newVisionManager(visionLoad, cfg.VisionIdle, log)
	return o
}

// SetAudit chains model swap outcomes onto the audit log.
func (o *Orchestrator) SetAudit(chain *audit.Log) { o.chain = chain }

func (o *Orchestrator) backend(kind Kind) (Backend, error) {
	if kind == KindVisionOCR {
		return nil, errors.New("vision backend resolved separately")
	}
	return o.primary.Load().b, nil
}

// EstimateTokens is the admission heuristic: about four bytes per token.
func EstimateTokens(s string) int { return len(s)/4 + 1 }

func overloaded(retryAfter time.Duration) error {
	return &domain.Error{
		Code:          domain.CodeOverloaded,
		Message:       "inference queue full",
		RetryAfterSec: int(retryAfter.Seconds()),
	}
}

func (o *Orchestrator) allowUser(userID string) bool {
	if userID == "" {
		return true
	}
	o.limMu.Lock()
	lim, ok := o.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(o.cfg.UserRate), int(o.cfg.UserRate*2)+1)
		o.limiters[userID] = lim
	}
	o.limMu.Unlock()
	return lim.Allow()
}

// acquire admits the caller to a slot, queueing FIFO up to the bound.
func (o *Orchestrator) acquire(ctx context.Context) (release func(), err error) {
	select {
	case o.slot <- struct{}{}:
		return func() { <-o.slot }, nil
	default:
	}
	if o.waiting.Add(1) > int64(o.cfg.QueueLen) {
		o.waiting.Add(-1)
		return nil, overloaded(o.cfg.RetryAfter)
	}
	defer o.waiting.Add(-1)
	select {
	case o.slot <- struct{}{}:
		return func() { <-o.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Infer runs one call end to end: admission, budget reservation, backend
// call, one jittered retry on transient failure.
func (o *Orchestrator) Infer(ctx context.Context, req Request) (*Response, error) {
	if !o.allowUser(req.UserID) {
		return nil, domain.E(domain.CodeQuota, "per-user inference rate exceeded")
	}
	promptTokens := EstimateTokens(req.System) + EstimateTokens(req.Prompt)
	if budget, ok := o.cfg.PromptBudgets[req.Kind]; ok && promptTokens > budget {
		return nil, domain.E(domain.CodeInput,
			fmt.Sprintf("prompt exceeds %s budget (%d > %d tokens)", req.Kind, promptTokens, budget))
	}

	release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}

	reserve := req.ReserveTokens
	if reserve <= 0 {
		reserve = promptTokens + o.cfg.CompletionBudgets[req.Kind]
	}
	if err := o.budget.reserve(ctx, reserve); err != nil {
		release()
		return nil, err
	}
	cleanup := func() {
		o.budget.release(reserve)
		release()
	}

	o.cache.touch(req.System)

	var backend Backend
	if req.Kind == KindVisionOCR {
		backend, err = o.vision.get(ctx)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: %v", ErrVisionUnavailable, err)
		}
	} else {
		backend, err = o.backend(req.Kind)
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	maxTokens := o.cfg.CompletionBudgets[req.Kind]
	if req.Stream {
		return o.stream(ctx, backend, req, maxTokens, cleanup)
	}
	defer cleanup()

	text, usage, err := backend.Complete(ctx, req.System, req.Prompt, maxTokens)
	if err != nil && transient(err) {
		jitter := time.Duration(250+rand.Intn(500)) * time.Millisecond
		o.log.Warn("inference retry", "kind", req.Kind, "backoff", jitter, "err", err)
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		text, usage, err = backend.Complete(ctx, req.System, req.Prompt, maxTokens)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &domain.Error{Code: domain.CodeInference,
			Message: fmt.Sprintf("inference failed (%s)", req.Kind), Err: err}
	}
	return &Response{Text: text, Usage: usage}, nil
}

// stream hands the caller a channel fed token by token. The slot and budget
// are held until the stream finishes or the caller cancels.
func (o *Orchestrator) stream(ctx context.Context, backend Backend, req Request, maxTokens int, cleanup func()) (*Response, error) {
	out := make(chan Token, 16)
	raw := make(chan string, 16)

	go func() {
		defer cleanup()
		defer close(out)

		done := make(chan struct{})
		var usage Usage
		var streamErr error
		go func() {
			defer close(done)
			defer close(raw)
			usage, streamErr = backend.Stream(ctx, req.System, req.Prompt, maxTokens, raw)
		}()

		for tok := range raw {
			select {
			case out <- Token{Text: tok}:
			case <-ctx.Done():
				// Drain the producer so it can exit, then emit the sentinel.
				go func() {
					for range raw {
					}
				}()
				out <- Token{Err: ErrCancelled}
				return
			}
		}
		<-done
		if usage.TotalTokens > 0 {
			o.log.Debug("stream usage", "kind", req.Kind, "tokens", usage.TotalTokens)
		}
		if streamErr != nil {
			if ctx.Err() != nil {
				out <- Token{Err: ErrCancelled}
				return
			}
			out <- Token{Err: &domain.Error{Code: domain.CodeInference,
				Message: fmt.Sprintf("inference failed (%s)", req.Kind), Err: streamErr}}
		}
	}()
	return &Response{Tokens: out}, nil
}

// Transcribe satisfies the vision OCR contract of the extractor fabric.
func (o *Orchestrator) Transcribe(ctx context.Context, data []byte, mediaType string) (string, error) {
	resp, err := o.Infer(ctx, Request{
		Kind:   KindVisionOCR,
		System: "Transcribe the document exactly. Preserve every number, date and identifier verbatim. Output plain text only.",
		Prompt: VisionPrompt(data, mediaType),
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Embed proxies to the primary model's embedding surface for the RAG index.
func (o *Orchestrator) Embed(ctx context.Context, text string) ([]float32, error) {
	return o.primary.Load().b.Embed(ctx, text)
}

// SwapTo replaces the primary model: drain in-flight, atomically replace
// the handle, then verify liveness with a probe prompt. On probe failure
// the old handle is restored.
func (o *Orchestrator) SwapTo(ctx context.Context, next Backend) error {
	o.swapMu.Lock()
	defer o.swapMu.Unlock()

	// Drain: take every slot so no request is in flight.
	taken := 0
	for taken < o.cfg.MaxSessions {
		select {
		case o.slot <- struct{}{}:
			taken++
		case <-ctx.Done():
			for ; taken > 0; taken-- {
				<-o.slot
			}
			return ctx.Err()
		}
	}
	defer func() {
		for ; taken > 0; taken-- {
			<-o.slot
		}
	}()

	old := o.primary.Swap(&backendBox{b: next})
	if err := next.Ping(ctx); err != nil {
		o.primary.Store(old)
		o.auditSwap(ctx, "model.swap_failed", map[string]string{
			"from": old.b.Name(), "to": next.Name(), "error": err.Error(),
		})
		return fmt.Errorf("swap probe failed, previous model restored: %w", err)
	}
	o.log.Info("primary model swapped", "from", old.b.Name(), "to", next.Name())
	o.auditSwap(ctx, "model.swap", map[string]string{
		"from": old.b.Name(), "to": next.Name(),
	})
	return nil
}

func (o *Orchestrator) auditSwap(ctx context.Context, kind string, payload map[string]string) {
	if o.chain == nil {
		return
	}
	if _, err := o.chain.Append(ctx, "inference", kind, payload["to"], payload); err != nil {
		o.log.Warn("swap audit append failed", "err", err)
	}
}

// CacheStats exposes prompt-prefix cache effectiveness for metrics.
func (o *Orchestrator) CacheStats() (hits, misses uint64) { return o.cache.stats() }

// InFlight reports occupied slots and queued waiters.
func (o *Orchestrator) InFlight() (slots int, queued int) {
	return len(o.slot), int(o.waiting.Load())
}

func transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
