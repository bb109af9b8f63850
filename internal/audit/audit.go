// Package audit is the append-only, hash-chained event log. Every pipeline
// transition, operator decision and export lands here; verifying the chain
// detects any later mutation of history.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/kontomat/backend/internal/domain"
)

// Event is one chained record. Hash = SHA-256(prev_hash || canonical(payload)).
type Event struct {
	Seq         uint64          `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	Actor       string          `json:"actor"`
	Kind        string          `json:"kind"`
	SubjectID   string          `json:"subject_id"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
}

// genesisHash anchors seq 1. A fixed anchor keeps verification total.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Store persists events. Append must be atomic and keep seq dense.
type Store interface {
	AppendEvent(ctx context.Context, ev *Event) error
	LastEvent(ctx context.Context) (*Event, error)
	EventsRange(ctx context.Context, fromSeq, toSeq uint64) ([]*Event, error)
}

// Log is the chain writer. A detected break poisons the log: further writes
// are refused until an operator investigates and re-anchors.
type Log struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
	poisoned error
}

func New(ctx context.Context, store Store, log *slog.Logger) (*Log, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Log{store: store, log: log, now: time.Now, lastHash: genesisHash}
	last, err := store.LastEvent(ctx)
	if err != nil && !domain.IsCode(err, domain.CodeNotFound) {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	if last != nil {
		l.lastSeq = last.Seq
		l.lastHash = last.Hash
	}
	return l, nil
}

// canonical renders the payload in canonical JSON so the hash is stable
// across encoders.
func canonical(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func chainHash(prevHash string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// Append writes the next chained event. The caller's payload is stored in
// canonical form; the sequence is dense and the hash links to the
// predecessor.
func (l *Log) Append(ctx context.Context, actor, kind, subjectID string, payload any) (*Event, error) {
	canon, err := canonical(payload)
	if err != nil {
		return nil, &domain.Error{Code: domain.CodeAudit, Message: "payload not canonicalizable", Err: err}
	}
	sum := sha256.Sum256(canon)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned != nil {
		return nil, &domain.Error{Code: domain.CodeAudit,
			Message: "audit chain integrity failure, writes refused", Err: l.poisoned}
	}

	ev := &Event{
		Seq:         l.lastSeq + 1,
		Timestamp:   l.now().UTC(),
		Actor:       actor,
		Kind:        kind,
		SubjectID:   subjectID,
		Payload:     canon,
		PayloadHash: hex.EncodeToString(sum[:]),
		PrevHash:    l.lastHash,
		Hash:        chainHash(l.lastHash, canon),
	}
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return nil, &domain.Error{Code: domain.CodeAudit, Message: "audit append failed", Err: err}
	}
	l.lastSeq = ev.Seq
	l.lastHash = ev.Hash
	return ev, nil
}

// Verify walks the stored chain over [fromSeq, toSeq] and reports the first
// break. toSeq 0 means up to the head. A break poisons the writer.
func (l *Log) Verify(ctx context.Context, fromSeq, toSeq uint64) error {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 {
		l.mu.Lock()
		toSeq = l.lastSeq
		l.mu.Unlock()
	}
	events, err := l.store.EventsRange(ctx, fromSeq, toSeq)
	if err != nil {
		return fmt.Errorf("audit verify read: %w", err)
	}

	prevHash := genesisHash
	if fromSeq > 1 {
		prev, err := l.store.EventsRange(ctx, fromSeq-1, fromSeq-1)
		if err != nil || len(prev) != 1 {
			return l.poison(fmt.Errorf("audit verify: predecessor of seq %d missing", fromSeq))
		}
		prevHash = prev[0].Hash
	}

	expectSeq := fromSeq
	for _, ev := range events {
		if ev.Seq != expectSeq {
			return l.poison(fmt.Errorf("audit chain gap: expected seq %d, got %d", expectSeq, ev.Seq))
		}
		if ev.PrevHash != prevHash {
			return l.poison(fmt.Errorf("audit chain break at seq %d: prev_hash mismatch", ev.Seq))
		}
		if chainHash(prevHash, ev.Payload) != ev.Hash {
			return l.poison(fmt.Errorf("audit chain break at seq %d: payload mutated", ev.Seq))
		}
		prevHash = ev.Hash
		expectSeq++
	}
	if expectSeq != toSeq+1 {
		return l.poison(fmt.Errorf("audit chain truncated: expected through seq %d, got %d", toSeq, expectSeq-1))
	}
	return nil
}

func (l *Log) poison(err error) error {
	l.mu.Lock()
	l.poisoned = err
	l.mu.Unlock()
	l.log.Error("audit chain integrity failure", "err", err)
	return &domain.Error{Code: domain.CodeAudit, Message: "audit chain integrity failure", Err: err}
}

// Events reads a range for the admin surface.
func (l *Log) Events(ctx context.Context, fromSeq, toSeq uint64) ([]*Event, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 {
		l.mu.Lock()
		toSeq = l.lastSeq
		l.mu.Unlock()
	}
	return l.store.EventsRange(ctx, fromSeq, toSeq)
}

// InMemStore backs tests and storeless deployments.
type InMemStore struct {
	mu     sync.RWMutex
	events []*Event
}

func NewInMemStore() *InMemStore { return &InMemStore{} }

func (s *InMemStore) AppendEvent(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) > 0 && s.events[len(s.events)-1].Seq+1 != ev.Seq {
		return fmt.Errorf("non-dense seq %d", ev.Seq)
	}
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *InMemStore) LastEvent(_ context.Context) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, domain.E(domain.CodeNotFound, "empty audit log")
	}
	cp := *s.events[len(s.events)-1]
	return &cp, nil
}

func (s *InMemStore) EventsRange(_ context.Context, fromSeq, toSeq uint64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, ev := range s.events {
		if ev.Seq >= fromSeq && ev.Seq <= toSeq {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Tamper is a test hook: it mutates a stored event in place to simulate
// hostile modification of history.
func (s *InMemStore) Tamper(seq uint64, mutate func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Seq == seq {
			mutate(ev)
			return
		}
	}
}
