package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kontomat/backend/internal/domain"
)

// InMemStore is the map-backed Store used by tests and by deployments that
// run without Postgres.
type InMemStore struct {
	mu      sync.RWMutex
	rules   map[string]*Rule
	journal []*JournalEvent
	pairs   []*PreferencePair
	tallies map[string]int // key.String() + "#" + signature
}

func NewInMemStore() *InMemStore {
	return &InMemStore{
		rules:   map[string]*Rule{},
		tallies: map[string]int{},
	}
}

func (s *InMemStore) RulesByPrefix(_ context.Context, clientID, supplierID, docClass string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.Key.ClientID != clientID || r.Key.DocClass != docClass {
			continue
		}
		if supplierID != "" && r.Key.SupplierID != "" && r.Key.SupplierID != supplierID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemStore) RulesByKey(_ context.Context, key RuleKey) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.Key == key {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemStore) RuleByID(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "rule not found")
	}
	cp := *r
	return &cp, nil
}

func (s *InMemStore) PutRule(_ context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *InMemStore) AppendJournal(_ context.Context, ev *JournalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, ev)
	return nil
}

func (s *InMemStore) JournalSince(_ context.Context, clientID string, since time.Time) ([]*JournalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*JournalEvent
	for _, ev := range s.journal {
		if ev.At.Before(since) {
			continue
		}
		if clientID != "" && ev.ClientID != clientID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *InMemStore) PruneJournal(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.journal[:0]
	removed := 0
	for _, ev := range s.journal {
		if ev.At.Before(before) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.journal = kept
	return removed, nil
}

func (s *InMemStore) AppendPair(_ context.Context, p *PreferencePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs = append(s.pairs, p)
	return nil
}

func (s *InMemStore) PairsSince(_ context.Context, since time.Time) ([]*PreferencePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PreferencePair
	for _, p := range s.pairs {
		if !p.CreatedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *InMemStore) CountCorrections(_ context.Context, key RuleKey, signature string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tallies[key.String()+"#"+signature], nil
}

func (s *InMemStore) RecordCorrectionEvent(_ context.Context, key RuleKey, signature string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tallies[key.String()+"#"+signature]++
	return nil
}
