package pipeline

import (
	"context"
	"sync"

	"github.com/kontomat/backend/internal/domain"
)

// InMemStore backs tests and the single-office dev profile.
type InMemStore struct {
	mu       sync.RWMutex
	bookings map[string]*domain.Booking
	docs     map[string]*domain.VerifiedDoc
	ibans    map[string]string
	order    []string
}

func NewInMemStore() *InMemStore {
	return &InMemStore{
		bookings: map[string]*domain.Booking{},
		docs:     map[string]*domain.VerifiedDoc{},
		ibans:    map[string]string{},
	}
}

func (s *InMemStore) PutBooking(_ context.Context, b *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; !ok {
		s.order = append(s.order, b.ID)
	}
	cp := *b
	s.bookings[b.ID] = &cp
	return nil
}

func (s *InMemStore) BookingByID(_ context.Context, id string) (*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "knjiženje ne postoji")
	}
	cp := *b
	return &cp, nil
}

func (s *InMemStore) BookingByFingerprint(_ context.Context, fp string) (*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		b := s.bookings[id]
		if b.Fingerprint == fp && fp != "" {
			cp := *b
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "knjiženje ne postoji")
}

func (s *InMemStore) BookingBySource(_ context.Context, clientID, blobID string, class domain.DocClass) (*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		b := s.bookings[id]
		if b.ClientID == clientID && b.SourceBlob == blobID && b.Class == class {
			cp := *b
			return &cp, nil
		}
	}
	return nil, domain.E(domain.CodeNotFound, "knjiženje ne postoji")
}

func (s *InMemStore) Bookings(_ context.Context, f Filter) ([]*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Booking
	for _, id := range s.order {
		b := s.bookings[id]
		if f.ClientID != "" && b.ClientID != f.ClientID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.Class != "" && b.Class != f.Class {
			continue
		}
		cp := *b
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemStore) PutDocument(_ context.Context, bookingID string, doc *domain.VerifiedDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[bookingID] = doc
	return nil
}

func (s *InMemStore) DocumentByBooking(_ context.Context, bookingID string) (*domain.VerifiedDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[bookingID]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "isprava ne postoji")
	}
	return doc, nil
}

func (s *InMemStore) SupplierIBAN(_ context.Context, clientID, supplierOIB string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iban, ok := s.ibans[clientID+"|"+supplierOIB]
	if !ok {
		return "", domain.E(domain.CodeNotFound, "dobavljač nije zapamćen")
	}
	return iban, nil
}

func (s *InMemStore) PutSupplierIBAN(_ context.Context, clientID, supplierOIB, iban string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ibans[clientID+"|"+supplierOIB] = iban
	return nil
}
