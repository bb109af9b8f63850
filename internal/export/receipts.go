package export

import (
	"context"
	"sync"

	"github.com/kontomat/backend/internal/domain"
)

// InMemReceiptStore backs tests and storeless deployments.
type InMemReceiptStore struct {
	mu sync.Mutex
	m  map[string]*Receipt
}

var _ ReceiptStore = (*InMemReceiptStore)(nil)

func NewInMemReceiptStore() *InMemReceiptStore {
	return &InMemReceiptStore{m: map[string]*Receipt{}}
}

func (s *InMemReceiptStore) ReceiptByBooking(_ context.Context, bookingID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.m[bookingID]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, domain.E(domain.CodeNotFound, "nema potvrde izvoza")
}

func (s *InMemReceiptStore) PutReceipt(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[r.BookingID]; ok {
		return domain.E(domain.CodeConflict, "receipt already recorded")
	}
	cp := *r
	s.m[r.BookingID] = &cp
	return nil
}
