package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/export"
)

// ReceiptStore persists export receipts. The primary key on booking_id is
// what makes the export exactly-once: the second of two racing deliveries
// fails its insert and returns the winner's receipt instead.
type ReceiptStore struct {
	db *sql.DB
}

var _ export.ReceiptStore = (*ReceiptStore)(nil)

func NewReceiptStore(db *sql.DB) *ReceiptStore { return &ReceiptStore{db: db} }

func (s *ReceiptStore) PutReceipt(ctx context.Context, r *export.Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_receipts (booking_id, target, filename, bytes_hash, delivered_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.BookingID, r.Target, r.Filename, r.BytesHash, r.DeliveredAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return domain.E(domain.CodeConflict, "receipt already recorded")
		}
		return fmt.Errorf("store: put receipt: %w", err)
	}
	return nil
}

func (s *ReceiptStore) ReceiptByBooking(ctx context.Context, bookingID string) (*export.Receipt, error) {
	var r export.Receipt
	err := s.db.QueryRowContext(ctx, `
		SELECT booking_id, target, filename, bytes_hash, delivered_at
		FROM export_receipts WHERE booking_id = $1
	`, bookingID).Scan(&r.BookingID, &r.Target, &r.Filename, &r.BytesHash, &r.DeliveredAt)
	if err == sql.ErrNoRows {
		return nil, domain.E(domain.CodeNotFound, "nema potvrde izvoza")
	}
	if err != nil {
		return nil, fmt.Errorf("store: receipt: %w", err)
	}
	return &r, nil
}
