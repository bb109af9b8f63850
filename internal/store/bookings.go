package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/pipeline"
)

// BookingStore is the Postgres booking and document store.
type BookingStore struct {
	db *sql.DB
}

var _ pipeline.Store = (*BookingStore)(nil)

func NewBookingStore(db *sql.DB) *BookingStore { return &BookingStore{db: db} }

func (s *BookingStore) PutBooking(ctx context.Context, b *domain.Booking) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("store: marshal booking: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bookings (id, client_id, source_blob, class, status, fingerprint, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, fingerprint = EXCLUDED.fingerprint, payload = EXCLUDED.payload
	`, b.ID, b.ClientID, b.SourceBlob, b.Class, b.Status, b.Fingerprint, payload, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: put booking: %w", err)
	}
	return nil
}

func (s *BookingStore) scanBooking(row *sql.Row) (*domain.Booking, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.E(domain.CodeNotFound, "knjiženje ne postoji")
		}
		return nil, fmt.Errorf("store: scan booking: %w", err)
	}
	var b domain.Booking
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("store: decode booking: %w", err)
	}
	return &b, nil
}

func (s *BookingStore) BookingByID(ctx context.Context, id string) (*domain.Booking, error) {
	return s.scanBooking(s.db.QueryRowContext(ctx,
		`SELECT payload FROM bookings WHERE id = $1`, id))
}

func (s *BookingStore) BookingByFingerprint(ctx context.Context, fp string) (*domain.Booking, error) {
	if fp == "" {
		return nil, domain.E(domain.CodeNotFound, "knjiženje ne postoji")
	}
	return s.scanBooking(s.db.QueryRowContext(ctx,
		`SELECT payload FROM bookings WHERE fingerprint = $1 ORDER BY created_at LIMIT 1`, fp))
}

func (s *BookingStore) BookingBySource(ctx context.Context, clientID, blobID string, class domain.DocClass) (*domain.Booking, error) {
	return s.scanBooking(s.db.QueryRowContext(ctx, `
		SELECT payload FROM bookings
		WHERE client_id = $1 AND source_blob = $2 AND class = $3
		ORDER BY created_at LIMIT 1
	`, clientID, blobID, class))
}

func (s *BookingStore) Bookings(ctx context.Context, f pipeline.Filter) ([]*domain.Booking, error) {
	query := `SELECT payload FROM bookings WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.ClientID != "" {
		add("client_id", f.ClientID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Class != "" {
		add("class", string(f.Class))
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list bookings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Booking
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var b domain.Booking
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("store: decode booking: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *BookingStore) PutDocument(ctx context.Context, bookingID string, doc *domain.VerifiedDoc) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (booking_id, payload) VALUES ($1, $2)
		ON CONFLICT (booking_id) DO UPDATE SET payload = EXCLUDED.payload
	`, bookingID, payload)
	if err != nil {
		return fmt.Errorf("store: put document: %w", err)
	}
	return nil
}

func (s *BookingStore) DocumentByBooking(ctx context.Context, bookingID string) (*domain.VerifiedDoc, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM documents WHERE booking_id = $1`, bookingID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, domain.E(domain.CodeNotFound, "isprava ne postoji")
	}
	if err != nil {
		return nil, fmt.Errorf("store: document: %w", err)
	}
	var doc domain.VerifiedDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("store: decode document: %w", err)
	}
	return &doc, nil
}

func (s *BookingStore) SupplierIBAN(ctx context.Context, clientID, supplierOIB string) (string, error) {
	var iban string
	err := s.db.QueryRowContext(ctx, `
		SELECT iban FROM supplier_accounts WHERE client_id = $1 AND supplier_oib = $2
	`, clientID, supplierOIB).Scan(&iban)
	if err == sql.ErrNoRows {
		return "", domain.E(domain.CodeNotFound, "dobavljač nije zapamćen")
	}
	if err != nil {
		return "", fmt.Errorf("store: supplier iban: %w", err)
	}
	return iban, nil
}

func (s *BookingStore) PutSupplierIBAN(ctx context.Context, clientID, supplierOIB, iban string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supplier_accounts (client_id, supplier_oib, iban, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, supplier_oib) DO UPDATE
		SET iban = EXCLUDED.iban, updated_at = EXCLUDED.updated_at
	`, clientID, supplierOIB, iban, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: put supplier iban: %w", err)
	}
	return nil
}
