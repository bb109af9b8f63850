package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/domain"
)

// AuditStore persists the hash chain. The primary key on seq makes the
// dense-sequence invariant a database constraint as well.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) AppendEvent(ctx context.Context, ev *audit.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (seq, ts, actor, kind, subject_id, payload, payload_hash, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.Seq, ev.Timestamp, ev.Actor, ev.Kind, ev.SubjectID,
		[]byte(ev.Payload), ev.PayloadHash, ev.PrevHash, ev.Hash)
	if err != nil {
		return fmt.Errorf("store: append audit event: %w", err)
	}
	return nil
}

func (s *AuditStore) LastEvent(ctx context.Context) (*audit.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, ts, actor, kind, subject_id, payload, payload_hash, prev_hash, hash
		FROM audit_events ORDER BY seq DESC LIMIT 1
	`)
	ev, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.E(domain.CodeNotFound, "audit log is empty")
	}
	return ev, err
}

func (s *AuditStore) EventsRange(ctx context.Context, fromSeq, toSeq uint64) ([]*audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, actor, kind, subject_id, payload, payload_hash, prev_hash, hash
		FROM audit_events WHERE seq >= $1 AND seq <= $2 ORDER BY seq
	`, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("store: audit range: %w", err)
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(scan func(...any) error) (*audit.Event, error) {
	var ev audit.Event
	var payload []byte
	if err := scan(&ev.Seq, &ev.Timestamp, &ev.Actor, &ev.Kind, &ev.SubjectID,
		&payload, &ev.PayloadHash, &ev.PrevHash, &ev.Hash); err != nil {
		return nil, err
	}
	ev.Payload = payload
	return &ev, nil
}
