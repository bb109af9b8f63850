package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/memory"
)

// MemoryStore persists the three memory layers.
type MemoryStore struct {
	db *sql.DB
}

var _ memory.Store = (*MemoryStore)(nil)

func NewMemoryStore(db *sql.DB) *MemoryStore { return &MemoryStore{db: db} }

func (s *MemoryStore) PutRule(ctx context.Context, r *memory.Rule) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO l2_rules (id, client_id, supplier_id, doc_class, feature_hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload
	`, r.ID, r.Key.ClientID, r.Key.SupplierID, r.Key.DocClass, r.Key.FeatureHash, payload)
	if err != nil {
		return fmt.Errorf("store: put rule: %w", err)
	}
	return nil
}

func (s *MemoryStore) rulesWhere(ctx context.Context, clause string, args ...any) ([]*memory.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM l2_rules WHERE `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: rules: %w", err)
	}
	defer rows.Close()

	var out []*memory.Rule
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r memory.Rule
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("store: decode rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *MemoryStore) RulesByPrefix(ctx context.Context, clientID, supplierID, docClass string) ([]*memory.Rule, error) {
	return s.rulesWhere(ctx,
		`client_id = $1 AND supplier_id = $2 AND doc_class = $3`,
		clientID, supplierID, docClass)
}

func (s *MemoryStore) RulesByKey(ctx context.Context, key memory.RuleKey) ([]*memory.Rule, error) {
	return s.rulesWhere(ctx,
		`client_id = $1 AND supplier_id = $2 AND doc_class = $3 AND feature_hash = $4`,
		key.ClientID, key.SupplierID, key.DocClass, key.FeatureHash)
}

func (s *MemoryStore) RuleByID(ctx context.Context, id string) (*memory.Rule, error) {
	rules, err := s.rulesWhere(ctx, `id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, domain.E(domain.CodeNotFound, "pravilo ne postoji")
	}
	return rules[0], nil
}

func (s *MemoryStore) AppendJournal(ctx context.Context, ev *memory.JournalEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal journal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO l1_journal (id, client_id, at, payload) VALUES ($1, $2, $3, $4)
	`, ev.ID, ev.ClientID, ev.At, payload)
	if err != nil {
		return fmt.Errorf("store: append journal: %w", err)
	}
	return nil
}

func (s *MemoryStore) JournalSince(ctx context.Context, clientID string, since time.Time) ([]*memory.JournalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM l1_journal
		WHERE at >= $1 AND ($2 = '' OR client_id = $2) ORDER BY at
	`, since, clientID)
	if err != nil {
		return nil, fmt.Errorf("store: journal: %w", err)
	}
	defer rows.Close()

	var out []*memory.JournalEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev memory.JournalEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("store: decode journal event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *MemoryStore) PruneJournal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM l1_journal WHERE at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("store: prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *MemoryStore) AppendPair(ctx context.Context, p *memory.PreferencePair) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal pair: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO l3_pairs (id, created_at, payload) VALUES ($1, $2, $3)
	`, p.ID, p.CreatedAt, payload)
	if err != nil {
		return fmt.Errorf("store: append pair: %w", err)
	}
	return nil
}

func (s *MemoryStore) PairsSince(ctx context.Context, since time.Time) ([]*memory.PreferencePair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM l3_pairs WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("store: pairs: %w", err)
	}
	defer rows.Close()

	var out []*memory.PreferencePair
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p memory.PreferencePair
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("store: decode pair: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *MemoryStore) CountCorrections(ctx context.Context, key memory.RuleKey, signature string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM correction_tallies WHERE rule_key = $1 AND signature = $2
	`, key.String(), signature).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: correction tally: %w", err)
	}
	return count, nil
}

func (s *MemoryStore) RecordCorrectionEvent(ctx context.Context, key memory.RuleKey, signature string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correction_tallies (rule_key, signature, count, updated_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (rule_key, signature) DO UPDATE
		SET count = correction_tallies.count + 1, updated_at = EXCLUDED.updated_at
	`, key.String(), signature, at)
	if err != nil {
		return fmt.Errorf("store: record correction: %w", err)
	}
	return nil
}
