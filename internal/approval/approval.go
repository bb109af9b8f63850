// Package approval is the operator gateway: listing, approving, rejecting
// and correcting proposed bookings, and pushing approved ones to an ERP
// target. Every call is role-checked and audited with its actor.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/auth"
	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/events"
	"github.com/kontomat/backend/internal/export"
	"github.com/kontomat/backend/internal/memory"
	"github.com/kontomat/backend/internal/pipeline"
)

// Patch is an operator correction. Nil or zero fields keep the predecessor
// value. Amounts changed here are operator-entered, never model output.
type Patch struct {
	Entries      []domain.Entry       `json:"entries,omitempty"`
	VATBreakdown []domain.VATLine     `json:"vat_breakdown,omitempty"`
	Narrative    string               `json:"narrative,omitempty"`
	PostingDate  string               `json:"posting_date,omitempty"`
	Citations    []domain.CitationRef `json:"citations,omitempty"`
	VATClass     string               `json:"vat_class,omitempty"`
	Override     *pipeline.Override   `json:"override,omitempty"`
}

// Service is the approval gateway.
type Service struct {
	pipe      *pipeline.Pipeline
	store     pipeline.Store
	chain     *audit.Log
	mem       *memory.Memory
	exporters map[export.Target]*export.Exporter
	bus       events.Emitter
	log       *slog.Logger
	now       func() time.Time
}

func New(pipe *pipeline.Pipeline, store pipeline.Store, chain *audit.Log, mem *memory.Memory,
	exporters map[export.Target]*export.Exporter, bus events.Emitter, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pipe: pipe, store: store, chain: chain, mem: mem,
		exporters: exporters, bus: bus, log: log, now: time.Now,
	}
}

func forbidden(action string) error {
	return domain.E(domain.CodeForbidden, "uloga ne dopušta radnju: "+action)
}

// List returns bookings per filter. All roles may read.
func (s *Service) List(ctx context.Context, user *auth.User, f pipeline.Filter) ([]*domain.Booking, error) {
	return s.store.Bookings(ctx, f)
}

// Get loads one booking.
func (s *Service) Get(ctx context.Context, user *auth.User, id string) (*domain.Booking, error) {
	return s.store.BookingByID(ctx, id)
}

// Approve finalizes a proposed booking. On a corrected booking the approved
// and the superseded proposal become an L3 preference pair.
func (s *Service) Approve(ctx context.Context, user *auth.User, id string) (*domain.Booking, error) {
	if !user.Role.CanApprove() {
		return nil, forbidden("odobravanje")
	}
	actor := "user:" + user.ID

	b, err := s.pipe.Transition(ctx, id, domain.StateApproved, actor, "")
	if err != nil {
		return nil, err
	}
	b.ApprovedBy = user.ID
	if err := s.store.PutBooking(ctx, b); err != nil {
		return nil, err
	}

	if err := s.pipe.MemorizeSupplier(ctx, b); err != nil {
		s.log.Warn("supplier memorization failed", "booking", b.ID, "err", err)
	}
	if s.mem != nil && b.CorrectedFrom != "" {
		if pred, err := s.store.BookingByID(ctx, b.CorrectedFrom); err == nil {
			if _, err := s.mem.RecordPreferencePair(ctx, b.Narrative, b, pred); err != nil {
				s.log.Warn("preference pair not recorded", "booking", b.ID, "err", err)
			}
		}
	}
	if s.bus != nil {
		s.bus.Emit(events.TypeBookingApproved, b.ID, map[string]any{
			"booking_id": b.ID, "client_id": b.ClientID, "approved_by": user.ID,
		})
	}
	s.journal(ctx, b, "approve", map[string]string{"approved_by": user.ID})
	return b, nil
}

// journal records the operator episode in L1. The decision stands even when
// the episodic write fails.
func (s *Service) journal(ctx context.Context, b *domain.Booking, kind string, detail map[string]string) {
	if s.mem == nil {
		return
	}
	ev := &memory.JournalEvent{ClientID: b.ClientID, Kind: kind, SubjectID: b.ID, Detail: detail}
	if err := s.mem.Journal(ctx, ev); err != nil {
		s.log.Warn("journal append failed", "booking", b.ID, "err", err)
	}
}

// Reject moves a booking to its terminal REJECTED state.
func (s *Service) Reject(ctx context.Context, user *auth.User, id, reason string) (*domain.Booking, error) {
	if !user.Role.CanApprove() {
		return nil, forbidden("odbijanje")
	}
	if reason == "" {
		return nil, domain.E(domain.CodeInput, "razlog odbijanja je obavezan")
	}
	actor := "user:" + user.ID

	b, err := s.pipe.Transition(ctx, id, domain.StateRejected, actor, reason)
	if err != nil {
		return nil, err
	}
	b.RejectReason = reason
	if err := s.store.PutBooking(ctx, b); err != nil {
		return nil, err
	}
	s.journal(ctx, b, "reject", map[string]string{"reason": reason})
	return b, nil
}

// Correct supersedes a booking with a patched successor. The predecessor
// moves to REJECTED, the successor re-enters verification and the operator's
// account choice feeds the L2 memory.
func (s *Service) Correct(ctx context.Context, user *auth.User, id string, patch Patch) (*domain.Booking, error) {
	if !user.Role.CanApprove() {
		return nil, forbidden("ispravak")
	}
	actor := "user:" + user.ID

	pred, err := s.pipe.Transition(ctx, id, domain.StateCorrected, actor, "ispravak operatera")
	if err != nil {
		return nil, err
	}

	succ := s.successor(pred, patch)
	if err := s.store.PutBooking(ctx, succ); err != nil {
		return nil, err
	}
	if doc, err := s.store.DocumentByBooking(ctx, pred.ID); err == nil {
		if err := s.store.PutDocument(ctx, succ.ID, doc); err != nil {
			return nil, err
		}
	}
	if _, err := s.chain.Append(ctx, actor, "booking.corrected", succ.ID, map[string]string{
		"corrected_from": pred.ID,
	}); err != nil {
		return nil, err
	}
	if _, err := s.pipe.Transition(ctx, pred.ID, domain.StateRejected, actor,
		"zamijenjeno knjiženjem "+succ.ID); err != nil {
		return nil, err
	}

	s.recordCorrection(ctx, pred, succ, patch)
	s.journal(ctx, succ, "correction", map[string]string{"corrected_from": pred.ID})

	return s.pipe.ReVerify(ctx, succ.ID, patch.Override, actor)
}

// successor clones the predecessor with the patch applied.
func (s *Service) successor(pred *domain.Booking, patch Patch) *domain.Booking {
	succ := *pred
	succ.ID = uuid.NewString()
	succ.CorrectedFrom = pred.ID
	succ.Status = domain.StateCorrected
	succ.ApprovedBy = ""
	succ.RejectReason = ""
	succ.FinalizedAt = nil
	succ.Fingerprint = ""
	succ.CreatedAt = s.now().UTC()

	if patch.Entries != nil {
		succ.Entries = patch.Entries
	}
	if patch.VATBreakdown != nil {
		succ.VATBreakdown = patch.VATBreakdown
	}
	if patch.Narrative != "" {
		succ.Narrative = patch.Narrative
	}
	if patch.PostingDate != "" {
		succ.PostingDate = patch.PostingDate
	}
	if patch.Citations != nil {
		succ.Citations = patch.Citations
	}
	return &succ
}

// recordCorrection feeds the operator's account choice into L2 memory.
// After k concurring corrections the habit becomes a rule.
func (s *Service) recordCorrection(ctx context.Context, pred, succ *domain.Booking, patch Patch) {
	if s.mem == nil || patch.Entries == nil {
		return
	}
	var accounts []string
	for _, e := range succ.Entries {
		if e.Side == domain.Debit {
			accounts = append(accounts, e.Account)
		}
	}
	if len(accounts) == 0 {
		return
	}
	key := memory.RuleKey{
		ClientID:    succ.ClientID,
		SupplierID:  succ.SupplierOIB,
		DocClass:    string(succ.Class),
		FeatureHash: memory.FeatureHash([]string{succ.Narrative, string(succ.Class)}),
	}
	if _, err := s.mem.RecordCorrection(ctx, key, memory.KindKontiranje, accounts, patch.VATClass, succ.ID); err != nil {
		s.log.Warn("correction not memorized", "booking", succ.ID, "err", err)
	}
}

// Export renders and delivers an approved booking to the named ERP target,
// then moves it to EXPORTED. The receipt makes the export exactly-once.
func (s *Service) Export(ctx context.Context, user *auth.User, id string, target export.Target) (*export.Receipt, error) {
	if !user.Role.CanApprove() {
		return nil, forbidden("izvoz")
	}
	exp, ok := s.exporters[target]
	if !ok {
		return nil, domain.E(domain.CodeUnsupported, fmt.Sprintf("nepoznato odredište izvoza %q", target))
	}
	actor := "user:" + user.ID

	b, err := s.store.BookingByID(ctx, id)
	if err != nil {
		return nil, err
	}
	receipt, err := exp.Export(ctx, b)
	if err != nil {
		s.chain.Append(ctx, actor, "booking.export_failed", id, map[string]string{
			"target": string(target), "error": err.Error(),
		})
		return nil, err
	}

	if b.Status == domain.StateApproved {
		if _, err := s.pipe.Transition(ctx, id, domain.StateExported, actor,
			string(target)+" "+receipt.Filename); err != nil {
			return nil, err
		}
	}
	s.chain.Append(ctx, actor, "booking.exported", id, receipt)
	if s.bus != nil {
		s.bus.Emit(events.TypeBookingExported, id, map[string]any{
			"booking_id": id, "target": string(target), "filename": receipt.Filename,
		})
	}
	return receipt, nil
}
