package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontomat/backend/internal/audit"
	"github.com/kontomat/backend/internal/auth"
	"github.com/kontomat/backend/internal/blobstore"
	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/export"
	"github.com/kontomat/backend/internal/extract"
	"github.com/kontomat/backend/internal/inference"
	"github.com/kontomat/backend/internal/memory"
	"github.com/kontomat/backend/internal/pipeline"
	"github.com/kontomat/backend/internal/verify"
)

const ublInvoice = `<?xml version="1.0"?>
<Invoice>
  <ID>2026-0042</ID>
  <IssueDate>2026-03-10</IssueDate>
  <DocumentCurrencyCode>EUR</DocumentCurrencyCode>
  <AccountingSupplierParty><Party>
    <PartyName><Name>Uredski Servis d.o.o.</Name></PartyName>
    <PartyTaxScheme><CompanyID>HR12345678903</CompanyID></PartyTaxScheme>
    <PostalAddress><Country><IdentificationCode>HR</IdentificationCode></Country></PostalAddress>
    <FinancialAccount><ID>HR1210010051863000160</ID></FinancialAccount>
  </Party></AccountingSupplierParty>
  <TaxTotal>
    <TaxAmount currencyID="EUR">250.00</TaxAmount>
    <TaxSubtotal>
      <TaxableAmount currencyID="EUR">1000.00</TaxableAmount>
      <TaxAmount currencyID="EUR">250.00</TaxAmount>
      <TaxCategory><ID>S</ID><Percent>25</Percent></TaxCategory>
    </TaxSubtotal>
  </TaxTotal>
  <LegalMonetaryTotal>
    <TaxExclusiveAmount currencyID="EUR">1000.00</TaxExclusiveAmount>
    <PayableAmount currencyID="EUR">1250.00</PayableAmount>
  </LegalMonetaryTotal>
  <InvoiceLine><Item><Name>Uredski materijal</Name></Item>
    <LineExtensionAmount currencyID="EUR">1000.00</LineExtensionAmount></InvoiceLine>
</Invoice>`

type fakeAI struct{}

func (fakeAI) Infer(_ context.Context, _ inference.Request) (*inference.Response, error) {
	return &inference.Response{Text: `{"konto": "7000", "pdv": "25"}`}, nil
}

type memReceipts struct {
	mu sync.Mutex
	m  map[string]*export.Receipt
}

func (s *memReceipts) ReceiptByBooking(_ context.Context, id string) (*export.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.m[id]; ok {
		return r, nil
	}
	return nil, domain.E(domain.CodeNotFound, "no receipt")
}

func (s *memReceipts) PutReceipt(_ context.Context, r *export.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[r.BookingID]; ok {
		return domain.E(domain.CodeConflict, "duplicate receipt")
	}
	s.m[r.BookingID] = r
	return nil
}

type env struct {
	svc   *Service
	pipe  *pipeline.Pipeline
	store *pipeline.InMemStore
	mem   *memory.Memory
}

var (
	accountant = &auth.User{ID: "u-ana", Username: "ana", Role: auth.RoleAccountant, Active: true}
	assistant  = &auth.User{ID: "u-ivo", Username: "ivo", Role: auth.RoleAssistant, Active: true}
)

func newEnv(t *testing.T) *env {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	chain, err := audit.New(context.Background(), audit.NewInMemStore(), nil)
	require.NoError(t, err)

	mem := memory.New(memory.NewInMemStore(), memory.WithConcurrenceThreshold(1))
	store := pipeline.NewInMemStore()
	pipe := pipeline.New(pipeline.Deps{
		Blobs:    blobs,
		Fabric:   extract.NewFabric(&extract.UBLExtractor{HomeCountry: "HR"}, &extract.RegexExtractor{}),
		Verifier: verify.New(),
		Rules:    mem,
		AI:       fakeAI{},
		Audit:    chain,
		Store:    store,
	}, pipeline.Config{})

	exporters := map[export.Target]*export.Exporter{
		export.TargetCPP: export.New(export.TargetCPP,
			&memReceipts{m: map[string]*export.Receipt{}},
			&export.FileDrop{Dir: t.TempDir()}, nil),
	}
	svc := New(pipe, store, chain, mem, exporters, nil, nil)
	return &env{svc: svc, pipe: pipe, store: store, mem: mem}
}

func (e *env) proposed(t *testing.T) *domain.Booking {
	t.Helper()
	b, err := e.pipe.Ingest(context.Background(), "KL001", []byte(ublInvoice),
		"application/xml", domain.DocInvoiceIn, "user:ana")
	require.NoError(t, err)
	require.Equal(t, domain.StateProposed, b.Status)
	return b
}

func TestApproveMemorizesSupplier(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	approved, err := e.svc.Approve(ctx, accountant, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, approved.Status)
	assert.Equal(t, "u-ana", approved.ApprovedBy)
	require.NotNil(t, approved.FinalizedAt)

	iban, err := e.store.SupplierIBAN(ctx, "KL001", "12345678903")
	require.NoError(t, err)
	assert.Equal(t, "HR1210010051863000160", iban)
}

func TestOperatorActionsJournaled(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	_, err := e.svc.Approve(ctx, accountant, b.ID)
	require.NoError(t, err)

	evs, err := e.mem.JournalSince(ctx, "KL001", time.Time{})
	require.NoError(t, err)
	var kinds []string
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, "ingest")
	assert.Contains(t, kinds, "approve")
}

func TestAssistantIsReadOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	_, err := e.svc.Approve(ctx, assistant, b.ID)
	assert.Equal(t, domain.CodeForbidden, domain.CodeOf(err))
	_, err = e.svc.Reject(ctx, assistant, b.ID, "ne")
	assert.Equal(t, domain.CodeForbidden, domain.CodeOf(err))
	_, err = e.svc.Correct(ctx, assistant, b.ID, Patch{})
	assert.Equal(t, domain.CodeForbidden, domain.CodeOf(err))

	// Reading stays open.
	got, err := e.svc.Get(ctx, assistant, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestRejectRequiresReason(t *testing.T) {
	e := newEnv(t)
	b := e.proposed(t)
	_, err := e.svc.Reject(context.Background(), accountant, b.ID, "")
	assert.Equal(t, domain.CodeInput, domain.CodeOf(err))
}

func TestRejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	rejected, err := e.svc.Reject(ctx, accountant, b.ID, "kriva klasifikacija")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, rejected.Status)
	assert.Equal(t, "kriva klasifikacija", rejected.RejectReason)

	_, err = e.svc.Approve(ctx, accountant, b.ID)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func patchTo7200(b *domain.Booking) Patch {
	entries := make([]domain.Entry, len(b.Entries))
	copy(entries, b.Entries)
	entries[0].Account = "7200"
	return Patch{Entries: entries, VATClass: "25"}
}

func TestCorrectCreatesSuccessor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	succ, err := e.svc.Correct(ctx, accountant, b.ID, patchTo7200(b))
	require.NoError(t, err)

	assert.NotEqual(t, b.ID, succ.ID)
	assert.Equal(t, b.ID, succ.CorrectedFrom)
	assert.Equal(t, "7200", succ.Entries[0].Account)
	assert.Equal(t, domain.StateProposed, succ.Status, "re-verify passes on unchanged consensus")
	assert.NotEmpty(t, succ.Fingerprint)
	assert.NotEqual(t, b.Fingerprint, succ.Fingerprint)

	pred, err := e.store.BookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, pred.Status)
}

func TestCorrectionFeedsMemory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	_, err := e.svc.Correct(ctx, accountant, b.ID, patchTo7200(b))
	require.NoError(t, err)

	rules, err := e.mem.Suggest(ctx, "KL001", "12345678903", "invoice_in")
	require.NoError(t, err)
	require.NotEmpty(t, rules)
	assert.Contains(t, rules[0].SuggestedAccounts, "7200")
}

func TestApproveCorrectedRecordsPreferencePair(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	succ, err := e.svc.Correct(ctx, accountant, b.ID, patchTo7200(b))
	require.NoError(t, err)
	require.Equal(t, domain.StateProposed, succ.Status)

	_, err = e.svc.Approve(ctx, accountant, succ.ID)
	require.NoError(t, err)

	pairs, err := e.mem.PreferencePairsSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, succ.ID, pairs[0].BookingID)
	assert.Contains(t, pairs[0].Chosen, "7200")
	assert.Contains(t, pairs[0].Rejected, "7000")
}

func TestExportMovesToExportedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	_, err := e.svc.Approve(ctx, accountant, b.ID)
	require.NoError(t, err)

	first, err := e.svc.Export(ctx, accountant, b.ID, export.TargetCPP)
	require.NoError(t, err)
	assert.Equal(t, b.ID, first.BookingID)

	exported, err := e.store.BookingByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExported, exported.Status)

	second, err := e.svc.Export(ctx, accountant, b.ID, export.TargetCPP)
	require.NoError(t, err)
	assert.Equal(t, first.BytesHash, second.BytesHash)
	assert.Equal(t, first.DeliveredAt, second.DeliveredAt)
}

func TestExportUnknownTarget(t *testing.T) {
	e := newEnv(t)
	b := e.proposed(t)
	_, err := e.svc.Export(context.Background(), accountant, b.ID, export.Target("oracle"))
	assert.Equal(t, domain.CodeUnsupported, domain.CodeOf(err))
}

func TestExportUnapprovedRefused(t *testing.T) {
	e := newEnv(t)
	b := e.proposed(t)
	_, err := e.svc.Export(context.Background(), accountant, b.ID, export.TargetCPP)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestCorrectedAmountsStayDecimal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.proposed(t)

	patch := patchTo7200(b)
	patch.Entries[0].Amount = decimal.RequireFromString("999.99")
	patch.Entries[1].Amount = decimal.RequireFromString("250.01")
	succ, err := e.svc.Correct(ctx, accountant, b.ID, patch)
	require.NoError(t, err)
	assert.True(t, succ.Balanced())
}
