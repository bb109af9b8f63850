package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kontomat/backend/internal/domain"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func approvedBooking() *domain.Booking {
	b := &domain.Booking{
		ID:       "b-1",
		ClientID: "KL001",
		Class:    domain.DocInvoiceIn,
		Entries: []domain.Entry{
			{Account: "7000", Side: domain.Debit, Amount: amt("1000.00"), Currency: "EUR"},
			{Account: "1230", Side: domain.Debit, Amount: amt("250.00"), Currency: "EUR"},
			{Account: "4000", Side: domain.Credit, Amount: amt("1250.00"), Currency: "EUR"},
		},
		VATBreakdown: []domain.VATLine{{Rate: amt("0.25"), Base: amt("1000.00"), Amount: amt("250.00")}},
		PostingDate:  "2026-03-10",
		Narrative:    "Uredski materijal",
		Status:       domain.StateApproved,
		SupplierOIB:  "12345678903",
	}
	fp, err := b.ComputeFingerprint()
	if err != nil {
		panic(err)
	}
	b.Fingerprint = fp
	return b
}

type memReceipts struct {
	mu sync.Mutex
	m  map[string]*Receipt
}

func newMemReceipts() *memReceipts { return &memReceipts{m: map[string]*Receipt{}} }

func (s *memReceipts) ReceiptByBooking(_ context.Context, id string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.m[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, domain.E(domain.CodeNotFound, "no receipt")
}

func (s *memReceipts) PutReceipt(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[r.BookingID]; ok {
		return errors.New("duplicate receipt")
	}
	cp := *r
	s.m[r.BookingID] = &cp
	return nil
}

type countingDeliverer struct {
	mu    sync.Mutex
	count int
	fail  bool
	last  []byte
}

func (d *countingDeliverer) Deliver(_ context.Context, _ string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("bridge down")
	}
	d.count++
	d.last = append([]byte(nil), data...)
	return nil
}

func TestRenderIsDeterministic(t *testing.T) {
	b := approvedBooking()
	for _, target := range []Target{TargetCPP, TargetSynesis} {
		one, err := Render(target, b)
		require.NoError(t, err)
		two, err := Render(target, b)
		require.NoError(t, err)
		assert.Equal(t, one, two, target)
	}
}

func TestCPPXMLContent(t *testing.T) {
	b := approvedBooking()
	data, err := Render(TargetCPP, b)
	require.NoError(t, err)
	s := string(data)

	assert.Contains(t, s, "<KnjizenjaImport>")
	assert.Contains(t, s, "<Klijent>KL001</Klijent>")
	assert.Contains(t, s, "<Period>2026-03</Period>")
	assert.Contains(t, s, "<BrojStavki>2</BrojStavki>")
	// Two debit rows against the dominant credit account.
	assert.Contains(t, s, "<KontoDuguje>7000</KontoDuguje>")
	assert.Contains(t, s, "<KontoDuguje>1230</KontoDuguje>")
	assert.Contains(t, s, "<KontoPotrazuje>4000</KontoPotrazuje>")
	assert.Contains(t, s, "<Iznos>1000.00</Iznos>")
	assert.Contains(t, s, "<PDVStopa>25</PDVStopa>")
	assert.Contains(t, s, "<PDVIznos>250.00</PDVIznos>")
	assert.Contains(t, s, "<OIB>12345678903</OIB>")
}

func TestSynesisCSVContent(t *testing.T) {
	b := approvedBooking()
	data, err := Render(TargetSynesis, b)
	require.NoError(t, err)
	s := string(data)

	assert.True(t, strings.HasPrefix(s, "\ufeff"), "BOM required")
	lines := strings.Split(strings.TrimRight(s, "\r\n"), "\r\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "\ufeffRedniBroj;KontoDuguje;KontoPotrazuje;Iznos;Opis;DatumDokumenta;DatumKnjizenja;OIB;PDVStopa;PDVIznos", lines[0])
	assert.Equal(t, "1;7000;4000;1000.00;Uredski materijal;2026-03-10;2026-03-10;12345678903;25;250.00", lines[1])
	assert.Equal(t, "2;1230;4000;250.00;Uredski materijal;2026-03-10;2026-03-10;12345678903;25;250.00", lines[2])
}

func TestCSVEscaping(t *testing.T) {
	b := approvedBooking()
	b.Narrative = `Materijal; "hitno"`
	data, err := Render(TargetSynesis, b)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Materijal; ""hitno"""`)
}

func TestExportExactlyOnce(t *testing.T) {
	ctx := context.Background()
	d := &countingDeliverer{}
	e := New(TargetCPP, newMemReceipts(), d, nil)
	b := approvedBooking()

	first, err := e.Export(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, d.count)
	assert.NotEmpty(t, first.BytesHash)

	second, err := e.Export(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, d.count, "repeat export is a no-op")
	assert.Equal(t, first.BytesHash, second.BytesHash)
	assert.Equal(t, first.DeliveredAt, second.DeliveredAt)
}

func TestDeliveryFailureLeavesNoReceipt(t *testing.T) {
	ctx := context.Background()
	d := &countingDeliverer{fail: true}
	store := newMemReceipts()
	e := New(TargetCPP, store, d, nil)
	b := approvedBooking()

	_, err := e.Export(ctx, b)
	require.Error(t, err)
	assert.Equal(t, domain.CodeExportPending, domain.CodeOf(err))
	_, err = store.ReceiptByBooking(ctx, b.ID)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))

	// Retry succeeds once the bridge is back.
	d.fail = false
	receipt, err := e.Export(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, b.ID, receipt.BookingID)
}

func TestUnapprovedBookingRefused(t *testing.T) {
	e := New(TargetCPP, newMemReceipts(), &countingDeliverer{}, nil)
	b := approvedBooking()
	b.Status = domain.StateProposed
	_, err := e.Export(context.Background(), b)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
}

func TestFileDropAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	fd := &FileDrop{Dir: filepath.Join(dir, "imports")}
	require.NoError(t, fd.Deliver(context.Background(), "cpp_KL001_abc.xml", []byte("<x/>")))

	data, err := os.ReadFile(filepath.Join(dir, "imports", "cpp_KL001_abc.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<x/>", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "imports"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFilenameUsesFingerprint(t *testing.T) {
	b := approvedBooking()
	name := Filename(TargetSynesis, b)
	assert.True(t, strings.HasPrefix(name, "synesis_KL001_"))
	assert.True(t, strings.HasSuffix(name, ".csv"))
	assert.Contains(t, name, b.Fingerprint[:12])
}

func TestReceiptTimestampStable(t *testing.T) {
	e := New(TargetCPP, newMemReceipts(), &countingDeliverer{}, nil)
	fixed := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }
	receipt, err := e.Export(context.Background(), approvedBooking())
	require.NoError(t, err)
	assert.Equal(t, fixed, receipt.DeliveredAt)
}
