// Package export serializes approved bookings into the two ERP import
// formats and delivers them by file drop or local HTTP. Rendering is
// deterministic: the same booking always yields byte-identical artifacts.
package export

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/domain"
)

// Target is one configured ERP system.
type Target string

const (
	TargetCPP     Target = "cpp"     // XML import file
	TargetSynesis Target = "synesis" // semicolon CSV (JSON variant available)
)

// Receipt proves a completed export. One per booking, ever.
type Receipt struct {
	BookingID   string    `json:"booking_id"`
	Target      Target    `json:"target"`
	Filename    string    `json:"filename"`
	BytesHash   string    `json:"bytes_hash"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// ReceiptStore persists receipts. PutReceipt must fail on duplicate
// booking id so two racing exports cannot both deliver.
type ReceiptStore interface {
	ReceiptByBooking(ctx context.Context, bookingID string) (*Receipt, error)
	PutReceipt(ctx context.Context, r *Receipt) error
}

// Deliverer moves rendered bytes to the ERP side.
type Deliverer interface {
	Deliver(ctx context.Context, filename string, data []byte) error
}

// Exporter renders and delivers bookings exactly once.
type Exporter struct {
	target  Target
	store   ReceiptStore
	deliver Deliverer
	log     *slog.Logger
	now     func() time.Time
}

func New(target Target, store ReceiptStore, deliver Deliverer, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{target: target, store: store, deliver: deliver, log: log, now: time.Now}
}

// Filename derives the artifact name from the booking fingerprint so a
// repeat render cannot collide with a different booking.
func Filename(target Target, b *domain.Booking) string {
	fp := b.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	ext := "csv"
	if target == TargetCPP {
		ext = "xml"
	}
	return fmt.Sprintf("%s_%s_%s.%s", target, b.ClientID, fp, ext)
}

// Export delivers the booking to the configured target. Exactly-once: a
// prior receipt short-circuits to a no-op returning it; a delivery that
// succeeded but whose receipt insert lost a race returns the winner's
// receipt.
func (e *Exporter) Export(ctx context.Context, b *domain.Booking) (*Receipt, error) {
	if prior, err := e.store.ReceiptByBooking(ctx, b.ID); err == nil {
		return prior, nil
	} else if !domain.IsCode(err, domain.CodeNotFound) {
		return nil, &domain.Error{Code: domain.CodeExportFailed, Message: "receipt lookup failed", Err: err}
	}
	if b.Status != domain.StateApproved {
		return nil, domain.StateErr(domain.CodeConflict, "only approved bookings export", b.Status)
	}

	data, err := Render(e.target, b)
	if err != nil {
		return nil, &domain.Error{Code: domain.CodeExportFailed, Message: "render failed", Err: err}
	}
	filename := Filename(e.target, b)

	if err := e.deliver.Deliver(ctx, filename, data); err != nil {
		return nil, &domain.Error{Code: domain.CodeExportPending,
			Message: "delivery failed, booking stays approved for retry", Err: err}
	}

	sum := sha256.Sum256(data)
	receipt := &Receipt{
		BookingID:   b.ID,
		Target:      e.target,
		Filename:    filename,
		BytesHash:   hex.EncodeToString(sum[:]),
		DeliveredAt: e.now().UTC(),
	}
	if err := e.store.PutReceipt(ctx, receipt); err != nil {
		if prior, lookupErr := e.store.ReceiptByBooking(ctx, b.ID); lookupErr == nil {
			return prior, nil
		}
		return nil, &domain.Error{Code: domain.CodeExportFailed, Message: "receipt insert failed", Err: err}
	}
	e.log.Info("booking exported", "booking", b.ID, "target", e.target, "file", filename)
	return receipt, nil
}

// Render produces the deterministic artifact for the target.
func Render(target Target, b *domain.Booking) ([]byte, error) {
	rows, err := flatten(b)
	if err != nil {
		return nil, err
	}
	switch target {
	case TargetCPP:
		return renderCPPXML(b, rows)
	case TargetSynesis:
		return renderSynesisCSV(b, rows)
	}
	return nil, fmt.Errorf("unknown export target %q", target)
}

// row is one flattened debit/credit pairing, the shape both ERP imports
// expect.
type row struct {
	KontoDuguje    string
	KontoPotrazuje string
	Iznos          decimal.Decimal
	Valuta         string
}

// flatten pairs each entry of the smaller side against the dominant
// account of the other side. Deterministic: entries are processed in
// booking order, ties broken by account number.
func flatten(b *domain.Booking) ([]row, error) {
	var debits, credits []domain.Entry
	for _, e := range b.Entries {
		if e.Side == domain.Debit {
			debits = append(debits, e)
		} else {
			credits = append(credits, e)
		}
	}
	if len(debits) == 0 || len(credits) == 0 {
		return nil, fmt.Errorf("booking %s has a one-sided entry set", b.ID)
	}

	dominant := func(entries []domain.Entry) string {
		best := entries[0]
		for _, e := range entries[1:] {
			if e.Amount.GreaterThan(best.Amount) ||
				(e.Amount.Equal(best.Amount) && e.Account < best.Account) {
				best = e
			}
		}
		return best.Account
	}

	var rows []row
	if len(debits) >= len(credits) {
		counter := dominant(credits)
		for _, d := range debits {
			rows = append(rows, row{KontoDuguje: d.Account, KontoPotrazuje: counter,
				Iznos: d.Amount, Valuta: d.Currency})
		}
	} else {
		counter := dominant(debits)
		for _, c := range credits {
			rows = append(rows, row{KontoDuguje: counter, KontoPotrazuje: c.Account,
				Iznos: c.Amount, Valuta: c.Currency})
		}
	}
	return rows, nil
}

// vatSummary folds the breakdown into the single rate/amount columns of
// the import formats. Mixed-rate bookings report the dominant rate and the
// summed amount.
func vatSummary(b *domain.Booking) (rate string, amount decimal.Decimal) {
	if len(b.VATBreakdown) == 0 {
		return "0", decimal.Zero
	}
	lines := append([]domain.VATLine(nil), b.VATBreakdown...)
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Base.GreaterThan(lines[j].Base) })
	for _, l := range lines {
		amount = amount.Add(l.Amount)
	}
	return lines[0].Rate.Mul(decimal.NewFromInt(100)).StringFixed(0), amount
}
