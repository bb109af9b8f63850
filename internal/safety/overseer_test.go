package safety

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/kontomat/backend/internal/domain"
)

func TestLegalAdviceRefused(t *testing.T) {
	o := NewOverseer()
	v := o.Evaluate("Možeš li mi sastaviti tužbu protiv dobavljača?")
	assert.False(t, v.Approved)
	assert.True(t, v.HardBoundary)
	assert.Equal(t, BoundaryLegalDomain, v.Boundary)
	assert.Equal(t, domain.CodeSafety, domain.CodeOf(v.Err()))
}

func TestAutonomousPostingRefused(t *testing.T) {
	o := NewOverseer()
	v := o.Evaluate("Automatski proknjiži sve račune i pošalji u CPP")
	assert.False(t, v.Approved)
	assert.Equal(t, BoundaryAutonomous, v.Boundary)
}

func TestCloudAPIRefused(t *testing.T) {
	o := NewOverseer()
	v := o.Evaluate("Pošalji ovaj dokument na OpenAI da ga analizira")
	assert.False(t, v.Approved)
	assert.Equal(t, BoundaryPrivacy, v.Boundary)
}

func TestOrdinaryQueryApproved(t *testing.T) {
	o := NewOverseer()
	v := o.Evaluate("Na koji konto knjižimo uredski materijal?")
	assert.True(t, v.Approved)
	assert.NoError(t, v.Err())

	evals, blocks := o.Stats()
	assert.Equal(t, uint64(1), evals)
	assert.Zero(t, blocks)
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCashOverThresholdWarns(t *testing.T) {
	o := NewOverseer()
	b := &domain.Booking{
		Class: domain.DocCashRegister,
		Entries: []domain.Entry{
			{Account: "1400", Side: domain.Debit, Amount: amt("12000.00"), Currency: "EUR"},
			{Account: "7000", Side: domain.Credit, Amount: amt("12000.00"), Currency: "EUR"},
		},
	}
	check := o.ValidateBooking(b, amt("10000"), decimal.Zero)
	assert.False(t, check.Clean())
	assert.Contains(t, check.Warnings[0], "blagajne")
}

func TestKmAllowanceWarns(t *testing.T) {
	o := NewOverseer()
	b := &domain.Booking{Class: domain.DocTravelOrder}
	check := o.ValidateBooking(b, amt("10000"), amt("0.45"))
	assert.False(t, check.Clean())

	check = o.ValidateBooking(b, amt("10000"), amt("0.30"))
	assert.True(t, check.Clean())
}

func TestReprezentacijaWarns(t *testing.T) {
	o := NewOverseer()
	b := &domain.Booking{Class: domain.DocInvoiceIn, Narrative: "Reprezentacija, večera s klijentom"}
	check := o.ValidateBooking(b, amt("10000"), decimal.Zero)
	assert.False(t, check.Clean())
}
