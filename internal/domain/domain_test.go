package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBookingBalanced(t *testing.T) {
	b := &Booking{
		Entries: []Entry{
			{Account: "4000", Side: Credit, Amount: dec("1250.00"), Currency: "EUR"},
			{Account: "7000", Side: Debit, Amount: dec("1000.00"), Currency: "EUR"},
			{Account: "1230", Side: Debit, Amount: dec("250.00"), Currency: "EUR"},
		},
	}
	assert.True(t, b.Balanced())

	b.Entries[2].Amount = dec("250.01")
	assert.False(t, b.Balanced())
}

func TestBookingBalancedPerCurrency(t *testing.T) {
	b := &Booking{
		Entries: []Entry{
			{Account: "4010", Side: Credit, Amount: dec("100.00"), Currency: "USD"},
			{Account: "7000", Side: Debit, Amount: dec("100.00"), Currency: "USD"},
			{Account: "4000", Side: Credit, Amount: dec("50.00"), Currency: "EUR"},
			{Account: "7200", Side: Debit, Amount: dec("50.00"), Currency: "EUR"},
		},
	}
	assert.True(t, b.Balanced())

	// A cross-currency mix must balance within each currency, not in total.
	b.Entries[3].Currency = "USD"
	assert.False(t, b.Balanced())
}

func TestFingerprintStable(t *testing.T) {
	mk := func() *Booking {
		return &Booking{
			ClientID:    "K1",
			SourceBlob:  "blob-1",
			Class:       DocInvoiceIn,
			PostingDate: "2026-03-01",
			Entries: []Entry{
				{Account: "7000", Side: Debit, Amount: dec("1000.00"), Currency: "EUR"},
				{Account: "4000", Side: Credit, Amount: dec("1000.00"), Currency: "EUR"},
			},
		}
	}
	a := mk()
	b := mk()
	// Operator metadata must not influence the fingerprint.
	b.ApprovedBy = "ana"
	b.Status = StateApproved

	fa, err := a.ComputeFingerprint()
	require.NoError(t, err)
	fb, err := b.ComputeFingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	b.Entries[0].Amount = dec("1000.01")
	fc, err := b.ComputeFingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateExported, StateRejected, StateBlocked} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []State{StateIngested, StateProposed, StateNeedsReview, StateApproved} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestConsensusAdmitted(t *testing.T) {
	assert.True(t, Consensus{Agreement: Agree3of3}.Admitted())
	assert.True(t, Consensus{Agreement: Agree2of3}.Admitted())
	assert.False(t, Consensus{Agreement: Agree1of3}.Admitted())
	assert.False(t, Consensus{Agreement: AgreeNone}.Admitted())
}
