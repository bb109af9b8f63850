// Package fx resolves foreign-exchange rates by posting date. Rates are the
// central-bank middle rates loaded by an operator or a local feed; a missing
// rate is a signal, never a guess.
package fx

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrRateUnavailable means no rate is on file for (currency, date). A booking
// that needs the conversion must not auto-advance.
var ErrRateUnavailable = errors.New("fx rate unavailable for posting date")

// Table holds middle rates keyed by currency and ISO date.
type Table struct {
	mu    sync.RWMutex
	rates map[string]map[string]decimal.Decimal // currency -> date -> rate
	home  string
}

func NewTable(homeCurrency string) *Table {
	return &Table{
		rates: make(map[string]map[string]decimal.Decimal),
		home:  homeCurrency,
	}
}

func (t *Table) Home() string { return t.home }

// Set records the middle rate of one unit of currency in home currency on date.
func (t *Table) Set(currency, date string, rate decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rates[currency] == nil {
		t.rates[currency] = make(map[string]decimal.Decimal)
	}
	t.rates[currency][date] = rate
}

// Rate returns the rate in effect on the posting date.
func (t *Table) Rate(currency, date string) (decimal.Decimal, error) {
	if currency == t.home {
		return decimal.NewFromInt(1), nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rates[currency][date]
	if !ok {
		return decimal.Decimal{}, ErrRateUnavailable
	}
	return r, nil
}

// Convert converts amount from currency into home currency at the posting
// date rate, rounded to 2 decimals.
func (t *Table) Convert(amount decimal.Decimal, currency, date string) (decimal.Decimal, error) {
	r, err := t.Rate(currency, date)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return amount.Mul(r).Round(2), nil
}
