// Package safety enforces the hard boundaries of the system: no legal
// advice outside payroll accounting, no autonomous posting without operator
// approval, and no cloud endpoints. Refusals are terminal for the request
// and always audited.
package safety

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/extract"
)

// BoundaryType names which hard boundary a refusal hit.
type BoundaryType string

const (
	BoundaryLegalDomain BoundaryType = "legal_domain"
	BoundaryAutonomous  BoundaryType = "autonomous_booking"
	BoundaryPrivacy     BoundaryType = "privacy"
)

// forbiddenDomains are legal topics the assistant must refuse outright.
var forbiddenDomains = []string{
	"sastavljanje ugovora", "tužba", "sud", "radno pravo",
	"kazneno pravo", "ovrha", "stečaj", "likvidacija",
	"brak", "razvod", "nasljedstvo", "ostavina",
	"odvjetnik", "advokat", "pravni savjet",
}

// bypassPhrases ask for posting without approval.
var bypassPhrases = []string{
	"automatski proknjiži", "proknjiži bez odobrenja",
	"zaobiđi provjeru", "preskoči odobrenje",
	"pošalji u cpp", "pošalji u synesis",
}

// cloudKeywords request data leaving the host.
var cloudKeywords = []string{
	"openai", "anthropic", "chatgpt", "cloud api", "external api",
}

// Verdict is the result of an evaluation.
type Verdict struct {
	Approved     bool         `json:"approved"`
	Reason       string       `json:"reason"`
	HardBoundary bool         `json:"hard_boundary"`
	Boundary     BoundaryType `json:"boundary_type,omitempty"`
}

// Overseer screens chat input and booking proposals. Stateless apart from
// counters; safe for concurrent use.
type Overseer struct {
	evaluations atomic.Uint64
	blocks      atomic.Uint64
}

func NewOverseer() *Overseer { return &Overseer{} }

func (o *Overseer) refuse(boundary BoundaryType, reason string) Verdict {
	o.blocks.Add(1)
	return Verdict{Reason: reason, HardBoundary: true, Boundary: boundary}
}

// Evaluate screens free-form input against the three hard boundaries.
func (o *Overseer) Evaluate(content string) Verdict {
	o.evaluations.Add(1)
	lower := strings.ToLower(extract.NormalizeText(content))

	for _, d := range forbiddenDomains {
		if strings.Contains(lower, d) {
			return o.refuse(BoundaryLegalDomain, fmt.Sprintf(
				"upit se odnosi na '%s', što je izvan domene računovodstva; sustav ne pruža pravne savjete", d))
		}
	}
	for _, p := range bypassPhrases {
		if strings.Contains(lower, p) {
			return o.refuse(BoundaryAutonomous,
				"svako knjiženje mora odobriti računovođa; zaobilaženje odobrenja nije moguće")
		}
	}
	for _, k := range cloudKeywords {
		if strings.Contains(lower, k) {
			return o.refuse(BoundaryPrivacy,
				"pristup vanjskim servisima je zabranjen; svi podaci ostaju lokalno")
		}
	}
	return Verdict{Approved: true, Reason: "upit je unutar dozvoljene domene"}
}

// Err converts a refusal into the coded error the API surfaces.
func (v Verdict) Err() error {
	if v.Approved {
		return nil
	}
	return domain.E(domain.CodeSafety, v.Reason)
}

// Booking validation limits.
var (
	// maxKmAllowance is the tax-free mileage allowance per kilometre.
	maxKmAllowance = decimal.RequireFromString("0.30")
)

// BookingCheck is the pre-approval validation of a proposal. Warnings do
// not block; they ride along to the operator. Approval stays mandatory
// regardless of the outcome.
type BookingCheck struct {
	Warnings []string `json:"warnings,omitempty"`
}

func (c BookingCheck) Clean() bool { return len(c.Warnings) == 0 }

// ValidateBooking screens a proposal for the statutory warning conditions:
// cash over the AML threshold, mileage over the allowance, entertainment
// costs with limited deductibility.
func (o *Overseer) ValidateBooking(b *domain.Booking, cashThreshold decimal.Decimal, kmRate decimal.Decimal) BookingCheck {
	var check BookingCheck

	if b.Class == domain.DocCashRegister {
		total := decimal.Zero
		for _, e := range b.Entries {
			if e.Side == domain.Debit {
				total = total.Add(e.Amount)
			}
		}
		if total.GreaterThan(cashThreshold) {
			check.Warnings = append(check.Warnings, fmt.Sprintf(
				"iznos blagajne (%s EUR) prelazi limit od %s EUR", total.StringFixed(2), cashThreshold.StringFixed(2)))
		}
	}

	if b.Class == domain.DocTravelOrder && kmRate.GreaterThan(maxKmAllowance) {
		check.Warnings = append(check.Warnings, fmt.Sprintf(
			"km-naknada (%s EUR) prelazi maksimalnih %s EUR/km", kmRate.StringFixed(2), maxKmAllowance.StringFixed(2)))
	}

	if strings.Contains(strings.ToLower(b.Narrative), "reprezentacija") {
		check.Warnings = append(check.Warnings,
			"troškovi reprezentacije su porezno nepriznati iznad limita; provjeriti primjenjivost odbitka")
	}
	return check
}

// Stats reports evaluation counters for metrics.
func (o *Overseer) Stats() (evaluations, blocks uint64) {
	return o.evaluations.Load(), o.blocks.Load()
}
