// Package verify runs the triple check: every machine-produced field is
// confirmed by an AI extraction, an independent algorithmic recomputation,
// and a domain rule before it may enter a booking.
package verify

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/domain"
)

// FieldKind selects which check set applies to a field.
type FieldKind string

const (
	KindMonetary   FieldKind = "monetary"
	KindIdentifier FieldKind = "identifier"
	KindText       FieldKind = "text"
	KindDate       FieldKind = "date"
)

// Ctx is the cross-field context a check may need (net for VAT recompute,
// declared rate, whether amounts were FX-converted).
type Ctx struct {
	Doc       *domain.ExtractedDoc
	Net       decimal.Decimal
	Rate      decimal.Decimal
	Gross     decimal.Decimal
	Converted bool
}

// CheckFn produces one of the three independent check results for a field.
type CheckFn func(field string, v domain.FieldValue, ctx Ctx) domain.Check

type checkSet struct {
	ai   CheckFn
	algo CheckFn
	rule CheckFn
}

// Verifier holds the registration table of check sources per field kind.
// Registration is explicit at construction; there is no discovery.
type Verifier struct {
	sets       map[FieldKind]checkSet
	fieldKinds map[string]FieldKind
}

// FieldKindOf classifies a field name. Monetary and identifier fields must
// carry a rule check or they are rejected outright.
func FieldKindOf(name string) FieldKind {
	switch {
	case name == "oib" || name == "supplier_oib" || name == "buyer_oib" ||
		name == "iban" || name == "supplier_iban" || name == "vat_id":
		return KindIdentifier
	case name == "net" || name == "vat" || name == "gross" ||
		strings.HasPrefix(name, "vat_lines["):
		return KindMonetary
	case strings.Contains(name, "date"):
		return KindDate
	}
	return KindText
}

// New builds the verifier with the built-in check table.
func New() *Verifier {
	v := &Verifier{sets: map[FieldKind]checkSet{}, fieldKinds: map[string]FieldKind{}}

	v.register(KindIdentifier, checkSet{
		ai:   aiEcho,
		algo: identifierChecksum,
		rule: identifierRule,
	})
	v.register(KindMonetary, checkSet{
		ai:   aiEcho,
		algo: monetaryRecompute,
		rule: monetaryRule,
	})
	v.register(KindText, checkSet{
		ai:   aiEcho,
		algo: shadowAgreement,
		rule: textRule,
	})
	v.register(KindDate, checkSet{
		ai:   aiEcho,
		algo: shadowAgreement,
		rule: dateRule,
	})
	return v
}

func (v *Verifier) register(kind FieldKind, set checkSet) {
	v.sets[kind] = set
}

// Document verifies every field of the extraction and returns the doc with
// per-field consensus attached.
func (v *Verifier) Document(doc *domain.ExtractedDoc) *domain.VerifiedDoc {
	out := &domain.VerifiedDoc{
		ExtractedDoc: *doc,
		Verification: make(map[string]domain.Consensus, len(doc.Fields)),
	}
	ctx := buildCtx(doc)

	names := make([]string, 0, len(doc.Fields))
	for name := range doc.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fv := doc.Fields[name]
		cons := v.Field(name, fv, ctx)
		out.Verification[name] = cons
		if !cons.Admitted() {
			slog.Warn("field rejected by triple check",
				"field", name, "agreement", cons.Agreement, "score", cons.Score)
		}
	}
	return out
}

// Field runs the three checks for one field and computes consensus.
func (v *Verifier) Field(name string, fv domain.FieldValue, ctx Ctx) domain.Consensus {
	kind := FieldKindOf(name)
	set := v.sets[kind]

	checks := []domain.Check{
		set.ai(name, fv, ctx),
		set.algo(name, fv, ctx),
		set.rule(name, fv, ctx),
	}
	return Consensus(kind, checks, ctx.Converted)
}

// Consensus folds three checks into an agreement level and score. A missing
// or uncertain check source counts as disagreement, never as agreement.
func Consensus(kind FieldKind, checks []domain.Check, converted bool) domain.Consensus {
	ok := 0
	var admitted string
	for _, c := range checks {
		if c.OK {
			ok++
			if admitted == "" {
				admitted = c.Value
			}
		}
	}

	// Monetary and identifier fields must have a live rule check.
	if kind == KindMonetary || kind == KindIdentifier {
		ruleOK := false
		for _, c := range checks {
			if c.Source == domain.CheckRule && c.OK {
				ruleOK = true
			}
		}
		if !ruleOK {
			return domain.Consensus{
				Checks: checks, Agreement: domain.Agree1of3, Score: 0.30,
				Warning: "obavezna provjera pravilom nije prošla",
			}
		}
	}

	switch ok {
	case 3:
		return domain.Consensus{Checks: checks, Agreement: domain.Agree3of3, Score: 1.00, Value: admitted}
	case 2:
		var odd string
		for _, c := range checks {
			if !c.OK {
				odd = string(c.Source)
			}
		}
		return domain.Consensus{
			Checks: checks, Agreement: domain.Agree2of3, Score: 0.85, Value: admitted,
			Warning: "neslaganje izvora: " + odd,
		}
	case 1:
		return domain.Consensus{Checks: checks, Agreement: domain.Agree1of3, Score: 0.30}
	}
	return domain.Consensus{Checks: checks, Agreement: domain.AgreeNone, Score: 0}
}

func buildCtx(doc *domain.ExtractedDoc) Ctx {
	ctx := Ctx{Doc: doc, Converted: doc.FXDate != ""}
	if f, ok := doc.Fields["net"]; ok {
		ctx.Net, _ = decimal.NewFromString(f.Value)
	}
	if f, ok := doc.Fields["vat_rate"]; ok {
		ctx.Rate, _ = decimal.NewFromString(f.Value)
	}
	if f, ok := doc.Fields["gross"]; ok {
		ctx.Gross, _ = decimal.NewFromString(f.Value)
	}
	return ctx
}
