package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/extract"
	"github.com/kontomat/backend/internal/inference"
	"github.com/kontomat/backend/internal/konto"
	"github.com/kontomat/backend/internal/memory"
	"github.com/kontomat/backend/internal/verify"
)

// proposal is the constructed booking body before the advance gate.
type proposal struct {
	entries      []domain.Entry
	vat          []domain.VATLine
	citations    []domain.CitationRef
	narrative    string
	postingDate  string
	supplierOIB  string
	supplierIBAN string
	blockers     []string
	usedRule     *memory.Rule
}

// admitted returns the consensus value of a field when verification admits
// it into a booking.
func admitted(vdoc *domain.VerifiedDoc, name string) (string, bool) {
	c, ok := vdoc.Verification[name]
	if !ok || !c.Admitted() {
		return "", false
	}
	return c.Value, true
}

// money parses an admitted monetary field.
func money(vdoc *domain.VerifiedDoc, name string) (decimal.Decimal, bool) {
	raw, ok := admitted(vdoc, name)
	if !ok {
		return decimal.Zero, false
	}
	d, err := extract.ParseAmount(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// construct builds entries, VAT breakdown and citations for the booking.
// All monetary values come from the verified extraction; the model only
// classifies accounts and VAT treatment.
func (p *Pipeline) construct(ctx context.Context, b *domain.Booking, vdoc *domain.VerifiedDoc) proposal {
	prop := proposal{}

	prop.narrative, _ = admitted(vdoc, "narrative")
	if prop.narrative == "" {
		if inv, ok := admitted(vdoc, "invoice_number"); ok {
			prop.narrative = "Račun " + inv
		} else {
			prop.narrative = string(b.Class)
		}
	}
	prop.supplierOIB, _ = admitted(vdoc, "supplier_oib")
	prop.supplierIBAN, _ = admitted(vdoc, "supplier_iban")

	prop.postingDate, _ = admitted(vdoc, "issue_date")
	if prop.postingDate == "" {
		prop.postingDate = p.now().UTC().Format("2006-01-02")
	}
	asOf, err := time.Parse("2006-01-02", prop.postingDate)
	if err != nil {
		asOf = p.now().UTC()
	}

	net, hasNet := p.homeMoney(vdoc, "net", prop.postingDate, &prop)
	vat, hasVAT := p.homeMoney(vdoc, "vat", prop.postingDate, &prop)
	gross, hasGross := p.homeMoney(vdoc, "gross", prop.postingDate, &prop)
	if !hasNet && hasGross && hasVAT {
		net, hasNet = gross.Sub(vat), true
	}
	if !hasGross && hasNet {
		gross, hasGross = net.Add(vat), true
	}

	cur := p.cfg.HomeCurrency
	entry := func(account string, side domain.Side, amount decimal.Decimal) {
		prop.entries = append(prop.entries, domain.Entry{
			Account: account, Side: side, Amount: amount, Currency: cur,
		})
	}

	cls := p.classify(ctx, b, vdoc, prop.narrative, asOf)
	prop.citations = cls.citations
	prop.usedRule = cls.rule
	if cls.conflict {
		prop.blockers = append(prop.blockers, BlockerL2Conflict)
	}

	switch b.Class {
	case domain.DocInvoiceIn:
		if !hasNet || !hasGross {
			prop.blockers = append(prop.blockers, BlockerMissingFields)
			break
		}
		entry(cls.account, domain.Debit, net)
		if vat.IsPositive() {
			entry(konto.AcctInputVAT, domain.Debit, vat)
		}
		entry(konto.AcctSuppliersDomestic, domain.Credit, gross)
		prop.vat = vatBreakdown(vdoc, net, vat)

	case domain.DocInvoiceEU:
		// Reverse charge: the VAT obligation and the matching pretax
		// deduction are self-assessed at the home standard rate.
		if !hasNet {
			prop.blockers = append(prop.blockers, BlockerMissingFields)
			break
		}
		rate := konto.StandardVATRate
		if r, ok := money(vdoc, "vat_rate"); ok && r.IsPositive() && konto.ValidVATRate(r) {
			rate = r
		}
		rc := verify.VATFromNet(net, rate)
		entry(cls.account, domain.Debit, net)
		entry(konto.AcctInputVAT, domain.Debit, rc)
		entry(konto.AcctVATPayable, domain.Credit, rc)
		entry(konto.AcctSuppliersEU, domain.Credit, net)
		prop.vat = []domain.VATLine{{Rate: rate, Base: net, Amount: rc}}

	case domain.DocInvoiceOut:
		if !hasNet || !hasGross {
			prop.blockers = append(prop.blockers, BlockerMissingFields)
			break
		}
		revenue := cls.account
		if !strings.HasPrefix(revenue, "6") {
			revenue = "6020"
		}
		entry("1200", domain.Debit, gross)
		entry(revenue, domain.Credit, net)
		if vat.IsPositive() {
			entry(konto.AcctVATPayable, domain.Credit, vat)
		}
		prop.vat = vatBreakdown(vdoc, net, vat)

	case domain.DocCashRegister:
		if !hasGross {
			prop.blockers = append(prop.blockers, BlockerMissingFields)
			break
		}
		entry(konto.AcctCashRegister, domain.Debit, gross)
		if hasNet && vat.IsPositive() {
			entry("6010", domain.Credit, net)
			entry(konto.AcctVATPayable, domain.Credit, vat)
			prop.vat = vatBreakdown(vdoc, net, vat)
		} else {
			entry("6010", domain.Credit, gross)
		}

	case domain.DocTravelOrder:
		if !hasGross {
			prop.blockers = append(prop.blockers, BlockerMissingFields)
			break
		}
		entry(konto.AcctTravelPerDiem, domain.Debit, gross)
		entry(konto.AcctBank, domain.Credit, gross)

	case domain.DocBankStmt:
		p.bankEntries(vdoc, &prop, entry)

	default:
		prop.blockers = append(prop.blockers, BlockerMissingFields)
	}

	return prop
}

// homeMoney reads a monetary field and converts it to the home currency by
// the posting-date rate. A missing rate is a blocker, not a guess.
func (p *Pipeline) homeMoney(vdoc *domain.VerifiedDoc, name, postingDate string, prop *proposal) (decimal.Decimal, bool) {
	d, ok := money(vdoc, name)
	if !ok {
		return decimal.Zero, false
	}
	if vdoc.Currency == "" || vdoc.Currency == p.cfg.HomeCurrency || p.rates == nil {
		return d, true
	}
	date := vdoc.FXDate
	if date == "" {
		date = postingDate
	}
	converted, err := p.rates.Convert(d, vdoc.Currency, date)
	if err != nil {
		if !hasBlocker(prop.blockers, BlockerFXMissing) {
			prop.blockers = append(prop.blockers, BlockerFXMissing)
		}
		return d, true
	}
	return converted, true
}

func hasBlocker(list []string, kind string) bool {
	for _, b := range list {
		if b == kind {
			return true
		}
	}
	return false
}

// bankEntries books the statement's inflows against receivables and its
// outflows against domestic suppliers, both through the bank account.
func (p *Pipeline) bankEntries(vdoc *domain.VerifiedDoc, prop *proposal, entry func(string, domain.Side, decimal.Decimal)) {
	inflow, outflow := decimal.Zero, decimal.Zero
	for i := 0; ; i++ {
		amount, ok := money(vdoc, fmt.Sprintf("txn[%d].amount", i))
		if !ok {
			if _, present := vdoc.Fields[fmt.Sprintf("txn[%d].amount", i)]; !present {
				break
			}
			prop.blockers = append(prop.blockers, BlockerField1of3)
			return
		}
		side, _ := admitted(vdoc, fmt.Sprintf("txn[%d].side", i))
		if side == "credit" {
			inflow = inflow.Add(amount)
		} else {
			outflow = outflow.Add(amount)
		}
	}
	if inflow.IsZero() && outflow.IsZero() {
		prop.blockers = append(prop.blockers, BlockerMissingFields)
		return
	}
	if inflow.IsPositive() {
		entry(konto.AcctBank, domain.Debit, inflow)
		entry("1200", domain.Credit, inflow)
	}
	if outflow.IsPositive() {
		entry(konto.AcctSuppliersDomestic, domain.Debit, outflow)
		entry(konto.AcctBank, domain.Credit, outflow)
	}
}

// vatBreakdown prefers the document's per-rate VAT blocks and falls back to
// a single line recomputed from the totals.
func vatBreakdown(vdoc *domain.VerifiedDoc, net, vat decimal.Decimal) []domain.VATLine {
	type block struct {
		idx  int
		line domain.VATLine
	}
	var blocks []block
	for name := range vdoc.Verification {
		if !strings.HasPrefix(name, "vat_lines[") || !strings.HasSuffix(name, "].base") {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(name, "vat_lines[%d].base", &idx); err != nil {
			continue
		}
		base, ok1 := money(vdoc, fmt.Sprintf("vat_lines[%d].base", idx))
		rate, ok2 := money(vdoc, fmt.Sprintf("vat_lines[%d].rate", idx))
		amount, ok3 := money(vdoc, fmt.Sprintf("vat_lines[%d].vat", idx))
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		blocks = append(blocks, block{idx, domain.VATLine{Rate: rate, Base: base, Amount: amount}})
	}
	if len(blocks) > 0 {
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].idx < blocks[j].idx })
		out := make([]domain.VATLine, len(blocks))
		for i, bl := range blocks {
			out[i] = bl.line
		}
		return out
	}
	if vat.IsZero() || net.IsZero() {
		return nil
	}
	return []domain.VATLine{{Rate: vat.Div(net).Round(2), Base: net, Amount: vat}}
}

// classification is the account and VAT treatment decision for a booking.
type classification struct {
	account   string
	vatClass  string
	rule      *memory.Rule
	conflict  bool
	citations []domain.CitationRef
}

const classifySystem = `Ti si knjigovodstveni asistent. Na temelju opisa isprave
predloži konto iz RRiF kontnog plana i stopu PDV-a. Odgovori isključivo JSON
objektom oblika {"konto": "7200", "pdv": "25"}. Nikada ne računaj iznose.`

var jsonObjectRe = regexp.MustCompile(`\{[^{}]*\}`)

// classify combines the memorized L2 suggestion, the time-filtered legal
// context and the model's proposal. A live rule that disagrees with the
// model wins the account but flags the booking for review.
func (p *Pipeline) classify(ctx context.Context, b *domain.Booking, vdoc *domain.VerifiedDoc, narrative string, asOf time.Time) classification {
	cls := classification{}

	var topRule *memory.Rule
	if p.rules != nil {
		if rules, err := p.rules.Suggest(ctx, b.ClientID, supplierKey(vdoc), string(b.Class)); err == nil && len(rules) > 0 {
			topRule = rules[0]
		}
	}

	query := narrative + " " + string(b.Class)
	if b.Class == domain.DocInvoiceEU {
		query += " prijenos porezne obveze"
	}
	var excerpts []string
	if p.laws != nil {
		if hits, err := p.laws.Search(ctx, query, asOf, 3); err == nil {
			for _, h := range hits {
				cls.citations = append(cls.citations, h.Citation)
				excerpts = append(excerpts, h.Chunk.Text)
			}
		}
	}

	account, vatClass := p.askModel(ctx, b, narrative, excerpts)
	if !konto.Valid(account) {
		account, _ = konto.SuggestByDescription(narrative)
	}

	if topRule != nil && len(topRule.SuggestedAccounts) > 0 {
		cls.rule = topRule
		suggested := topRule.SuggestedAccounts[0]
		if topRule.Conflict {
			cls.conflict = true
		}
		if suggested != account {
			// The memorized habit outranks the model, but the
			// disagreement itself goes to the accountant.
			cls.conflict = true
			account = suggested
		}
		if vatClass == "" {
			vatClass = topRule.VATClass
		}
	}

	cls.account = account
	cls.vatClass = vatClass
	return cls
}

func supplierKey(vdoc *domain.VerifiedDoc) string {
	oib, _ := admitted(vdoc, "supplier_oib")
	return oib
}

// askModel asks the classification model for a konto and VAT class. Any
// failure degrades to the keyword rule table; inference never blocks a
// booking on its own.
func (p *Pipeline) askModel(ctx context.Context, b *domain.Booking, narrative string, excerpts []string) (account, vatClass string) {
	if p.ai == nil {
		return "", ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Klasa isprave: %s\nOpis: %s\n", b.Class, narrative)
	if len(excerpts) > 0 {
		sb.WriteString("Mjerodavni propisi:\n")
		for _, e := range excerpts {
			sb.WriteString("- " + e + "\n")
		}
	}
	resp, err := p.ai.Infer(ctx, inference.Request{
		Kind:   inference.KindClassify,
		System: classifySystem,
		Prompt: sb.String(),
		UserID: "pipeline",
	})
	if err != nil {
		p.log.Warn("classify inference failed", "booking", b.ID, "err", err)
		return "", ""
	}
	raw := jsonObjectRe.FindString(resp.Text)
	if raw == "" {
		return "", ""
	}
	var parsed struct {
		Konto string `json:"konto"`
		PDV   string `json:"pdv"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", ""
	}
	return parsed.Konto, parsed.PDV
}
