package billing

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// TaxSubtotal is the taxable base and tax amount for one tax rate.
type TaxSubtotal struct {
	Tax      decimal.Decimal `json:"tax"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Amount   decimal.Decimal `json:"amount"`
}

// ComputeBase returns the untaxed total of lines.
func ComputeBase(lines []*Line) decimal.Decimal {
	base := decimal.Zero
	for _, l := range lines {
		base = base.Add(l.Total())
	}
	return base.RoundBank(2)
}

// ComputeTax returns the tax owed over lines.
func ComputeTax(lines []*Line) decimal.Decimal {
	tax := decimal.Zero
	for _, l := range lines {
		tax = tax.Add(l.Total().Mul(l.Tax).Div(hundred))
	}
	return tax.RoundBank(2)
}

// ComputeSubtotals groups lines by tax rate, ordered by rate.
func ComputeSubtotals(lines []*Line) []TaxSubtotal {
	byTax := map[string]*TaxSubtotal{}
	var keys []string
	for _, l := range lines {
		key := l.Tax.String()
		st, ok := byTax[key]
		if !ok {
			st = &TaxSubtotal{Tax: l.Tax, Subtotal: decimal.Zero}
			byTax[key] = st
			keys = append(keys, key)
		}
		st.Subtotal = st.Subtotal.Add(l.Total())
	}

	out := make([]TaxSubtotal, 0, len(keys))
	for _, k := range keys {
		st := byTax[k]
		st.Amount = st.Tax.Div(hundred).Mul(st.Subtotal).RoundBank(2)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tax.LessThan(out[j].Tax) })
	return out
}

// ComputeTotal returns Σ (subtotal + sublines) × (1 + tax/100), rounded
// half-even to 2 places once at the end.
func ComputeTotal(lines []*Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		factor := decimal.NewFromInt(1).Add(l.Tax.Div(hundred))
		total = total.Add(l.Total().Mul(factor))
	}
	return total.RoundBank(2)
}

// Memo caches bill totals by bill ID for the lifetime of one request.
// The zero value is ready to use.
type Memo struct {
	mu     sync.Mutex
	totals map[int64]decimal.Decimal
}

// Get returns the cached total of a bill.
func (m *Memo) Get(id int64) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.totals[id]
	return v, ok
}

// Put stores the total of a bill.
func (m *Memo) Put(id int64, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totals == nil {
		m.totals = make(map[int64]decimal.Decimal)
	}
	m.totals[id] = total
}

// Invalidate drops the cached total of a bill.
func (m *Memo) Invalidate(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.totals, id)
}

// Reset drops every cached total.
func (m *Memo) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals = nil
}

// Calculator computes bill totals through a Memo.
type Calculator struct {
	memo *Memo
}

// NewCalculator returns a calculator with a fresh memo.
func NewCalculator() *Calculator {
	return &Calculator{memo: &Memo{}}
}

// Memo exposes the calculator's cache for invalidation.
func (c *Calculator) Memo() *Memo {
	return c.memo
}

// Total returns the memoized total of b. Bills without an ID are never
// cached.
func (c *Calculator) Total(b *Bill) decimal.Decimal {
	if b.ID == 0 {
		return ComputeTotal(b.Lines)
	}
	if v, ok := c.memo.Get(b.ID); ok {
		return v
	}
	v := ComputeTotal(b.Lines)
	c.memo.Put(b.ID, v)
	return v
}

// PaymentState derives the payment state of b using the memoized total.
func (c *Calculator) PaymentState(b *Bill) (PaymentState, error) {
	if b.IsOpen || b.Type == Proforma {
		return StateOpen, nil
	}
	return paymentState(b, c.Total(b))
}
