package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func line(subtotal, tax string, sublines ...string) *Line {
	l := &Line{Description: "hosting", Subtotal: d(subtotal), Tax: d(tax)}
	for _, s := range sublines {
		l.Sublines = append(l.Sublines, Subline{Type: SublineCompensation, Total: d(s)})
	}
	return l
}

func closedBill(total string, txns ...*Transaction) *Bill {
	return &Bill{ID: 1, Type: Invoice, Lines: []*Line{line(total, "0")}, Transactions: txns}
}

func txn(state TransactionState, amount string) *Transaction {
	return &Transaction{State: state, Amount: d(amount)}
}

func TestComputeTotal(t *testing.T) {
	tests := []struct {
		name  string
		lines []*Line
		want  string
	}{
		{"single line with tax", []*Line{line("100", "21")}, "121"},
		{"no lines", nil, "0"},
		{"sublines before tax", []*Line{line("100", "21", "-10")}, "108.9"},
		{"mixed rates", []*Line{line("10", "21"), line("10", "10")}, "23.1"},
		{"rounded once at the end", []*Line{line("0.05", "10"), line("0.05", "10"), line("0.05", "10")}, "0.16"},
		{"half-even", []*Line{line("0.25", "10")}, "0.28"},
		{"negative amendment", []*Line{line("-50", "21")}, "-60.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTotal(tt.lines)
			assert.True(t, d(tt.want).Equal(got), "want %s got %s", tt.want, got)
		})
	}
}

func TestComputeBaseTaxSubtotals(t *testing.T) {
	lines := []*Line{line("100", "21"), line("50", "10", "-5"), line("20", "21")}

	assert.Equal(t, "165.00", ComputeBase(lines).StringFixed(2))
	assert.Equal(t, "29.70", ComputeTax(lines).StringFixed(2))

	subtotals := ComputeSubtotals(lines)
	require.Len(t, subtotals, 2)
	assert.Equal(t, "10", subtotals[0].Tax.String())
	assert.Equal(t, "45.00", subtotals[0].Subtotal.StringFixed(2))
	assert.Equal(t, "4.50", subtotals[0].Amount.StringFixed(2))
	assert.Equal(t, "21", subtotals[1].Tax.String())
	assert.Equal(t, "120.00", subtotals[1].Subtotal.StringFixed(2))
	assert.Equal(t, "25.20", subtotals[1].Amount.StringFixed(2))

	base := ComputeBase(lines)
	tax := ComputeTax(lines)
	assert.True(t, base.Add(tax).Equal(ComputeTotal(lines)))
}

func TestCalculatorMemo(t *testing.T) {
	b := &Bill{ID: 7, Lines: []*Line{line("100", "21")}}
	calc := NewCalculator()

	assert.Equal(t, "121.00", calc.Total(b).StringFixed(2))

	b.Lines = append(b.Lines, line("100", "0"))
	assert.Equal(t, "121.00", calc.Total(b).StringFixed(2), "memoized until invalidated")

	calc.Memo().Invalidate(7)
	assert.Equal(t, "221.00", calc.Total(b).StringFixed(2))

	b.Lines = b.Lines[:1]
	calc.Memo().Reset()
	assert.Equal(t, "121.00", calc.Total(b).StringFixed(2))
}

func TestPaymentState(t *testing.T) {
	tests := []struct {
		name string
		bill *Bill
		want PaymentState
	}{
		{"secured covers total", closedBill("121", txn(Secured, "121")), StatePaid},
		{"waiting processing", closedBill("121", txn(WaitingProcessing, "121")), StateCreated},
		{"waiting confirmation", closedBill("121", txn(WaitingConfirmation, "121")), StateCreated},
		{"waiting execution", closedBill("121", txn(WaitingExecution, "121")), StateProcessed},
		{"executed", closedBill("121", txn(Executed, "121")), StateExecuted},
		{"partially secured", closedBill("121", txn(Secured, "21")), StateIncomplete},
		{"pending short of total", closedBill("121", txn(WaitingProcessing, "100")), StateIncomplete},
		{"only rejected", closedBill("121", txn(Rejected, "121")), StateBadDebt},
		{"no transactions", closedBill("121"), StateBadDebt},
		{"zero total", closedBill("0"), StatePaid},
		{"refund secured", closedBill("-50", txn(Secured, "-50")), StatePaid},
		{"refund partially secured", closedBill("-50", txn(Secured, "-20")), StateIncomplete},
		{"refund pending", closedBill("-50", txn(WaitingExecution, "-50")), StateProcessed},
		{"rejected then secured", closedBill("121", txn(Rejected, "121"), txn(Secured, "121")), StatePaid},
		{"open bill", &Bill{IsOpen: true, Type: Invoice, Transactions: []*Transaction{txn(Secured, "1")}}, StateOpen},
		{"proforma", &Bill{Type: Proforma, Lines: []*Line{line("10", "0")}}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DerivePaymentState(tt.bill)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPaymentStateUnknownTransactionState(t *testing.T) {
	b := closedBill("121", txn(Secured, "121"), txn("LOST", "1"))

	_, err := DerivePaymentState(b)
	require.Error(t, err)
	assert.True(t, IsLedger(err))
	assert.Contains(t, err.Error(), "LOST")

	_, err = NewCalculator().PaymentState(b)
	assert.True(t, IsLedger(err))
}

func TestPaymentStateString(t *testing.T) {
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "BAD_DEBT", StateBadDebt.String())
}

func TestClean(t *testing.T) {
	closedInvoice := &Bill{ID: 1, Account: "acme", Type: Invoice}

	t.Run("valid amendment", func(t *testing.T) {
		b := &Bill{Account: "acme", Type: AmendmentInvoice, AmendOf: 1}
		assert.NoError(t, Clean(b, closedInvoice))
	})

	t.Run("plain bill", func(t *testing.T) {
		assert.NoError(t, Clean(&Bill{Account: "acme", Type: Fee}, nil))
	})

	t.Run("open original", func(t *testing.T) {
		open := &Bill{ID: 1, Account: "acme", Type: Invoice, IsOpen: true}
		err := Clean(&Bill{Account: "acme", Type: AmendmentInvoice, AmendOf: 1}, open)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields, "amend_of")
		assert.NotContains(t, verr.Fields, "account")
	})

	t.Run("every violation reported together", func(t *testing.T) {
		original := &Bill{ID: 1, Account: "other", Type: AmendmentFee, IsOpen: true}
		err := Clean(&Bill{Account: "acme", Type: Invoice, AmendOf: 1}, original)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, verr.Fields["amend_of"], 3)
		assert.Len(t, verr.Fields["account"], 1)
		assert.True(t, IsValidation(err))
	})

	t.Run("missing original", func(t *testing.T) {
		err := Clean(&Bill{Account: "acme", Type: AmendmentInvoice, AmendOf: 9}, nil)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields["amend_of"][0], "does not exist")
	})

	t.Run("unknown type", func(t *testing.T) {
		err := Clean(&Bill{Account: "acme", Type: "RECEIPT"}, nil)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields, "type")
	})
}

func TestNewAmendment(t *testing.T) {
	b, err := NewAmendment(&Bill{ID: 3, Account: "acme", Type: Fee})
	require.NoError(t, err)
	assert.Equal(t, AmendmentFee, b.Type)
	assert.Equal(t, int64(3), b.AmendOf)
	assert.True(t, b.IsOpen)

	_, err = NewAmendment(&Bill{ID: 4, Account: "acme", Type: Proforma})
	assert.True(t, IsValidation(err))

	_, err = NewAmendment(&Bill{ID: 5, Account: "acme", Type: Invoice, IsOpen: true})
	assert.True(t, IsValidation(err))
}

func TestNextNumber(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		prefix   string
		year     int
		want     string
	}{
		{"first of the year", nil, "I", 2026, "I20260001"},
		{"follows the maximum", []string{"I20260001", "I20260007", "I20260003"}, "I", 2026, "I20260008"},
		{"restarts each year", []string{"I20250041"}, "I", 2026, "I20260001"},
		{"ignores other prefixes", []string{"F20260009", "OI20260004"}, "I", 2026, "I20260001"},
		{"open numbers", []string{"OI20260002"}, "OI", 2026, "OI20260003"},
		{"ignores other widths", []string{"I2026123456"}, "I", 2026, "I20260001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextNumber(tt.existing, tt.prefix, tt.year, 4)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NextNumber([]string{"I20269999"}, "I", 2026, 4)
	assert.Error(t, err, "sequence exhausted")

	_, err = NextNumber(nil, "I", 2026, 0)
	assert.Error(t, err)
}

func TestNextNumberIsMonotonic(t *testing.T) {
	var issued []string
	for i := 0; i < 25; i++ {
		n, err := NextNumber(issued, "F", 2026, 3)
		require.NoError(t, err)
		if len(issued) > 0 {
			assert.Greater(t, n, issued[len(issued)-1])
		}
		issued = append(issued, n)
	}
	assert.Equal(t, "F2026001", issued[0])
	assert.Equal(t, "F2026025", issued[24])
}

func TestNumberingPrefix(t *testing.T) {
	n := Numbering{Prefixes: map[BillType]string{Invoice: "I"}, Width: 4}

	p, err := n.Prefix(Invoice, false)
	require.NoError(t, err)
	assert.Equal(t, "I", p)

	p, err = n.Prefix(Invoice, true)
	require.NoError(t, err)
	assert.Equal(t, "OI", p)

	_, err = n.Prefix(Fee, false)
	assert.Error(t, err)
}
