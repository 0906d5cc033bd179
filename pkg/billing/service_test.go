package billing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory Repository. WithinTx works on copies and only
// publishes them when fn succeeds.
type memRepo struct {
	mu        sync.Mutex
	bills     map[int64]*Bill
	nextTxnID int64
	conflicts int
	aggregate func(*Bill) decimal.Decimal
}

func newMemRepo(bills ...*Bill) *memRepo {
	r := &memRepo{bills: map[int64]*Bill{}}
	for _, b := range bills {
		r.bills[b.ID] = b
	}
	return r
}

func (r *memRepo) WithinTx(ctx context.Context, fn func(Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memTx{repo: r, staged: map[int64]*Bill{}}
	if err := fn(tx); err != nil {
		return err
	}
	for id, b := range tx.staged {
		r.bills[id] = b
	}
	r.nextTxnID = tx.nextTxnID(0)
	return nil
}

type memTx struct {
	repo   *memRepo
	staged map[int64]*Bill
	txns   int64
}

func (t *memTx) nextTxnID(delta int64) int64 {
	t.txns += delta
	return t.repo.nextTxnID + t.txns
}

func (t *memTx) LoadBill(_ context.Context, id int64) (*Bill, error) {
	b, ok := t.repo.bills[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.Lines = append([]*Line(nil), b.Lines...)
	cp.Transactions = append([]*Transaction(nil), b.Transactions...)
	return &cp, nil
}

func (t *memTx) NumbersLike(_ context.Context, stem string) ([]string, error) {
	var out []string
	for _, b := range t.repo.bills {
		if strings.HasPrefix(b.Number, stem) {
			out = append(out, b.Number)
		}
	}
	return out, nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *Transaction) error {
	txn.ID = t.nextTxnID(1)
	return nil
}

func (t *memTx) UpdateClosed(_ context.Context, b *Bill) error {
	if t.repo.conflicts > 0 {
		t.repo.conflicts--
		return ErrNumberConflict
	}
	for id, other := range t.repo.bills {
		if id != b.ID && other.Number == b.Number {
			return ErrNumberConflict
		}
	}
	t.staged[b.ID] = b
	return nil
}

func (t *memTx) AggregateTotal(_ context.Context, id int64) (decimal.Decimal, error) {
	b := t.repo.bills[id]
	if t.repo.aggregate != nil {
		return t.repo.aggregate(b), nil
	}
	return ComputeTotal(b.Lines), nil
}

type countingObserver struct {
	closed  []string
	retried []string
}

func (o *countingObserver) BillClosed(t string)   { o.closed = append(o.closed, t) }
func (o *countingObserver) CloseRetried(t string) { o.retried = append(o.retried, t) }

var testNumbering = Numbering{
	Prefixes: map[BillType]string{
		Invoice:          "I",
		AmendmentInvoice: "A",
		Fee:              "F",
		AmendmentFee:     "B",
		Proforma:         "P",
	},
	Width: 4,
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func openBill(id int64, typ BillType, lines ...*Line) *Bill {
	return &Bill{ID: id, Number: "OI2026000" + string(rune('0'+id)), Account: "acme", Type: typ, IsOpen: true, Lines: lines}
}

func newTestService(repo Repository, opts ...ServiceOption) *Service {
	opts = append([]ServiceOption{WithClock(fixedClock)}, opts...)
	return NewService(repo, testNumbering, opts...)
}

func TestCloseInvoice(t *testing.T) {
	repo := newMemRepo(openBill(1, Invoice, line("100", "21")))
	obs := &countingObserver{}
	svc := newTestService(repo,
		WithObserver(obs),
		WithDueDelta(func(method string) (int, int) {
			if method == "transfer" {
				return 0, 15
			}
			return 1, 0
		}),
		WithDocument(Document{Seller: Seller{Name: "Hosting Co"}, Currency: "EUR", Language: "en"}),
	)

	bill, txn, err := svc.Close(context.Background(), 1, "transfer")
	require.NoError(t, err)

	assert.False(t, bill.IsOpen)
	assert.False(t, bill.IsSent)
	assert.Equal(t, "I20260001", bill.Number)
	require.NotNil(t, bill.ClosedOn)
	assert.Equal(t, fixedClock(), *bill.ClosedOn)
	require.NotNil(t, bill.DueOn)
	assert.Equal(t, time.Date(2026, 3, 25, 12, 0, 0, 0, time.UTC), *bill.DueOn)

	require.NotNil(t, txn)
	assert.Equal(t, "121.00", txn.Amount.StringFixed(2))
	assert.Equal(t, WaitingProcessing, txn.State)
	assert.Equal(t, "transfer", txn.Method)

	assert.Contains(t, bill.HTML, "I20260001")
	assert.Contains(t, bill.HTML, "Hosting Co")
	assert.Contains(t, bill.HTML, "121.00")

	state, err := DerivePaymentState(bill)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, state)

	assert.Equal(t, []string{"INVOICE"}, obs.closed)
	assert.Empty(t, obs.retried)
	assert.Equal(t, "I20260001", repo.bills[1].Number)
}

func TestCloseKeepsExistingDueDate(t *testing.T) {
	b := openBill(1, Fee, line("10", "0"))
	due := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	b.DueOn = &due
	svc := newTestService(newMemRepo(b))

	closed, _, err := svc.Close(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, due, *closed.DueOn)
	assert.Equal(t, "F20260001", closed.Number)
}

func TestCloseDefaultsDueToOneMonth(t *testing.T) {
	svc := newTestService(newMemRepo(openBill(1, Invoice, line("10", "0"))))

	closed, _, err := svc.Close(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC), *closed.DueOn)
}

func TestCloseProformaCreatesNoTransaction(t *testing.T) {
	repo := newMemRepo(openBill(1, Proforma, line("50", "21")))
	svc := newTestService(repo)

	bill, txn, err := svc.Close(context.Background(), 1, "sepa")
	require.NoError(t, err)
	assert.Nil(t, txn)
	assert.Empty(t, bill.Transactions)
	assert.Equal(t, "P20260001", bill.Number)

	state, err := DerivePaymentState(bill)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestCloseAlreadyClosed(t *testing.T) {
	b := openBill(1, Invoice, line("10", "0"))
	b.IsOpen = false
	b.Number = "I20260001"
	repo := newMemRepo(b)
	svc := newTestService(repo)

	_, _, err := svc.Close(context.Background(), 1, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "is_open")
	assert.Equal(t, "I20260001", repo.bills[1].Number)
}

func TestCloseNotFound(t *testing.T) {
	svc := newTestService(newMemRepo())
	_, _, err := svc.Close(context.Background(), 42, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseRejectsInvalidAmendment(t *testing.T) {
	original := openBill(1, Invoice, line("100", "21"))
	amendment := openBill(2, AmendmentInvoice, line("-100", "21"))
	amendment.AmendOf = 1
	repo := newMemRepo(original, amendment)
	svc := newTestService(repo)

	_, _, err := svc.Close(context.Background(), 2, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "amend_of")
	assert.True(t, repo.bills[2].IsOpen, "nothing persisted")

	_, _, err = svc.Close(context.Background(), 1, "")
	require.NoError(t, err)

	closed, txn, err := svc.Close(context.Background(), 2, "")
	require.NoError(t, err)
	assert.Equal(t, "A20260001", closed.Number)
	assert.Equal(t, "-121.00", txn.Amount.StringFixed(2))
}

func TestCloseNumbersAreSequential(t *testing.T) {
	repo := newMemRepo(
		openBill(1, Invoice, line("1", "0")),
		openBill(2, Invoice, line("2", "0")),
		openBill(3, Fee, line("3", "0")),
		openBill(4, Invoice, line("4", "0")),
	)
	svc := newTestService(repo)

	var numbers []string
	for _, id := range []int64{1, 2, 3, 4} {
		b, _, err := svc.Close(context.Background(), id, "")
		require.NoError(t, err)
		numbers = append(numbers, b.Number)
	}
	assert.Equal(t, []string{"I20260001", "I20260002", "F20260001", "I20260003"}, numbers)
}

func TestCloseRetriesNumberConflict(t *testing.T) {
	repo := newMemRepo(openBill(1, Invoice, line("10", "0")))
	repo.conflicts = 2
	obs := &countingObserver{}
	svc := newTestService(repo, WithObserver(obs))

	b, _, err := svc.Close(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, "I20260001", b.Number)
	assert.Equal(t, []string{"INVOICE", "INVOICE"}, obs.retried)
	assert.Equal(t, []string{"INVOICE"}, obs.closed)
}

func TestCloseGivesUpAfterRetries(t *testing.T) {
	repo := newMemRepo(openBill(1, Invoice, line("10", "0")))
	repo.conflicts = 10
	svc := newTestService(repo, WithMaxRetries(1))

	_, _, err := svc.Close(context.Background(), 1, "")
	assert.True(t, errors.Is(err, ErrNumberConflict))
	assert.True(t, repo.bills[1].IsOpen)
}

func TestCloseDetectsDivergentAggregate(t *testing.T) {
	repo := newMemRepo(openBill(1, Invoice, line("10", "0")))
	repo.aggregate = func(*Bill) decimal.Decimal { return d("11") }
	svc := newTestService(repo)

	_, _, err := svc.Close(context.Background(), 1, "")
	assert.True(t, IsLedger(err))
	assert.True(t, repo.bills[1].IsOpen)
}

func TestOpenNumber(t *testing.T) {
	repo := newMemRepo(openBill(1, Invoice))
	err := repo.WithinTx(context.Background(), func(tx Tx) error {
		n, err := OpenNumber(context.Background(), tx, testNumbering, Invoice, fixedClock())
		require.NoError(t, err)
		assert.Equal(t, "OI20260002", n)
		return nil
	})
	require.NoError(t, err)
}

func TestRender(t *testing.T) {
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	closed := fixedClock()
	b := &Bill{
		ID:       1,
		Number:   "I20260001",
		Account:  "acme",
		Type:     Invoice,
		ClosedOn: &closed,
		Comments: "Thanks <3",
		Lines: []*Line{{
			Description: "Web hosting",
			Subtotal:    d("100"),
			Tax:         d("21"),
			Quantity:    decimal.NewNullDecimal(d("1")),
			Rate:        decimal.NewNullDecimal(d("100")),
			StartOn:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			EndOn:       &end,
			Sublines:    []Subline{{Type: SublineVolume, Description: "Volume discount", Total: d("-10")}},
		}},
	}

	html, err := Render(b, Document{Seller: Seller{Name: "Hosting Co", VATID: "ES123", Email: "bills@hosting.example"}, Currency: "EUR", Language: "en", Method: "sepa"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(html, "<!doctype html><html lang=\"en\">"))
	assert.Contains(t, html, "<title>INVOICE I20260001</title>")
	assert.Contains(t, html, `<span class="vat">ES123</span>`)
	assert.Contains(t, html, `<span class="email">bills@hosting.example</span>`)
	assert.NotContains(t, html, `class="address"`)
	assert.Contains(t, html, "<th>Base 21%</th>")
	assert.Contains(t, html, `<tr class="subline"><td colspan="4">Volume discount</td>`)
	assert.Contains(t, html, "INVOICE I20260001")
	assert.Contains(t, html, "ES123")
	assert.Contains(t, html, "Web hosting")
	assert.Contains(t, html, "Volume discount")
	assert.Contains(t, html, "Mar 2026")
	assert.Contains(t, html, "108.90")
	assert.Contains(t, html, "sepa")
	assert.Contains(t, html, "2026-03-10")
	assert.Contains(t, html, "Thanks &lt;3")

	_, err = Render(b, Document{Currency: "EURO", Language: "en"})
	assert.Error(t, err)
	_, err = Render(b, Document{Currency: "EUR", Language: "??"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RenderContext(ctx, b, Document{Currency: "EUR", Language: "en"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPeriod(t *testing.T) {
	at := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	ptr := func(t time.Time) *time.Time { return &t }

	assert.Equal(t, "Mar 2026", period(&Line{StartOn: at(2026, 3, 1), EndOn: ptr(at(2026, 4, 1))}))
	assert.Equal(t, "Mar 2026 / May 2026", period(&Line{StartOn: at(2026, 3, 1), EndOn: ptr(at(2026, 6, 1))}))
	assert.Equal(t, "Mar 5, 2026 / Apr 5, 2026", period(&Line{StartOn: at(2026, 3, 5), EndOn: ptr(at(2026, 4, 5))}))
	assert.Equal(t, "Mar 2026", period(&Line{StartOn: at(2026, 3, 1)}))
	assert.Equal(t, "", period(&Line{}))
}
