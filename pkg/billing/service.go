package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/hostpanel/hostpanel/pkg/billing"

// Repository runs work inside one serialized store transaction. A non-nil
// error from fn rolls everything back.
type Repository interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the ledger view available inside a transaction.
type Tx interface {
	// LoadBill returns the bill with its lines, sublines and transactions,
	// or ErrNotFound.
	LoadBill(ctx context.Context, id int64) (*Bill, error)

	// NumbersLike returns every bill number starting with stem.
	NumbersLike(ctx context.Context, stem string) ([]string, error)

	// InsertTransaction appends a ledger entry and sets its ID.
	InsertTransaction(ctx context.Context, t *Transaction) error

	// UpdateClosed persists the closing fields of b. It returns
	// ErrNumberConflict when b.Number is already taken.
	UpdateClosed(ctx context.Context, b *Bill) error

	// AggregateTotal computes the bill total in the database.
	AggregateTotal(ctx context.Context, billID int64) (decimal.Decimal, error)
}

// Observer receives billing measurements.
type Observer interface {
	BillClosed(billType string)
	CloseRetried(billType string)
}

type nopObserver struct{}

func (nopObserver) BillClosed(string)   {}
func (nopObserver) CloseRetried(string) {}

// DueDeltaFunc returns how many months and days after closing a bill paid
// with method is due.
type DueDeltaFunc func(method string) (months, days int)

// Service closes bills.
type Service struct {
	repo       Repository
	numbering  Numbering
	document   Document
	dueDelta   DueDeltaFunc
	observer   Observer
	calc       *Calculator
	now        func() time.Time
	maxRetries int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDocument sets the seller, currency and language of rendered bills.
func WithDocument(d Document) ServiceOption {
	return func(s *Service) { s.document = d }
}

// WithDueDelta sets the due date policy per payment method.
func WithDueDelta(f DueDeltaFunc) ServiceOption {
	return func(s *Service) { s.dueDelta = f }
}

// WithObserver sets the measurement sink.
func WithObserver(obs Observer) ServiceOption {
	return func(s *Service) { s.observer = obs }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithMaxRetries bounds how often a close is retried after a number
// conflict.
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) { s.maxRetries = n }
}

// NewService creates a billing service.
func NewService(repo Repository, numbering Numbering, opts ...ServiceOption) *Service {
	s := &Service{
		repo:       repo,
		numbering:  numbering,
		document:   Document{Currency: "EUR", Language: "en"},
		dueDelta:   func(string) (int, int) { return 1, 0 },
		observer:   nopObserver{},
		calc:       NewCalculator(),
		now:        time.Now,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calculator returns the service's memoizing calculator.
func (s *Service) Calculator() *Calculator {
	return s.calc
}

// Close validates, totals, numbers and freezes an open bill, creating the
// settlement transaction for every type but pro-forma. Everything happens
// in one store transaction; a number conflict restarts it from scratch.
// The returned transaction is nil for pro-forma bills.
func (s *Service) Close(ctx context.Context, billID int64, method string) (*Bill, *Transaction, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "billing.close")
	defer span.End()
	span.SetAttributes(attribute.Int64("bill.id", billID), attribute.String("bill.method", method))

	logger := log.Ctx(ctx).With().Int64("bill_id", billID).Logger()

	var (
		bill *Bill
		txn  *Transaction
		err  error
	)
	for attempt := 0; ; attempt++ {
		bill, txn, err = s.closeOnce(ctx, billID, method)
		if !errors.Is(err, ErrNumberConflict) || attempt >= s.maxRetries {
			break
		}
		billType := ""
		if bill != nil {
			billType = string(bill.Type)
		}
		s.observer.CloseRetried(billType)
		logger.Warn().Int("attempt", attempt+1).Msg("Bill number taken, retrying close")
	}
	s.calc.Memo().Invalidate(billID)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	span.SetAttributes(attribute.String("bill.number", bill.Number), attribute.String("bill.type", string(bill.Type)))
	s.observer.BillClosed(string(bill.Type))
	logger.Info().
		Str("number", bill.Number).
		Str("type", string(bill.Type)).
		Str("total", ComputeTotal(bill.Lines).StringFixed(2)).
		Msg("Bill closed")
	return bill, txn, nil
}

func (s *Service) closeOnce(ctx context.Context, billID int64, method string) (*Bill, *Transaction, error) {
	var (
		bill *Bill
		txn  *Transaction
	)
	err := s.repo.WithinTx(ctx, func(tx Tx) error {
		b, err := tx.LoadBill(ctx, billID)
		if err != nil {
			return err
		}
		bill = b

		if !b.IsOpen {
			verr := &ValidationError{}
			verr.Add("is_open", fmt.Sprintf("bill %s is not open", b.Number))
			return verr
		}

		var original *Bill
		if b.AmendOf != 0 {
			original, err = tx.LoadBill(ctx, b.AmendOf)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if err := Clean(b, original); err != nil {
			return err
		}

		now := s.now()
		if b.DueOn == nil {
			months, days := s.dueDelta(method)
			due := now.AddDate(0, months, days)
			b.DueOn = &due
		}

		total := ComputeTotal(b.Lines)
		aggregate, err := tx.AggregateTotal(ctx, b.ID)
		if err != nil {
			return err
		}
		if !aggregate.Equal(total) {
			return &LedgerError{BillID: b.ID, Message: fmt.Sprintf("stored total %s differs from computed total %s", aggregate.StringFixed(2), total.StringFixed(2))}
		}

		if b.Type != Proforma {
			txn = &Transaction{
				BillID:    b.ID,
				Method:    method,
				Amount:    total,
				State:     WaitingProcessing,
				CreatedAt: now,
			}
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return err
			}
			b.Transactions = append(b.Transactions, txn)
		}

		b.ClosedOn = &now
		b.IsOpen = false
		b.IsSent = false

		prefix, err := s.numbering.Prefix(b.Type, false)
		if err != nil {
			return err
		}
		existing, err := tx.NumbersLike(ctx, Scope(prefix, now.Year()))
		if err != nil {
			return err
		}
		number, err := NextNumber(existing, prefix, now.Year(), s.numbering.Width)
		if err != nil {
			return err
		}
		b.Number = number

		doc := s.document
		doc.Method = method
		html, err := RenderContext(ctx, b, doc)
		if err != nil {
			return err
		}
		b.HTML = html

		return tx.UpdateClosed(ctx, b)
	})
	if err != nil {
		return bill, nil, err
	}
	return bill, txn, nil
}

// OpenNumber returns the provisional number of a new open bill of type t.
func OpenNumber(ctx context.Context, tx Tx, n Numbering, t BillType, now time.Time) (string, error) {
	prefix, err := n.Prefix(t, true)
	if err != nil {
		return "", err
	}
	existing, err := tx.NumbersLike(ctx, Scope(prefix, now.Year()))
	if err != nil {
		return "", err
	}
	return NextNumber(existing, prefix, now.Year(), n.Width)
}
