package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// LedgerError signals persisted ledger data that cannot be interpreted.
// It is never defaulted away.
type LedgerError struct {
	BillID  int64
	Message string
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger inconsistent for bill %d: %s", e.BillID, e.Message)
}

// IsLedger reports whether err is a LedgerError.
func IsLedger(err error) bool {
	var le *LedgerError
	return errors.As(err, &le)
}

// DerivePaymentState computes the settlement state of b from a single pass
// over its transactions. Open and pro-forma bills are always OPEN.
func DerivePaymentState(b *Bill) (PaymentState, error) {
	if b.IsOpen || b.Type == Proforma {
		return StateOpen, nil
	}
	return paymentState(b, ComputeTotal(b.Lines))
}

func paymentState(b *Bill, total decimal.Decimal) (PaymentState, error) {
	secured := decimal.Zero
	pending := decimal.Zero
	var created, processed, executed bool

	for _, t := range b.Transactions {
		switch t.State {
		case Secured:
			secured = secured.Add(t.Amount)
			pending = pending.Add(t.Amount)
		case WaitingProcessing, WaitingConfirmation:
			pending = pending.Add(t.Amount)
			created = true
		case WaitingExecution:
			pending = pending.Add(t.Amount)
			processed = true
		case Executed:
			pending = pending.Add(t.Amount)
			executed = true
		case Rejected:
		default:
			return "", &LedgerError{BillID: b.ID, Message: fmt.Sprintf("unknown transaction state %q on transaction %d", t.State, t.ID)}
		}
	}

	ongoing := !secured.IsZero() || created || processed || executed
	if !total.IsNegative() {
		if secured.GreaterThanOrEqual(total) {
			return StatePaid, nil
		}
		if ongoing && pending.LessThan(total) {
			return StateIncomplete, nil
		}
	} else {
		if secured.LessThanOrEqual(total) {
			return StatePaid, nil
		}
		if ongoing && pending.GreaterThan(total) {
			return StateIncomplete, nil
		}
	}

	switch {
	case created:
		return StateCreated, nil
	case processed:
		return StateProcessed, nil
	case executed:
		return StateExecuted, nil
	}
	return StateBadDebt, nil
}
