package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillType selects numbering, amendment rules and settlement behavior.
type BillType string

const (
	Invoice          BillType = "INVOICE"
	AmendmentInvoice BillType = "AMENDMENTINVOICE"
	Fee              BillType = "FEE"
	AmendmentFee     BillType = "AMENDMENTFEE"
	Proforma         BillType = "PROFORMA"
)

// AmendTypes maps an amendable type to the type of its amendments.
var AmendTypes = map[BillType]BillType{
	Invoice: AmendmentInvoice,
	Fee:     AmendmentFee,
}

// Valid reports whether t is a known bill type.
func (t BillType) Valid() bool {
	switch t {
	case Invoice, AmendmentInvoice, Fee, AmendmentFee, Proforma:
		return true
	}
	return false
}

// IsAmendment reports whether t is one of the amendment types.
func (t BillType) IsAmendment() bool {
	for _, a := range AmendTypes {
		if a == t {
			return true
		}
	}
	return false
}

// PaymentState is the settlement status derived from a bill's ledger.
type PaymentState string

const (
	StateOpen       PaymentState = ""
	StateCreated    PaymentState = "CREATED"
	StateProcessed  PaymentState = "PROCESSED"
	StateAmended    PaymentState = "AMENDED"
	StatePaid       PaymentState = "PAID"
	StateIncomplete PaymentState = "INCOMPLETE"
	StateExecuted   PaymentState = "EXECUTED"
	StateBadDebt    PaymentState = "BAD_DEBT"
)

// String returns the state name, OPEN for the empty state.
func (s PaymentState) String() string {
	if s == StateOpen {
		return "OPEN"
	}
	return string(s)
}

// TransactionState is the state of one ledger entry. Transitions happen
// in the payment subsystem; billing only reads them.
type TransactionState string

const (
	WaitingProcessing   TransactionState = "WAITING_PROCESSING"
	WaitingExecution    TransactionState = "WAITING_EXECUTION"
	WaitingConfirmation TransactionState = "WAITING_CONFIRMATION"
	Executed            TransactionState = "EXECUTED"
	Secured             TransactionState = "SECURED"
	Rejected            TransactionState = "REJECTED"
)

// Valid reports whether s is a known transaction state.
func (s TransactionState) Valid() bool {
	switch s {
	case WaitingProcessing, WaitingExecution, WaitingConfirmation, Executed, Secured, Rejected:
		return true
	}
	return false
}

// SublineType classifies adjustments to a line.
type SublineType string

const (
	SublineVolume       SublineType = "VOLUME"
	SublineCompensation SublineType = "COMPENSATION"
	SublineOther        SublineType = "OTHER"
)

// Bill is the accounting aggregate.
type Bill struct {
	ID        int64      `json:"id"`
	Number    string     `json:"number"`
	Account   string     `json:"account"`
	AmendOf   int64      `json:"amend_of,omitempty"`
	Type      BillType   `json:"type"`
	CreatedOn time.Time  `json:"created_on"`
	ClosedOn  *time.Time `json:"closed_on,omitempty"`
	DueOn     *time.Time `json:"due_on,omitempty"`
	IsOpen    bool       `json:"is_open"`
	IsSent    bool       `json:"is_sent"`
	Comments  string     `json:"comments,omitempty"`
	HTML      string     `json:"-"`

	Lines        []*Line        `json:"lines"`
	Transactions []*Transaction `json:"transactions"`
}

// Line is one billed item.
type Line struct {
	ID              int64               `json:"id"`
	BillID          int64               `json:"bill_id"`
	Description     string              `json:"description"`
	Rate            decimal.NullDecimal `json:"rate"`
	Quantity        decimal.NullDecimal `json:"quantity"`
	VerboseQuantity string              `json:"verbose_quantity,omitempty"`
	Subtotal        decimal.Decimal     `json:"subtotal"`
	Tax             decimal.Decimal     `json:"tax"`
	StartOn         time.Time           `json:"start_on"`
	EndOn           *time.Time          `json:"end_on,omitempty"`
	AmendedLine     int64               `json:"amended_line,omitempty"`
	Sublines        []Subline           `json:"sublines,omitempty"`
}

// Subline is a signed adjustment such as a discount or a compensation.
type Subline struct {
	ID          int64           `json:"id"`
	Type        SublineType     `json:"type"`
	Description string          `json:"description"`
	Total       decimal.Decimal `json:"total"`
}

// Transaction is a payment ledger entry.
type Transaction struct {
	ID        int64            `json:"id"`
	BillID    int64            `json:"bill_id"`
	Method    string           `json:"method,omitempty"`
	Amount    decimal.Decimal  `json:"amount"`
	State     TransactionState `json:"state"`
	CreatedAt time.Time        `json:"created_at"`
}

// Total returns the line subtotal plus its sublines.
func (l *Line) Total() decimal.Decimal {
	total := l.Subtotal
	for _, s := range l.Sublines {
		total = total.Add(s.Total)
	}
	return total.RoundBank(2)
}

// VerboseQty returns the human quantity, falling back to the numeric one.
func (l *Line) VerboseQty() string {
	if l.VerboseQuantity != "" {
		return l.VerboseQuantity
	}
	if l.Quantity.Valid {
		return l.Quantity.Decimal.String()
	}
	return ""
}
