package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hostpanel/hostpanel/pkg/billing"
)

var (
	_ billing.Repository = (*SQLiteStore)(nil)
	_ billing.Tx         = (*ledgerTx)(nil)
)

// BillFilter narrows ListBills.
type BillFilter struct {
	Account string
	Type    billing.BillType
	Open    *bool
	Limit   int
	Offset  int
}

// WithinTx runs fn in one IMMEDIATE transaction. Concurrent closes of the
// same bill serialize on the database write lock.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(billing.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&ledgerTx{q: tx})
	})
}

// CreateBill inserts an open bill with a provisional O-prefixed number.
// Amendments are validated against the bill they amend.
func (s *SQLiteStore) CreateBill(ctx context.Context, b *billing.Bill, numbering billing.Numbering) error {
	if b.Account == "" {
		verr := &billing.ValidationError{}
		verr.Add("account", "account is required")
		return verr
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			return createBill(ctx, &ledgerTx{q: tx}, b, numbering)
		})
		if !errors.Is(err, billing.ErrNumberConflict) {
			break
		}
	}
	return err
}

func createBill(ctx context.Context, t *ledgerTx, b *billing.Bill, numbering billing.Numbering) error {
	var original *billing.Bill
	if b.AmendOf != 0 {
		o, err := t.LoadBill(ctx, b.AmendOf)
		if err != nil && !errors.Is(err, billing.ErrNotFound) {
			return err
		}
		original = o
	}
	if err := billing.Clean(b, original); err != nil {
		return err
	}

	now := time.Now().UTC()
	number, err := billing.OpenNumber(ctx, t, numbering, b.Type, now)
	if err != nil {
		return err
	}

	var amendOf sql.NullInt64
	if b.AmendOf != 0 {
		amendOf = sql.NullInt64{Int64: b.AmendOf, Valid: true}
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO bills (number, account, amend_of, type, created_on, due_on, is_open, is_sent, comments)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?)
	`, number, b.Account, amendOf, b.Type, now, nullTime(b.DueOn), b.Comments)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrNumberConflict
		}
		return fmt.Errorf("failed to create bill: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get bill id: %w", err)
	}

	b.ID = id
	b.Number = number
	b.CreatedOn = now
	b.IsOpen = true
	b.IsSent = false
	return nil
}

// AddLine appends a line and its sublines to an open bill.
func (s *SQLiteStore) AddLine(ctx context.Context, billID int64, l *billing.Line) error {
	verr := &billing.ValidationError{}
	subtotal, err := toHundredths("subtotal", l.Subtotal)
	if err != nil {
		verr.Add("subtotal", err.Error())
	}
	tax, err := toHundredths("tax", l.Tax)
	if err != nil {
		verr.Add("tax", err.Error())
	}
	var rate sql.NullInt64
	if l.Rate.Valid {
		cents, err := toHundredths("rate", l.Rate.Decimal)
		if err != nil {
			verr.Add("rate", err.Error())
		}
		rate = sql.NullInt64{Int64: cents, Valid: true}
	}
	sublines := make([]int64, len(l.Sublines))
	for i, sl := range l.Sublines {
		cents, err := toHundredths("subline total", sl.Total)
		if err != nil {
			verr.Add("sublines", err.Error())
		}
		sublines[i] = cents
		if sl.Type == "" {
			l.Sublines[i].Type = billing.SublineOther
		}
	}
	if l.Description == "" {
		verr.Add("description", "description is required")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	var quantity sql.NullString
	if l.Quantity.Valid {
		quantity = sql.NullString{String: l.Quantity.Decimal.String(), Valid: true}
	}
	var amended sql.NullInt64
	if l.AmendedLine != 0 {
		amended = sql.NullInt64{Int64: l.AmendedLine, Valid: true}
	}
	if l.StartOn.IsZero() {
		l.StartOn = time.Now().UTC()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var isOpen bool
		err := tx.QueryRowContext(ctx, `SELECT is_open FROM bills WHERE id = ?`, billID).Scan(&isOpen)
		if errors.Is(err, sql.ErrNoRows) {
			return billing.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get bill: %w", err)
		}
		if !isOpen {
			verr := &billing.ValidationError{}
			verr.Add("is_open", "lines can only be added to open bills")
			return verr
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO bill_lines (
				bill_id, position, description, rate_cents, quantity, verbose_quantity,
				subtotal_cents, tax_bp, start_on, end_on, amended_line
			) VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM bill_lines WHERE bill_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, billID, billID, l.Description, rate, quantity, l.VerboseQuantity, subtotal, tax, l.StartOn, nullTime(l.EndOn), amended)
		if err != nil {
			return fmt.Errorf("failed to add line: %w", err)
		}
		lineID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get line id: %w", err)
		}

		for i, sl := range l.Sublines {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO bill_sublines (line_id, position, type, description, total_cents)
				VALUES (?, ?, ?, ?, ?)
			`, lineID, i+1, l.Sublines[i].Type, sl.Description, sublines[i])
			if err != nil {
				return fmt.Errorf("failed to add subline: %w", err)
			}
			if l.Sublines[i].ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to get subline id: %w", err)
			}
		}

		l.ID = lineID
		l.BillID = billID
		return nil
	})
}

// AddTransaction appends a ledger entry to a bill.
func (s *SQLiteStore) AddTransaction(ctx context.Context, t *billing.Transaction) error {
	if !t.State.Valid() {
		verr := &billing.ValidationError{}
		verr.Add("state", fmt.Sprintf("unknown transaction state %q", t.State))
		return verr
	}
	return s.WithinTx(ctx, func(tx billing.Tx) error {
		return tx.InsertTransaction(ctx, t)
	})
}

// SetTransactionState records a state change coming from the payment
// subsystem.
func (s *SQLiteStore) SetTransactionState(ctx context.Context, id int64, state billing.TransactionState) error {
	if !state.Valid() {
		verr := &billing.ValidationError{}
		verr.Add("state", fmt.Sprintf("unknown transaction state %q", state))
		return verr
	}
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET state = ?, updated_at = ? WHERE id = ?`, state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update transaction state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transaction %d: %w", id, billing.ErrNotFound)
	}
	return nil
}

// GetBill returns a bill with its lines, sublines and transactions.
func (s *SQLiteStore) GetBill(ctx context.Context, id int64) (*billing.Bill, error) {
	return loadBill(ctx, s.db, id)
}

// ListBills returns fully loaded bills, newest first.
func (s *SQLiteStore) ListBills(ctx context.Context, f BillFilter) ([]*billing.Bill, error) {
	var (
		where []string
		args  []any
	)
	if f.Account != "" {
		where = append(where, "account = ?")
		args = append(args, f.Account)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Open != nil {
		where = append(where, "is_open = ?")
		args = append(args, *f.Open)
	}
	query := "SELECT id FROM bills"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bills: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan bill id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bills: %w", err)
	}

	bills := make([]*billing.Bill, 0, len(ids))
	for _, id := range ids {
		b, err := loadBill(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, nil
}

// ledgerTx implements billing.Tx on one SQL transaction.
type ledgerTx struct {
	q queryer
}

func (t *ledgerTx) LoadBill(ctx context.Context, id int64) (*billing.Bill, error) {
	return loadBill(ctx, t.q, id)
}

func (t *ledgerTx) NumbersLike(ctx context.Context, stem string) ([]string, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT number FROM bills WHERE substr(number, 1, ?) = ?`, len(stem), stem)
	if err != nil {
		return nil, fmt.Errorf("failed to list bill numbers: %w", err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan bill number: %w", err)
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, txn *billing.Transaction) error {
	amount, err := toHundredths("amount", txn.Amount)
	if err != nil {
		verr := &billing.ValidationError{}
		verr.Add("amount", err.Error())
		return verr
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions (bill_id, method, amount_cents, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, txn.BillID, txn.Method, amount, txn.State, txn.CreatedAt, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if txn.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get transaction id: %w", err)
	}
	return nil
}

func (t *ledgerTx) UpdateClosed(ctx context.Context, b *billing.Bill) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE bills
		SET number = ?, closed_on = ?, due_on = ?, is_open = ?, is_sent = ?, html = ?
		WHERE id = ? AND is_open = 1
	`, b.Number, nullTime(b.ClosedOn), nullTime(b.DueOn), b.IsOpen, b.IsSent, b.HTML, b.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrNumberConflict
		}
		return fmt.Errorf("failed to close bill: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		verr := &billing.ValidationError{}
		verr.Add("is_open", fmt.Sprintf("bill %d is not open", b.ID))
		return verr
	}
	return nil
}

// AggregateTotal sums lines and sublines in integer hundredths and rounds
// once, half-even, to cents.
func (t *ledgerTx) AggregateTotal(ctx context.Context, billID int64) (decimal.Decimal, error) {
	var sum int64
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM((l.subtotal_cents + COALESCE(s.total, 0)) * (10000 + l.tax_bp)), 0)
		FROM bill_lines l
		LEFT JOIN (
			SELECT line_id, SUM(total_cents) AS total FROM bill_sublines GROUP BY line_id
		) s ON s.line_id = l.id
		WHERE l.bill_id = ?
	`, billID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to aggregate bill total: %w", err)
	}
	return decimal.New(sum, -6).RoundBank(2), nil
}

func loadBill(ctx context.Context, q queryer, id int64) (*billing.Bill, error) {
	b := &billing.Bill{}
	var (
		amendOf         sql.NullInt64
		closedOn, dueOn sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, number, account, amend_of, type, created_on, closed_on, due_on, is_open, is_sent, comments, html
		FROM bills
		WHERE id = ?
	`, id).Scan(&b.ID, &b.Number, &b.Account, &amendOf, &b.Type, &b.CreatedOn, &closedOn, &dueOn, &b.IsOpen, &b.IsSent, &b.Comments, &b.HTML)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}
	b.AmendOf = amendOf.Int64
	b.ClosedOn = timePtr(closedOn)
	b.DueOn = timePtr(dueOn)

	if b.Lines, err = loadLines(ctx, q, id); err != nil {
		return nil, err
	}
	if b.Transactions, err = loadTransactions(ctx, q, id); err != nil {
		return nil, err
	}
	return b, nil
}

func loadLines(ctx context.Context, q queryer, billID int64) ([]*billing.Line, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, description, rate_cents, quantity, verbose_quantity, subtotal_cents, tax_bp, start_on, end_on, amended_line
		FROM bill_lines
		WHERE bill_id = ?
		ORDER BY position
	`, billID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bill lines: %w", err)
	}

	var (
		lines []*billing.Line
		byID  = map[int64]*billing.Line{}
	)
	for rows.Next() {
		l := &billing.Line{BillID: billID}
		var (
			rate     sql.NullInt64
			quantity sql.NullString
			subtotal int64
			tax      int64
			endOn    sql.NullTime
			amended  sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.Description, &rate, &quantity, &l.VerboseQuantity, &subtotal, &tax, &l.StartOn, &endOn, &amended); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan bill line: %w", err)
		}
		if rate.Valid {
			l.Rate = decimal.NewNullDecimal(fromHundredths(rate.Int64))
		}
		if quantity.Valid {
			qd, err := decimal.NewFromString(quantity.String)
			if err != nil {
				rows.Close()
				return nil, &billing.LedgerError{BillID: billID, Message: fmt.Sprintf("line %d has invalid quantity %q", l.ID, quantity.String)}
			}
			l.Quantity = decimal.NewNullDecimal(qd)
		}
		l.Subtotal = fromHundredths(subtotal)
		l.Tax = fromHundredths(tax)
		l.EndOn = timePtr(endOn)
		l.AmendedLine = amended.Int64
		lines = append(lines, l)
		byID[l.ID] = l
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bill lines: %w", err)
	}
	if len(lines) == 0 {
		return lines, nil
	}

	rows, err = q.QueryContext(ctx, `
		SELECT s.id, s.line_id, s.type, s.description, s.total_cents
		FROM bill_sublines s
		JOIN bill_lines l ON l.id = s.line_id
		WHERE l.bill_id = ?
		ORDER BY s.line_id, s.position
	`, billID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bill sublines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sl     billing.Subline
			lineID int64
			total  int64
		)
		if err := rows.Scan(&sl.ID, &lineID, &sl.Type, &sl.Description, &total); err != nil {
			return nil, fmt.Errorf("failed to scan bill subline: %w", err)
		}
		sl.Total = fromHundredths(total)
		if l, ok := byID[lineID]; ok {
			l.Sublines = append(l.Sublines, sl)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bill sublines: %w", err)
	}
	return lines, nil
}

func loadTransactions(ctx context.Context, q queryer, billID int64) ([]*billing.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, method, amount_cents, state, created_at
		FROM transactions
		WHERE bill_id = ?
		ORDER BY id
	`, billID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*billing.Transaction
	for rows.Next() {
		t := &billing.Transaction{BillID: billID}
		var amount int64
		if err := rows.Scan(&t.ID, &t.Method, &amount, &t.State, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Amount = fromHundredths(amount)
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
