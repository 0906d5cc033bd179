package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hostpanel/hostpanel/pkg/billing"
	"github.com/hostpanel/hostpanel/pkg/stores"
	"github.com/hostpanel/hostpanel/pkg/telemetry"
)

func newBillCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bill",
		Short: "Billing ledger operations",
		Long: `Create, fill, close and inspect bills.

Open bills carry a provisional O-prefixed number. Closing assigns the
definitive number, freezes the document and opens the settlement
transaction.`,
	}

	cmd.AddCommand(newBillCreateCommand())
	cmd.AddCommand(newBillAddLineCommand())
	cmd.AddCommand(newBillAddTransactionCommand())
	cmd.AddCommand(newBillSetStateCommand())
	cmd.AddCommand(newBillCloseCommand())
	cmd.AddCommand(newBillShowCommand())
	cmd.AddCommand(newBillStateCommand())
	cmd.AddCommand(newBillListCommand())

	return cmd
}

// withLedger runs fn with an app holding the store.
func withLedger(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func parseBillType(s string) (billing.BillType, error) {
	t := billing.BillType(strings.ToUpper(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown bill type %q", s)
	}
	return t, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return &t, nil
}

func newBillCreateCommand() *cobra.Command {
	var (
		account  string
		billType string
		amendOf  int64
		comments string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new bill",
		Example: `  # Open an invoice
  panel bill create --account acme --type invoice

  # Open an amendment of closed invoice 42
  panel bill create --amend-of 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withLedger(ctx, func(a *app) error {
				var b *billing.Bill
				if amendOf != 0 {
					original, err := a.store.GetBill(ctx, amendOf)
					if err != nil {
						return err
					}
					if b, err = billing.NewAmendment(original); err != nil {
						return err
					}
				} else {
					t, err := parseBillType(billType)
					if err != nil {
						return err
					}
					b = &billing.Bill{Account: account, Type: t, IsOpen: true}
				}
				b.Comments = comments

				if err := a.store.CreateBill(ctx, b, a.numbering()); err != nil {
					return err
				}
				log.Info().Int64("bill_id", b.ID).Str("number", b.Number).Msg("Bill created")
				if jsonOutput {
					return printJSON(b)
				}
				fmt.Printf("✓ Created %s %s (id %d) for %s\n", b.Type, b.Number, b.ID, b.Account)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "owning account")
	cmd.Flags().StringVar(&billType, "type", "invoice", "invoice, fee or proforma")
	cmd.Flags().Int64Var(&amendOf, "amend-of", 0, "closed bill to amend")
	cmd.Flags().StringVar(&comments, "comments", "", "free-form comments")

	return cmd
}

func newBillAddLineCommand() *cobra.Command {
	var (
		billID      int64
		description string
		subtotal    string
		tax         string
		rate        string
		quantity    string
		verboseQty  string
		start, end  string
		amends      int64
		sublines    []string
	)

	cmd := &cobra.Command{
		Use:   "add-line",
		Short: "Add a line to an open bill",
		Example: `  # Bill one month of hosting at 21% tax with a 5.00 discount
  panel bill add-line --bill 7 --description "Hosting plan" --rate 25 --quantity 1 \
    --subtotal 25 --tax 21 --subline "VOLUME:Loyalty discount:-5"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			l := &billing.Line{Description: description, VerboseQuantity: verboseQty, AmendedLine: amends}
			var err error
			if l.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
				return fmt.Errorf("invalid subtotal %q: %w", subtotal, err)
			}
			if l.Tax, err = decimal.NewFromString(tax); err != nil {
				return fmt.Errorf("invalid tax %q: %w", tax, err)
			}
			if rate != "" {
				d, err := decimal.NewFromString(rate)
				if err != nil {
					return fmt.Errorf("invalid rate %q: %w", rate, err)
				}
				l.Rate = decimal.NewNullDecimal(d)
			}
			if quantity != "" {
				d, err := decimal.NewFromString(quantity)
				if err != nil {
					return fmt.Errorf("invalid quantity %q: %w", quantity, err)
				}
				l.Quantity = decimal.NewNullDecimal(d)
			}
			startOn, err := parseDate(start)
			if err != nil {
				return err
			}
			if startOn != nil {
				l.StartOn = *startOn
			}
			if l.EndOn, err = parseDate(end); err != nil {
				return err
			}
			for _, spec := range sublines {
				sl, err := parseSubline(spec)
				if err != nil {
					return err
				}
				l.Sublines = append(l.Sublines, sl)
			}

			return withLedger(ctx, func(a *app) error {
				if err := a.store.AddLine(ctx, billID, l); err != nil {
					return err
				}
				fmt.Printf("✓ Added line %d to bill %d: %s\n", l.ID, billID, l.Total().StringFixed(2))
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&billID, "bill", 0, "bill id")
	cmd.Flags().StringVar(&description, "description", "", "line description")
	cmd.Flags().StringVar(&subtotal, "subtotal", "0", "line subtotal before tax")
	cmd.Flags().StringVar(&tax, "tax", "0", "tax rate in percent")
	cmd.Flags().StringVar(&rate, "rate", "", "unit rate")
	cmd.Flags().StringVar(&quantity, "quantity", "", "quantity")
	cmd.Flags().StringVar(&verboseQty, "verbose-quantity", "", "human readable quantity")
	cmd.Flags().StringVar(&start, "start", "", "period start (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&end, "end", "", "period end (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&amends, "amends-line", 0, "line of the amended bill this line corrects")
	cmd.Flags().StringArrayVar(&sublines, "subline", nil, "TYPE:description:total adjustment, repeatable")
	_ = cmd.MarkFlagRequired("bill")
	_ = cmd.MarkFlagRequired("description")

	return cmd
}

// parseSubline parses "TYPE:description:total".
func parseSubline(spec string) (billing.Subline, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return billing.Subline{}, fmt.Errorf("invalid subline %q, want TYPE:description:total", spec)
	}
	total, err := decimal.NewFromString(parts[2])
	if err != nil {
		return billing.Subline{}, fmt.Errorf("invalid subline total %q: %w", parts[2], err)
	}
	return billing.Subline{
		Type:        billing.SublineType(strings.ToUpper(parts[0])),
		Description: parts[1],
		Total:       total,
	}, nil
}

func newBillAddTransactionCommand() *cobra.Command {
	var (
		billID int64
		amount string
		method string
		state  string
	)

	cmd := &cobra.Command{
		Use:   "add-transaction",
		Short: "Record a payment ledger entry",
		Example: `  # Record an executed transfer of 30.25
  panel bill add-transaction --bill 7 --amount 30.25 --method transfer --state EXECUTED`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			t := &billing.Transaction{
				BillID:    billID,
				Amount:    amt,
				Method:    method,
				State:     billing.TransactionState(strings.ToUpper(state)),
				CreatedAt: time.Now().UTC(),
			}
			return withLedger(ctx, func(a *app) error {
				if err := a.store.AddTransaction(ctx, t); err != nil {
					return err
				}
				fmt.Printf("✓ Added transaction %d to bill %d: %s %s\n", t.ID, billID, t.Amount.StringFixed(2), t.State)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&billID, "bill", 0, "bill id")
	cmd.Flags().StringVar(&amount, "amount", "", "signed amount")
	cmd.Flags().StringVar(&method, "method", "", "payment method")
	cmd.Flags().StringVar(&state, "state", string(billing.WaitingProcessing), "transaction state")
	_ = cmd.MarkFlagRequired("bill")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func newBillSetStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "set-state TRANSACTION STATE",
		Short:   "Record a transaction state change",
		Example: `  panel bill set-state 12 SECURED`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid transaction id %q", args[0])
			}
			state := billing.TransactionState(strings.ToUpper(args[1]))
			return withLedger(ctx, func(a *app) error {
				if err := a.store.SetTransactionState(ctx, id, state); err != nil {
					return err
				}
				fmt.Printf("✓ Transaction %d is %s\n", id, state)
				return nil
			})
		},
	}
	return cmd
}

func newBillCloseCommand() *cobra.Command {
	var method string

	cmd := &cobra.Command{
		Use:   "close BILL",
		Short: "Close an open bill",
		Long: `Validate, total, number and freeze an open bill.

Every bill but a pro-forma gets a settlement transaction for its total.`,
		Example: `  panel bill close 7 --method sepa`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid bill id %q", args[0])
			}
			return withLedger(ctx, func(a *app) error {
				op := a.tel.StartOperation(ctx, "panel.bill.close", telemetry.AttrBillID.Int64(id))
				b, t, err := a.billingService().Close(op.Ctx, id, method)
				op.End(err)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(b)
				}
				fmt.Printf("✓ Closed %s %s, total %s\n", b.Type, b.Number, billing.ComputeTotal(b.Lines).StringFixed(2))
				if b.DueOn != nil {
					fmt.Printf("  due on %s\n", b.DueOn.Format("2006-01-02"))
				}
				if t != nil {
					fmt.Printf("  transaction %d: %s %s\n", t.ID, t.Amount.StringFixed(2), t.State)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "payment method (sets the due date)")

	return cmd
}

func newBillShowCommand() *cobra.Command {
	var html bool

	cmd := &cobra.Command{
		Use:   "show BILL",
		Short: "Show a bill",
		Example: `  # Print the frozen document of a closed bill
  panel bill show 7 --html > bill.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid bill id %q", args[0])
			}
			return withLedger(ctx, func(a *app) error {
				b, err := a.store.GetBill(ctx, id)
				if err != nil {
					return err
				}
				if html {
					doc := b.HTML
					if doc == "" {
						if doc, err = billing.RenderContext(ctx, b, documentFor(a)); err != nil {
							return err
						}
					}
					fmt.Println(doc)
					return nil
				}
				if jsonOutput {
					return printJSON(b)
				}
				printBill(a, b)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&html, "html", false, "print the bill document")

	return cmd
}

func newBillStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state BILL...",
		Short: "Show the payment state of bills",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withLedger(ctx, func(a *app) error {
				calc := billing.NewCalculator()
				for _, arg := range args {
					id, err := strconv.ParseInt(arg, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid bill id %q", arg)
					}
					b, err := a.store.GetBill(ctx, id)
					if err != nil {
						return err
					}
					state, err := calc.PaymentState(b)
					if err != nil {
						return err
					}
					fmt.Printf("%s\t%s\t%s\n", b.Number, calc.Total(b).StringFixed(2), state)
				}
				return nil
			})
		},
	}
	return cmd
}

func newBillListCommand() *cobra.Command {
	var (
		account  string
		billType string
		open     bool
		closed   bool
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bills",
		Example: `  # Open bills of one account
  panel bill list --account acme --open`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f := stores.BillFilter{Account: account, Limit: limit}
			if billType != "" {
				t, err := parseBillType(billType)
				if err != nil {
					return err
				}
				f.Type = t
			}
			if open != closed {
				f.Open = &open
			}
			return withLedger(ctx, func(a *app) error {
				bills, err := a.store.ListBills(ctx, f)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(bills)
				}
				calc := billing.NewCalculator()
				for _, b := range bills {
					state, err := calc.PaymentState(b)
					if err != nil {
						return err
					}
					fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.Number, b.Type, b.Account, calc.Total(b).StringFixed(2), state)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "only bills of this account")
	cmd.Flags().StringVar(&billType, "type", "", "only bills of this type")
	cmd.Flags().BoolVar(&open, "open", false, "only open bills")
	cmd.Flags().BoolVar(&closed, "closed", false, "only closed bills")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of bills")

	return cmd
}

func documentFor(a *app) billing.Document {
	b := a.settings.Billing
	return billing.Document{
		Seller: billing.Seller{
			Name:    b.Seller.Name,
			VATID:   b.Seller.VATID,
			Address: b.Seller.Address,
			Email:   b.Seller.Email,
		},
		Currency: b.Currency,
		Language: b.Language,
	}
}

func printBill(a *app, b *billing.Bill) {
	status := "open"
	if !b.IsOpen {
		status = "closed " + b.ClosedOn.Format("2006-01-02")
	}
	fmt.Printf("%s %s (id %d), %s, account %s\n", b.Type, b.Number, b.ID, status, b.Account)
	if b.AmendOf != 0 {
		fmt.Printf("amends bill %d\n", b.AmendOf)
	}
	fmt.Println()
	for _, l := range b.Lines {
		fmt.Printf("  %-40s %8s %10s  tax %s%%\n", l.Description, l.VerboseQty(), l.Subtotal.StringFixed(2), l.Tax.String())
		for _, sl := range l.Sublines {
			fmt.Printf("    %-38s %19s\n", sl.Description, sl.Total.StringFixed(2))
		}
	}
	fmt.Println()
	for _, st := range billing.ComputeSubtotals(b.Lines) {
		fmt.Printf("  tax %s%%: base %s, tax %s\n", st.Tax.String(), st.Subtotal.StringFixed(2), st.Amount.StringFixed(2))
	}
	fmt.Printf("  total %s %s\n", billing.ComputeTotal(b.Lines).StringFixed(2), a.settings.Billing.Currency)
	for _, t := range b.Transactions {
		fmt.Printf("  transaction %d: %s %s %s\n", t.ID, t.Amount.StringFixed(2), t.Method, t.State)
	}
}
