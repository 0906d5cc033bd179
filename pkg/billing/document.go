package billing

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Seller identifies the issuer printed on bill documents.
type Seller struct {
	Name    string
	VATID   string
	Address string
	Email   string
}

// Document controls how a bill is rendered.
type Document struct {
	Seller   Seller
	Currency string
	Language string
	Method   string
}

type documentLine struct {
	Description string
	Period      string
	Quantity    string
	Rate        string
	Subtotal    string
	Sublines    []documentSubline
}

type documentSubline struct {
	Description string
	Total       string
}

type documentTax struct {
	BaseLabel string
	TaxLabel  string
	Subtotal  string
	Amount    string
}

// documentData is what billDocument prints; every value is preformatted.
type documentData struct {
	Lang     string
	Title    string
	Account  string
	Comments string
	Seller   Seller
	Method   string
	ClosedOn string
	DueOn    string
	AmendOf  string
	Lines    []documentLine
	Taxes    []documentTax
	Total    string
}

// Render produces the frozen HTML document of b.
func Render(b *Bill, d Document) (string, error) {
	return RenderContext(context.Background(), b, d)
}

// RenderContext is Render with a context for the component.
func RenderContext(ctx context.Context, b *Bill, d Document) (string, error) {
	tag, err := language.Parse(d.Language)
	if err != nil {
		return "", fmt.Errorf("invalid document language %q: %w", d.Language, err)
	}
	unit, err := currency.ParseISO(d.Currency)
	if err != nil {
		return "", fmt.Errorf("invalid document currency %q: %w", d.Currency, err)
	}
	p := message.NewPrinter(tag)
	money := func(v decimal.Decimal) string {
		return p.Sprint(currency.Symbol(unit.Amount(v.RoundBank(2).InexactFloat64())))
	}

	data := documentData{
		Lang:     tag.String(),
		Title:    string(b.Type) + " " + b.Number,
		Account:  b.Account,
		Comments: b.Comments,
		Seller:   d.Seller,
		Method:   d.Method,
		Total:    money(ComputeTotal(b.Lines)),
	}
	if b.ClosedOn != nil {
		data.ClosedOn = formatDate(*b.ClosedOn)
	}
	if b.DueOn != nil {
		data.DueOn = formatDate(*b.DueOn)
	}
	if b.AmendOf != 0 {
		data.AmendOf = fmt.Sprintf("#%d", b.AmendOf)
	}

	for _, l := range b.Lines {
		dl := documentLine{
			Description: l.Description,
			Period:      period(l),
			Quantity:    l.VerboseQty(),
			Subtotal:    money(l.Subtotal),
		}
		if l.Rate.Valid {
			dl.Rate = money(l.Rate.Decimal)
		}
		for _, s := range l.Sublines {
			dl.Sublines = append(dl.Sublines, documentSubline{Description: s.Description, Total: money(s.Total)})
		}
		data.Lines = append(data.Lines, dl)
	}
	for _, st := range ComputeSubtotals(b.Lines) {
		rate := p.Sprint(st.Tax.InexactFloat64())
		data.Taxes = append(data.Taxes, documentTax{
			BaseLabel: "Base " + rate + "%",
			TaxLabel:  "Tax " + rate + "%",
			Subtotal:  money(st.Subtotal),
			Amount:    money(st.Amount),
		})
	}

	var buf bytes.Buffer
	if err := billDocument(data).Render(ctx, &buf); err != nil {
		return "", fmt.Errorf("failed to render bill %d: %w", b.ID, err)
	}
	return buf.String(), nil
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// period prints the billed range. A range ending on the first of a month
// is shown up to the previous day.
func period(l *Line) string {
	if l.StartOn.IsZero() {
		return ""
	}
	ini := l.StartOn.Format("Jan 2006")
	if l.EndOn == nil {
		return ini
	}
	var end string
	if l.StartOn.Day() != 1 || l.EndOn.Day() != 1 {
		ini = l.StartOn.Format("Jan 2, 2006")
		end = l.EndOn.Format("Jan 2, 2006")
	} else {
		end = l.EndOn.AddDate(0, 0, -1).Format("Jan 2006")
	}
	if ini == end {
		return ini
	}
	return ini + " / " + end
}
