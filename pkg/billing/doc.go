// Package billing implements the bill aggregate: totals over lines and
// sublines, payment state derived from the transaction ledger, amendment
// validation, year-scoped numbering and closing.
//
// Amounts are shopspring decimals. Totals are exact sums rounded half-even
// to two places once, at the outermost aggregation.
package billing

//go:generate go run github.com/a-h/templ/cmd/templ@v0.3.977 generate -f document.templ
