package stores

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// toHundredths converts an amount with at most two decimals to an integer
// count of hundredths (cents for money, basis points for tax rates).
func toHundredths(field string, d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(2)) {
		return 0, fmt.Errorf("%s %s has more than two decimals", field, d.String())
	}
	return d.Shift(2).IntPart(), nil
}

func fromHundredths(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
