package billing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// OpenPrefix marks numbers of bills that are still open.
const OpenPrefix = "O"

// Numbering holds the number prefix per bill type and the sequence width.
type Numbering struct {
	Prefixes map[BillType]string
	Width    int
}

// Prefix returns the number prefix for a bill of type t, with the open
// marker for open bills.
func (n Numbering) Prefix(t BillType, open bool) (string, error) {
	p, ok := n.Prefixes[t]
	if !ok || p == "" {
		return "", fmt.Errorf("no number prefix configured for bill type %s", t)
	}
	if open {
		return OpenPrefix + p, nil
	}
	return p, nil
}

// Scope returns the LIKE-able stem shared by every number of a prefix in
// a year.
func Scope(prefix string, year int) string {
	return fmt.Sprintf("%s%04d", prefix, year)
}

// NextNumber returns the number following the highest sequence among
// existing numbers of prefix and year. Numbers of other prefixes, years
// or widths are ignored.
func NextNumber(existing []string, prefix string, year, width int) (string, error) {
	if width <= 0 {
		return "", fmt.Errorf("invalid number width %d", width)
	}
	scope := Scope(prefix, year)
	re := regexp.MustCompile("^" + regexp.QuoteMeta(scope) + fmt.Sprintf(`(\d{%d})$`, width))

	max := 0
	for _, n := range existing {
		m := re.FindStringSubmatch(n)
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if seq > max {
			max = seq
		}
	}

	next := strconv.Itoa(max + 1)
	if len(next) > width {
		return "", fmt.Errorf("number sequence %s exhausted at %d digits", scope, width)
	}
	return scope + strings.Repeat("0", width-len(next)) + next, nil
}
