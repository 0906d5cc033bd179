package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors returned by the billing service.
var (
	ErrNotFound       = errors.New("bill not found")
	ErrNumberConflict = errors.New("bill number already taken")
)

// ValidationError reports every field-attributed problem of a bill at once.
type ValidationError struct {
	Fields map[string][]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e.Fields[f], "; "))
	}
	return "invalid bill: " + strings.Join(parts, ", ")
}

// Add records a message for field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// OrNil returns e when it holds any message.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Clean validates the amendment linkage of b against the bill it amends.
// original must be the bill referenced by b.AmendOf, or nil when b amends
// nothing.
func Clean(b, original *Bill) error {
	verr := &ValidationError{}
	if !b.Type.Valid() {
		verr.Add("type", fmt.Sprintf("unknown bill type %q", b.Type))
	}
	if b.AmendOf == 0 {
		return verr.OrNil()
	}
	if original == nil {
		verr.Add("amend_of", fmt.Sprintf("bill %d does not exist", b.AmendOf))
		return verr
	}

	if !b.Type.IsAmendment() {
		verr.Add("amend_of", fmt.Sprintf("type %s is not an amendment", b.Type))
	}
	if original.Account != b.Account {
		verr.Add("account", "amended bill account does not match bill account")
	}
	if original.IsOpen {
		verr.Add("amend_of", "amended bill is still open")
	}
	if original.Type.IsAmendment() {
		verr.Add("amend_of", "amended bill is itself an amendment")
	}
	return verr.OrNil()
}

// NewAmendment returns an open amendment of original. The original must be
// closed and amendable.
func NewAmendment(original *Bill) (*Bill, error) {
	t, ok := AmendTypes[original.Type]
	if !ok {
		verr := &ValidationError{}
		verr.Add("amend_of", fmt.Sprintf("bills of type %s cannot be amended", original.Type))
		return nil, verr
	}
	b := &Bill{
		Account: original.Account,
		AmendOf: original.ID,
		Type:    t,
		IsOpen:  true,
	}
	if err := Clean(b, original); err != nil {
		return nil, err
	}
	return b, nil
}
