package resources

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	namePattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)
	directivePattern = regexp.MustCompile(`^[a-z_][a-z0-9_.]*$`)
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})

		_ = v.RegisterValidation("resource_name", func(fl validator.FieldLevel) bool {
			return namePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("php_directive", func(fl validator.FieldLevel) bool {
			return directivePattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})
	return validateInst
}

// Validate checks the struct tags of r. Failures are validation errors
// carrying every offending field.
func Validate(r engine.Resource) error {
	err := validatorInstance().Struct(r)
	if err == nil {
		return nil
	}

	ves, ok := err.(validator.ValidationErrors)
	if !ok {
		return engine.NewValidationError(fmt.Sprintf("invalid %s", r.Kind()), err).WithResource(r.Key())
	}

	fields := make([]string, 0, len(ves))
	for _, fe := range ves {
		fields = append(fields, fmt.Sprintf("%s (%s)", fieldName(fe), fe.Tag()))
	}
	verr := engine.NewValidationError(fmt.Sprintf("invalid %s: %s", r.Kind(), strings.Join(fields, ", ")), err).
		WithResource(r.Key())
	for _, fe := range ves {
		verr.WithDetail(fieldName(fe), fe.Tag())
	}
	return verr
}

// fieldName turns "WebApp.options.processes" into "options.processes".
func fieldName(fe validator.FieldError) string {
	_, name, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return fe.Field()
	}
	return name
}
