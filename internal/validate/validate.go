// Package validate wraps a singleton go-playground validator that reports
// failures as perr validation errors named after yaml fields
package validate

import (
	stderrs "errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	perr "lungctanalyzer/internal/errors"
)

var (
	once sync.Once
	v    *validator.Validate
)

// Get returns the shared validator, initializing it on first use
func Get() *validator.Validate {
	once.Do(func() {
		vv := validator.New(validator.WithRequiredStructEnabled())
		vv.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		v = vv
	})
	return v
}

// Struct validates s and converts the first field failure into a perr
// validation error carrying the field namespace
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if stderrs.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return perr.WithField(perr.Validationf("%s", describe(fe)), fe.Namespace())
	}
	return perr.Wrap(err, perr.ErrorCodeValidation, "validation failed")
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "ltefield":
		return fmt.Sprintf("%s (%v) must not exceed %s", fe.Field(), fe.Value(), fe.Param())
	case "len":
		return fmt.Sprintf("%s must have exactly %s entries", fe.Field(), fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s (%v) must be at least %s", fe.Field(), fe.Value(), fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s (%v) must be at most %s", fe.Field(), fe.Value(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s (%v) must be one of [%s]", fe.Field(), fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
	}
}
