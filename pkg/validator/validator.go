package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/clinical-api/internal/model"
)

// FieldError is one failed rule, keyed by the JSON field name.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var messages = map[string]string{
	"required":  "field is required",
	"uuid":      "must be a UUID",
	"max":       "value is too long",
	"oneof":     "value is not allowed",
	"fdi":       "must be a valid FDI tooth number",
	"condition": "unknown condition code",
	"surface":   "unknown surface code",
	"finding":   "unknown finding code",
}

// New returns a validator with the dental tags registered.
func New() *validator.Validate {
	v := validator.New()
	if err := Register(v); err != nil {
		panic(err)
	}
	return v
}

// Register adds the fdi, condition, surface and finding tags to v and makes
// errors report JSON field names.
func Register(v *validator.Validate) error {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	custom := map[string]validator.Func{
		"fdi": func(fl validator.FieldLevel) bool {
			switch fl.Field().Kind() {
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				return model.IsValidFDI(int(fl.Field().Int()))
			}
			return false
		},
		"condition": func(fl validator.FieldLevel) bool {
			return model.ConditionCode(strings.ToUpper(fl.Field().String())).Valid()
		},
		"surface": func(fl validator.FieldLevel) bool {
			return model.SurfaceCode(strings.ToUpper(fl.Field().String())).Valid()
		},
		"finding": func(fl validator.FieldLevel) bool {
			return model.FindingCode(strings.ToUpper(fl.Field().String())).Valid()
		},
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validation: %w", tag, err)
		}
	}
	return nil
}

// Describe flattens validator errors. It returns nil if err is not a
// validator.ValidationErrors.
func Describe(err error) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return nil
	}
	out := make([]FieldError, 0, len(errs))
	for _, e := range errs {
		msg := messages[e.Tag()]
		if msg == "" {
			msg = e.Error()
		}
		out = append(out, FieldError{Field: e.Field(), Message: msg})
	}
	return out
}
