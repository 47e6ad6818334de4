package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/docker/go-units"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name, _, _ := strings.Cut(f.Tag.Get("koanf"), ","); name != "" {
			return name
		}
		return f.Name
	})
	_ = v.RegisterValidation("bytesize", func(fl validator.FieldLevel) bool {
		_, err := units.RAMInBytes(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks cfg against its struct tags. All violations are
// reported together.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "bytesize":
		return fmt.Sprintf("%s: %q is not a size", field, fe.Value())
	case "http_url":
		return field + " must be an http(s) URL"
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s fails %s", field, fe.Tag())
	}
}
