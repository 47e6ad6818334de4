package api

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"docflow/internal/apperrors"
	"docflow/internal/export"
	"docflow/internal/job"

	"github.com/go-playground/validator/v10"
)

// maxBatchSize bounds POST /v1/jobs/batch.
const maxBatchSize = 1000

// createJobRequest is the wire form of one job submission.
type createJobRequest struct {
	ID        string            `json:"id,omitempty" validate:"omitempty,max=128"`
	Reference string            `json:"reference" validate:"required,max=4096"`
	Hint      string            `json:"hint,omitempty" validate:"max=1024"`
	Options   map[string]any    `json:"options,omitempty" validate:"max=32"`
	Meta      map[string]string `json:"meta,omitempty" validate:"max=32,dive,keys,max=64,endkeys,max=256"`
	Callback  *callbackRequest  `json:"callback,omitempty"`
}

type callbackRequest struct {
	URL    string   `json:"url" validate:"required,http_url"`
	Events []string `json:"events,omitempty" validate:"max=16,dive,oneof=docflow.job.completed docflow.job.failed docflow.job.cancelled"`
	Key    string   `json:"key,omitempty" validate:"max=256"`
}

type batchRequest struct {
	Jobs []createJobRequest `json:"jobs" validate:"required,min=1,dive"`
}

type reapRequest struct {
	KeepRecent int `json:"keepRecent" validate:"min=0"`
}

func (r createJobRequest) toJob() job.Request {
	req := job.Request{
		ID:        r.ID,
		Reference: r.Reference,
		Hint:      r.Hint,
		Options:   r.Options,
		Meta:      r.Meta,
	}
	if r.Callback != nil {
		req.Callback = &job.Callback{URL: r.Callback.URL, Events: r.Callback.Events, Key: r.Callback.Key}
	}
	return req
}

// confineReference resolves a local reference under root. Remote
// references pass through. With no root configured, local references are
// refused. field names the reference in error messages.
func confineReference(root, ref, field string) (string, error) {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ref, nil
	}
	if root == "" {
		return "", apperrors.Validation(field, "local references are disabled; set server.input_root")
	}
	rel := ref
	if filepath.IsAbs(ref) {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("resolve input root: %w", err)
		}
		if rel, err = filepath.Rel(abs, filepath.Clean(ref)); err != nil {
			return "", apperrors.Validation(field, "reference is outside the input root")
		}
	}
	path, err := export.SafeJoin(root, rel)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			return "", apperrors.Validation(field, "reference is outside the input root")
		}
		return "", err
	}
	return path, nil
}

// requestValidator validates decoded request bodies and reports the first
// failing field by its JSON name.
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

func (rv *requestValidator) validate(req any) error {
	err := rv.v.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperrors.Validation("body", err.Error())
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return apperrors.Validation(field, describe(fe))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s exceeds maximum of %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "http_url":
		return fmt.Sprintf("%s must be an http or https URL", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
	}
}
