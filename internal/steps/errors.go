package steps

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStep is returned for step numbers outside the form.
var ErrUnknownStep = errors.New("unknown step")

const (
	CodeRequired      = "required"
	CodeUnknownField  = "unknown_field"
	CodeInvalidType   = "invalid_type"
	CodeOutOfRange    = "out_of_range"
	CodeInvalidChoice = "invalid_choice"
	CodeTooLong       = "too_long"
	CodeInvalidFormat = "invalid_format"
)

// FieldError is one problem with one field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries every field problem found in a step payload.
type ValidationError struct {
	Step   int
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Code)
	}
	return fmt.Sprintf("step %d invalid: %s", e.Step, strings.Join(parts, ", "))
}
