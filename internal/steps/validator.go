package steps

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks a raw step payload against its schema and returns the
// normalized fields. It never stops at the first problem: every field error
// is collected into a *ValidationError. Unknown step numbers return
// ErrUnknownStep.
func Validate(step int, raw map[string]any) (map[string]any, error) {
	schema, ok := SchemaFor(step)
	if !ok {
		return nil, ErrUnknownStep
	}

	out := make(map[string]any, len(schema.Fields))
	var problems []FieldError
	known := make(map[string]struct{}, len(schema.Fields))

	for _, field := range schema.Fields {
		known[field.Name] = struct{}{}
		value, present := raw[field.Name]
		if !present || value == nil {
			if field.Required {
				problems = append(problems, FieldError{Field: field.Name, Code: CodeRequired, Message: field.Name + " is required"})
			}
			continue
		}
		normalized, fe := normalizeField(field, value)
		if fe != nil {
			problems = append(problems, *fe)
			continue
		}
		if normalized == nil {
			if field.Required {
				problems = append(problems, FieldError{Field: field.Name, Code: CodeRequired, Message: field.Name + " is required"})
			}
			continue
		}
		if fe := checkRule(field, normalized); fe != nil {
			problems = append(problems, *fe)
			continue
		}
		out[field.Name] = normalized
	}

	var unknown []string
	for key := range raw {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		problems = append(problems, FieldError{Field: key, Code: CodeUnknownField, Message: fmt.Sprintf("%s is not accepted in step %d", key, step)})
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Step: step, Fields: problems}
	}
	return out, nil
}

// normalizeField coerces a value to the field's kind. A nil result with no
// error means the value was blank and is treated as absent.
func normalizeField(field FieldSpec, value any) (any, *FieldError) {
	switch field.Kind {
	case KindInt:
		f, ok := toFloat(value)
		if !ok || !isIntegral(f) {
			return nil, typeError(field, "a whole number")
		}
		return int(f), nil
	case KindNumber:
		f, ok := toFloat(value)
		if !ok {
			return nil, typeError(field, "a number")
		}
		return compactNumber(f), nil
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return nil, typeError(field, "a string")
		}
		key := foldChoice(s)
		if key == "" {
			return nil, nil
		}
		for _, choice := range field.Choices {
			if key == choice {
				return choice, nil
			}
		}
		return nil, &FieldError{
			Field:   field.Name,
			Code:    CodeInvalidChoice,
			Message: fmt.Sprintf("%s must be one of: %s", field.Name, strings.Join(field.Choices, ", ")),
		}
	case KindString, KindEmail:
		s, ok := value.(string)
		if !ok {
			return nil, typeError(field, "a string")
		}
		s = cleanString(s)
		if s == "" {
			return nil, nil
		}
		if field.Kind == KindEmail {
			s = strings.ToLower(s)
		}
		return s, nil
	}
	return nil, typeError(field, string(field.Kind))
}

func checkRule(field FieldSpec, value any) *FieldError {
	if field.Rule == "" {
		return nil
	}
	err := validate.Var(value, field.Rule)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &FieldError{Field: field.Name, Code: CodeInvalidFormat, Message: field.Name + " is invalid"}
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "gte", "lte", "min", "gt", "lt":
		return &FieldError{Field: field.Name, Code: CodeOutOfRange, Message: rangeMessage(field)}
	case "max":
		if field.Kind == KindString || field.Kind == KindEmail {
			return &FieldError{Field: field.Name, Code: CodeTooLong, Message: fmt.Sprintf("%s must be at most %s characters", field.Name, fe.Param())}
		}
		return &FieldError{Field: field.Name, Code: CodeOutOfRange, Message: rangeMessage(field)}
	case "email":
		return &FieldError{Field: field.Name, Code: CodeInvalidFormat, Message: field.Name + " must be a valid email address"}
	}
	return &FieldError{Field: field.Name, Code: CodeInvalidFormat, Message: field.Name + " is invalid"}
}

func rangeMessage(field FieldSpec) string {
	lo, hi := "", ""
	for _, part := range strings.Split(field.Rule, ",") {
		switch {
		case strings.HasPrefix(part, "gte="):
			lo = strings.TrimPrefix(part, "gte=")
		case strings.HasPrefix(part, "lte="):
			hi = strings.TrimPrefix(part, "lte=")
		}
	}
	if lo != "" && hi != "" {
		return fmt.Sprintf("%s must be between %s and %s", field.Name, lo, hi)
	}
	return field.Name + " is out of range"
}

func typeError(field FieldSpec, want string) *FieldError {
	return &FieldError{Field: field.Name, Code: CodeInvalidType, Message: fmt.Sprintf("%s must be %s", field.Name, want)}
}
