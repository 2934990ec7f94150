package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRe = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
)

// Rule validates a single field value. present reports whether the key was
// set in the input at all; rules other than Required skip absent values.
type Rule func(field string, value any, present bool) error

// FieldError describes one failed rule on one field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors is the aggregated validation failure for an input payload.
type Errors struct {
	Fields []FieldError
}

func (e *Errors) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, fe := range e.Fields {
		msgs[i] = fe.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// AsErrors unwraps a validation error into its field list.
func AsErrors(err error) (*Errors, bool) {
	var ve *Errors
	ok := errors.As(err, &ve)
	return ve, ok
}

type fieldSpec struct {
	name  string
	rules []Rule
}

// Schema is an ordered set of field rules over a map payload. The zero value
// accepts everything; fields are added with Field.
type Schema struct {
	fields []fieldSpec
}

// New creates an empty schema.
func New() *Schema {
	return &Schema{}
}

// Field appends validation rules for one input key. Returns the schema for chaining.
func (s *Schema) Field(name string, rules ...Rule) *Schema {
	s.fields = append(s.fields, fieldSpec{name: name, rules: rules})
	return s
}

// Fields returns the declared field names in declaration order.
func (s *Schema) Fields() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.name
	}
	return names
}

// Validate runs every rule and aggregates all failures into a single *Errors.
// A nil schema accepts any input.
func (s *Schema) Validate(input map[string]any) error {
	if s == nil {
		return nil
	}
	var failed []FieldError
	for _, f := range s.fields {
		value, present := input[f.name]
		for _, rule := range f.rules {
			if err := rule(f.name, value, present); err != nil {
				var fe *FieldError
				if errors.As(err, &fe) {
					failed = append(failed, *fe)
				} else {
					failed = append(failed, FieldError{Field: f.name, Message: err.Error()})
				}
			}
		}
	}
	if len(failed) > 0 {
		return &Errors{Fields: failed}
	}
	return nil
}

func fail(field, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Required fails when the key is absent, nil, or an empty string.
func Required() Rule {
	return func(field string, value any, present bool) error {
		if !present || value == nil {
			return fail(field, "is required")
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// String fails when a present value is not a string.
func String() Rule {
	return func(field string, value any, present bool) error {
		if !present || value == nil {
			return nil
		}
		if _, ok := value.(string); !ok {
			return fail(field, "must be a string")
		}
		return nil
	}
}

// Bool fails when a present value is not a bool.
func Bool() Rule {
	return func(field string, value any, present bool) error {
		if !present || value == nil {
			return nil
		}
		if _, ok := value.(bool); !ok {
			return fail(field, "must be a boolean")
		}
		return nil
	}
}

// Map fails when a present value is not a map payload.
func Map() Rule {
	return func(field string, value any, present bool) error {
		if !present || value == nil {
			return nil
		}
		if _, ok := value.(map[string]any); !ok {
			return fail(field, "must be an object")
		}
		return nil
	}
}

// Email validates RFC-5322-shaped addresses (pragmatic regexp, not full grammar).
func Email() Rule {
	return func(field string, value any, present bool) error {
		s, ok := value.(string)
		if !present || !ok || s == "" {
			return nil
		}
		if !emailRe.MatchString(s) {
			return fail(field, "must be a valid email address")
		}
		return nil
	}
}

// Phone validates E.164 numbers with a mandatory leading plus.
func Phone() Rule {
	return func(field string, value any, present bool) error {
		s, ok := value.(string)
		if !present || !ok || s == "" {
			return nil
		}
		if !phoneRe.MatchString(s) {
			return fail(field, "must be a valid E.164 phone number")
		}
		return nil
	}
}

// MinLen fails when a present string is shorter than n.
func MinLen(n int) Rule {
	return func(field string, value any, present bool) error {
		s, ok := value.(string)
		if !present || !ok {
			return nil
		}
		if len(s) < n {
			return fail(field, "must be at least %d characters", n)
		}
		return nil
	}
}

// MaxLen fails when a present string is longer than n.
func MaxLen(n int) Rule {
	return func(field string, value any, present bool) error {
		s, ok := value.(string)
		if !present || !ok {
			return nil
		}
		if len(s) > n {
			return fail(field, "must be at most %d characters", n)
		}
		return nil
	}
}

// OneOf fails when a present string is not in the allowed set.
func OneOf(allowed ...string) Rule {
	return func(field string, value any, present bool) error {
		s, ok := value.(string)
		if !present || !ok || s == "" {
			return nil
		}
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return fail(field, "must be one of: %s", strings.Join(allowed, ", "))
	}
}
