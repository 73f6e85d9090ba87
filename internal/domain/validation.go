package domain

import (
	"strings"
)

// FieldError is one rejected field with a human readable message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects field errors for one record.
type ValidationErrors []FieldError

// Add appends one field error.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// Merge appends nested errors with a field prefix.
// Params: prefix such as "rules[0]" and nested error (ignored unless ValidationErrors).
// Returns: none.
func (v *ValidationErrors) Merge(prefix string, err error) {
	nested, ok := err.(ValidationErrors)
	if !ok {
		if err != nil {
			v.Add(prefix, err.Error())
		}
		return
	}
	for _, fe := range nested {
		field := prefix
		if fe.Field != "" {
			field = prefix + "." + fe.Field
		}
		v.Add(field, fe.Message)
	}
}

// Err returns nil when no errors were collected.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Error joins field errors into one line.
func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+" "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
