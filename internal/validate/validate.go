// Package validate collects field-keyed validation failures.
package validate

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	MsgRequired = "This field is required."
	MsgBlank    = "This field may not be blank."
	// NonFieldKey holds errors that do not belong to a single input field.
	NonFieldKey = "non_field_errors"
)

// FieldErrors maps an input field to its messages. It is written as the
// response body of a 400 as-is.
type FieldErrors map[string][]string

func (e FieldErrors) Error() string {
	keys := make([]string, 0, len(e))
	for key := range e {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", key, strings.Join(e[key], " ")))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e FieldErrors) Add(field, message string) {
	e[field] = append(e[field], message)
}

// Err returns nil when nothing was recorded so callers can `return errs.Err()`.
func (e FieldErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// NonField builds the error used for failures such as bad credentials.
func NonField(message string) FieldErrors {
	return FieldErrors{NonFieldKey: {message}}
}

// RequiredString checks a JSON string field that must be present and not blank.
func (e FieldErrors) RequiredString(field string, value *string, maxLen int) {
	if value == nil {
		e.Add(field, MsgRequired)
		return
	}
	e.OptionalString(field, value, maxLen)
}

// OptionalString validates a field that may be absent (partial updates).
func (e FieldErrors) OptionalString(field string, value *string, maxLen int) {
	if value == nil {
		return
	}
	if strings.TrimSpace(*value) == "" {
		e.Add(field, MsgBlank)
		return
	}
	if maxLen > 0 && utf8.RuneCountInString(*value) > maxLen {
		e.Add(field, fmt.Sprintf("Ensure this field has no more than %d characters.", maxLen))
	}
}
