package app

import (
	"errors"
	"fmt"
	"net/http"

	"notebook/api/internal/validate"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// invalidBody keeps field-keyed decode failures as they are; anything else
// is an unreadable body.
func invalidBody(err error) error {
	var fieldErrs validate.FieldErrors
	if errors.As(err, &fieldErrs) {
		return fieldErrs
	}
	return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
}
