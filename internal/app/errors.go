package app

import (
	"errors"
	"fmt"
	"net/http"

	"chronicle/governance/internal/evaluation"
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

// engineStatus maps an engine failure kind onto an HTTP status.
func engineStatus(err *evaluation.Error) int {
	switch err.Kind {
	case evaluation.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case evaluation.KindNotFound:
		return http.StatusNotFound
	case evaluation.KindUnauthorized:
		return http.StatusForbidden
	case evaluation.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func asEngineError(err error) (*evaluation.Error, bool) {
	var engineErr *evaluation.Error
	if errors.As(err, &engineErr) && engineErr.Code != "" {
		return engineErr, true
	}
	return nil, false
}
