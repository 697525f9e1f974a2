package app

import "fmt"

// DomainError is the REST-facing form of a failure: the HTTP status plus the
// stable code clients switch on ("VALIDATION_ERROR", "SESSION_INVALID", ...).
// mapError lowers the domain sentinels into it; handlers that already know
// the shape construct one directly via domainError.
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
