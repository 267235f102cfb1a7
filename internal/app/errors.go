package app

import (
	"errors"
	"fmt"
)

// Code classifies a domain failure. The core never decides HTTP statuses;
// the boundary maps codes to statuses in one place (see mapError).
type Code string

const (
	CodeNotAuthenticated        Code = "NOT_AUTHENTICATED"
	CodeAuthenticationFailed    Code = "AUTHENTICATION_FAILED"
	CodeInsufficientProfile     Code = "INSUFFICIENT_USER_PROFILE"
	CodeWorkspaceNotFound       Code = "WORKSPACE_NOT_FOUND"
	CodeContentTypeNotAllowed   Code = "CONTENT_TYPE_NOT_ALLOWED"
	CodeContentNotFound         Code = "CONTENT_NOT_FOUND"
	CodeInvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
	CodeRevisionScopeConflict   Code = "REVISION_SCOPE_CONFLICT"
	// CodeImmutableBinding marks a request-lifecycle programming error,
	// never a caller mistake.
	CodeImmutableBinding Code = "IMMUTABLE_BINDING"
	CodeValidation       Code = "VALIDATION_ERROR"
)

type DomainError struct {
	Code    Code
	Message string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// IsCode reports whether err carries the given domain error code.
func IsCode(err error, code Code) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
