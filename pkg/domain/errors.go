package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode is a stable machine-readable identifier for a failure.
type ErrorCode int

// Transport errors.
const (
	CodeInitFailed       ErrorCode = 2001
	CodeConnectionFailed ErrorCode = 2002
	CodeSendFailed       ErrorCode = 2003
	CodeReceiveFailed    ErrorCode = 2004
	CodeNotFound         ErrorCode = 2005
	CodePermissionDenied ErrorCode = 2006
	CodeTransportClosed  ErrorCode = 2007
)

// Certificate errors.
const (
	CodeCertificateGeneration   ErrorCode = 5001
	CodeCertificateVerification ErrorCode = 5002
	CodeCertificateRevocation   ErrorCode = 5003
	CodeCertificateRenewal      ErrorCode = 5004
)

// Configuration errors.
const (
	CodeInvalidCacheTTL ErrorCode = 6001
	CodeInvalidRegex    ErrorCode = 6002
	CodeInvalidConfig   ErrorCode = 6003
	CodeInvalidPolicy   ErrorCode = 6004
)

// Pool errors.
const (
	CodePoolFull                 ErrorCode = 7001
	CodeConnectionCreationFailed ErrorCode = 7002
	CodeHealthCheckFailed        ErrorCode = 7003
	CodeConnectionTimeout        ErrorCode = 7004
	CodePoolClosed               ErrorCode = 7005
	CodeCircuitOpen              ErrorCode = 7006
)

// ErrorCategory groups codes for structured handling.
type ErrorCategory string

const (
	CategoryTransport     ErrorCategory = "transport"
	CategoryPolicy        ErrorCategory = "policy"
	CategoryCertificate   ErrorCategory = "certificate"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryPool          ErrorCategory = "pool"
)

// ErrorSeverity ranks how urgently an error needs attention.
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// TransportError is the structured error type returned by every component.
type TransportError struct {
	Code     ErrorCode
	Category ErrorCategory
	Severity ErrorSeverity
	Message  string
	Cause    error
	Context  map[string]any
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	parts := []string{fmt.Sprintf("[%s:%d]", e.Category, e.Code), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, "context: "+strings.Join(contextParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is matches another *TransportError by code so errors.Is works against the
// sentinel values below.
func (e *TransportError) Is(target error) bool {
	var other *TransportError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithContext adds context information to the error.
func (e *TransportError) WithContext(key string, value any) *TransportError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewError creates an error whose category and severity are derived from code.
func NewError(code ErrorCode, message string) *TransportError {
	return &TransportError{
		Code:     code,
		Category: categoryForCode(code),
		Severity: severityForCode(code),
		Message:  message,
	}
}

// NewErrorWithCause creates an error wrapping cause.
func NewErrorWithCause(code ErrorCode, message string, cause error) *TransportError {
	err := NewError(code, message)
	err.Cause = cause
	return err
}

// Sentinels for errors.Is comparisons.
var (
	ErrPermissionDenied  = NewError(CodePermissionDenied, "permission denied")
	ErrNotFound          = NewError(CodeNotFound, "not found")
	ErrConnectionFailed  = NewError(CodeConnectionFailed, "connection failed")
	ErrInvalidRegex      = NewError(CodeInvalidRegex, "invalid regex")
	ErrInvalidCacheTTL   = NewError(CodeInvalidCacheTTL, "invalid cache ttl")
	ErrPoolFull          = NewError(CodePoolFull, "pool full")
	ErrConnectionTimeout = NewError(CodeConnectionTimeout, "connection timeout")
	ErrPoolClosed        = NewError(CodePoolClosed, "pool closed")
	ErrCircuitOpen       = NewError(CodeCircuitOpen, "circuit open")
)

func categoryForCode(code ErrorCode) ErrorCategory {
	switch {
	case code == CodePermissionDenied:
		return CategoryPolicy
	case code >= 2000 && code < 3000:
		return CategoryTransport
	case code >= 5000 && code < 6000:
		return CategoryCertificate
	case code >= 6000 && code < 7000:
		return CategoryConfiguration
	case code >= 7000 && code < 8000:
		return CategoryPool
	default:
		return CategoryTransport
	}
}

func severityForCode(code ErrorCode) ErrorSeverity {
	switch {
	case code >= 5000 && code < 6000:
		return SeverityCritical
	case code >= 6000 && code < 7000:
		return SeverityError
	case code == CodePoolFull, code == CodeConnectionTimeout, code == CodeCircuitOpen,
		code == CodeNotFound, code == CodePermissionDenied:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// IsCode reports whether err (or anything it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Code == code
}

// CodeOf returns the code carried by err, or zero.
func CodeOf(err error) ErrorCode {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

// CategoryOf returns the category of err; unknown errors are transport errors.
func CategoryOf(err error) ErrorCategory {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Category
	}
	return CategoryTransport
}

// SeverityOf returns the severity of err; unknown errors rank as SeverityError.
func SeverityOf(err error) ErrorSeverity {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Severity
	}
	return SeverityError
}
