// Package apperr defines the oracle's error taxonomy. Errors are tagged with
// a Kind and a Severity and carry a free-form context bag; the Kind decides
// the HTTP status and whether the error is persisted.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind classifies an error for propagation and reporting.
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindAuthentication  Kind = "AUTHENTICATION"
	KindAuthorization   Kind = "AUTHORIZATION"
	KindDatabase        Kind = "DATABASE"
	KindExternalService Kind = "EXTERNAL_SERVICE"
	KindRateLimit       Kind = "RATE_LIMIT"
	KindInternal        Kind = "INTERNAL"
)

// Severity orders errors for alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error is the tagged error value used at service boundaries.
type Error struct {
	Kind     Kind
	Message  string
	Severity Severity
	Context  map[string]string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", strings.ToLower(string(e.Kind)), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", strings.ToLower(string(e.Kind)), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with key=value added to its context bag.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	if value != "" {
		cp.Context[key] = value
	}
	return &cp
}

// WithSeverity returns a copy of e with the given severity.
func (e *Error) WithSeverity(s Severity) *Error {
	cp := *e
	cp.Severity = s
	return &cp
}

// ContextString renders the context bag deterministically for logs and rows.
func (e *Error) ContextString() string {
	if len(e.Context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Context[k])
	}
	return strings.Join(parts, " ")
}

func newError(kind Kind, sev Severity, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Severity: sev, Err: err}
}

func Validation(msg string) *Error {
	return newError(KindValidation, SeverityInfo, msg, nil)
}

func Authentication(msg string) *Error {
	return newError(KindAuthentication, SeverityWarning, msg, nil)
}

func Authorization(msg string) *Error {
	return newError(KindAuthorization, SeverityWarning, msg, nil)
}

func Database(msg string, err error) *Error {
	return newError(KindDatabase, SeverityError, msg, err)
}

func ExternalService(msg string, err error) *Error {
	return newError(KindExternalService, SeverityError, msg, err)
}

func RateLimit(msg string) *Error {
	return newError(KindRateLimit, SeverityWarning, msg, nil)
}

func Internal(msg string, err error) *Error {
	return newError(KindInternal, SeverityCritical, msg, err)
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Wrap tags an arbitrary error. Already tagged errors are returned unchanged.
func Wrap(err error, kind Kind, msg string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	sev := SeverityError
	switch kind {
	case KindValidation:
		sev = SeverityInfo
	case KindAuthentication, KindAuthorization, KindRateLimit:
		sev = SeverityWarning
	case KindInternal:
		sev = SeverityCritical
	}
	return newError(kind, sev, msg, err)
}

// CallerFacing reports whether the kind describes a condition the caller can
// correct. Such errors are returned, never persisted to the error log.
func (k Kind) CallerFacing() bool {
	switch k {
	case KindValidation, KindAuthentication, KindAuthorization, KindRateLimit:
		return true
	}
	return false
}

// HTTPStatus maps a kind onto the response status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindExternalService:
		return http.StatusBadGateway
	case KindDatabase:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
