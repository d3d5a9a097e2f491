// Package mcerr defines the error kinds surfaced by the discovery and
// authentication orchestrators.
//
// Every orchestrator failure is an *Error whose Kind is one of the
// sentinel values below, so callers can branch with errors.Is:
//
//	if errors.Is(err, mcerr.ErrDiscoveryExpired) {
//		// run discovery again
//	}
package mcerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidArgument reports a missing or empty required parameter.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDiscovery reports a transport or parse failure while discovering an operator.
	ErrDiscovery = errors.New("discovery failed")
	// ErrOIDC reports a failure during the authentication phase.
	ErrOIDC = errors.New("oidc failed")
	// ErrDiscoveryExpired reports that a discovery result's ttl has passed.
	ErrDiscoveryExpired = errors.New("discovery result has expired")
)

// Diagnostics is the request/response context captured for a failure.
type Diagnostics struct {
	URI        string
	StatusCode int
	Header     http.Header
	Body       string
}

// Diagnoser is implemented by errors that carry request/response context.
type Diagnoser interface {
	Diagnostics() *Diagnostics
}

// Error is a typed failure with optional diagnostics.
type Error struct {
	Kind        error
	Message     string
	Diagnostics *Diagnostics
	Err         error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
	} else if e.Kind != nil {
		sb.WriteString(e.Kind.Error())
	}
	if d := e.Diagnostics; d != nil && d.URI != "" {
		fmt.Fprintf(&sb, " (uri=%s", d.URI)
		if d.StatusCode != 0 {
			fmt.Fprintf(&sb, " status=%d", d.StatusCode)
		}
		sb.WriteByte(')')
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New builds an error of the given kind. Diagnostics are lifted from the
// cause when it (or anything it wraps) implements Diagnoser.
func New(kind error, message string, cause error) *Error {
	e := &Error{Kind: kind, Message: message, Err: cause}
	var d Diagnoser
	if cause != nil && errors.As(cause, &d) {
		e.Diagnostics = d.Diagnostics()
	}
	return e
}

// WithDiagnostics attaches diagnostics explicitly.
func (e *Error) WithDiagnostics(d *Diagnostics) *Error {
	e.Diagnostics = d
	return e
}

// InvalidArgument reports that the named parameter is required.
func InvalidArgument(name string) error {
	return &Error{Kind: ErrInvalidArgument, Message: name + " is required"}
}

// Require returns an invalid-argument error for the first empty value.
// Arguments are name/value pairs.
func Require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return InvalidArgument(pairs[i])
		}
	}
	return nil
}

// DiagnosticsOf returns the diagnostics attached to err, if any.
func DiagnosticsOf(err error) (*Diagnostics, bool) {
	var e *Error
	if errors.As(err, &e) && e.Diagnostics != nil {
		return e.Diagnostics, true
	}
	var d Diagnoser
	if errors.As(err, &d) {
		if diag := d.Diagnostics(); diag != nil {
			return diag, true
		}
	}
	return nil, false
}
