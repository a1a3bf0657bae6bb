// Package aerr defines the cross-subsystem error taxonomy. Each subsystem
// surfaces its own sentinel errors; boundaries wrap them into an *Error with a
// Category and structured context so an operator trace is reconstructible
// without log introspection.
package aerr

import (
	"errors"
	"fmt"

	"github.com/aura-dev/aura/pkg/types"
)

// Category classifies an error by how the caller should react.
type Category string

const (
	// CategoryValidation marks caller bugs; surfaced, never retried.
	CategoryValidation Category = "validation"
	// CategoryAuthorization marks policy decisions; surfaced as is.
	CategoryAuthorization Category = "authorization"
	// CategoryCausal marks stale-state failures; recoverable by re-reading
	// state and retrying with fresh parameters.
	CategoryCausal Category = "causal"
	// CategoryCoordination marks quorum/lock failures; retried with backoff
	// or resolved by supersession.
	CategoryCoordination Category = "coordination"
	// CategoryNetwork marks reachability failures; retried with backoff.
	CategoryNetwork Category = "network"
	// CategoryCrypto marks signature/aggregation failures; fatal for the
	// session and possibly attributable to a participant.
	CategoryCrypto Category = "crypto"
	// CategoryInternal marks corruption or bugs.
	CategoryInternal Category = "internal"
)

// Code is the host-visible result category. The CLI and other hosts map these
// onto exit codes; the core only ever returns the variant.
type Code string

const (
	CodeOk                 Code = "Ok"
	CodeInvalidState       Code = "InvalidState"
	CodePermissionDenied   Code = "PermissionDenied"
	CodeNotFound           Code = "NotFound"
	CodeTimeout            Code = "Timeout"
	CodeInvalidData        Code = "InvalidData"
	CodeCoordinationFailed Code = "CoordinationFailed"
	CodeAuthFailed         Code = "AuthFailed"
)

// Error is the boundary error type. Inner layers return their own sentinels;
// the agent runtime and hosts see this.
type Error struct {
	Category Category
	Code     Code
	Op       string // operation that failed, e.g. "journal.append"
	Err      error

	// Structured context. Zero values mean "not applicable".
	Authority types.AuthorityID
	Ceremony  types.CeremonyID
	Session   types.SessionID
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Category)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the agent runtime may retry the operation with
// backoff. Only causal, coordination, and network failures qualify; retries
// happen at the runtime layer only.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryCausal, CategoryCoordination, CategoryNetwork:
		return true
	default:
		return false
	}
}

// New builds a boundary error for op with the given category and code.
func New(cat Category, code Code, op string, err error) *Error {
	return &Error{Category: cat, Code: code, Op: op, Err: err}
}

// WithAuthority attaches the authority the failure concerns.
func (e *Error) WithAuthority(id types.AuthorityID) *Error {
	e.Authority = id
	return e
}

// WithCeremony attaches the ceremony the failure concerns.
func (e *Error) WithCeremony(id types.CeremonyID) *Error {
	e.Ceremony = id
	return e
}

// WithSession attaches the session the failure concerns.
func (e *Error) WithSession(id types.SessionID) *Error {
	e.Session = id
	return e
}

// CategoryOf extracts the category from err, or CategoryInternal when err is
// not a boundary error.
func CategoryOf(err error) Category {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return CategoryInternal
}

// CodeOf extracts the host code from err. Nil maps to CodeOk.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOk
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInvalidState
}
