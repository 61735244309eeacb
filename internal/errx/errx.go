// Package errx provides the closed set of error kinds shared by the link client and the
// reference link service. The remote client maps every transport outcome onto exactly one
// kind; the engine and the CLI only ever branch on kinds, never on raw transport errors.

package errx

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	Unknown Kind = iota
	NotFound
	Conflict
	Invalid
	Unauthorized
	Forbidden
	Unavailable
	Internal

	// Client-side kinds.
	InvalidCredentials
	AuthRequired
	Server
	Network
	Busy
)

type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func E(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// String returns the string representation of the error kind.
func (k Kind) String() string {
	switch k {
	case Unknown:
		return "Unknown"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Invalid:
		return "Invalid"
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	case Unavailable:
		return "Unavailable"
	case Internal:
		return "Internal"
	case InvalidCredentials:
		return "InvalidCredentials"
	case AuthRequired:
		return "AuthRequired"
	case Server:
		return "Server"
	case Network:
		return "Network"
	case Busy:
		return "Busy"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Transient reports whether an operation failing with kind may succeed if retried
// unchanged.
func Transient(k Kind) bool {
	switch k {
	case Server, Network, Unavailable, Busy:
		return true
	default:
		return false
	}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the innermost message of err without the op chain.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for {
		e, ok := err.(*Error)
		if !ok || e.Err == nil {
			return err.Error()
		}
		err = e.Err
	}
}
