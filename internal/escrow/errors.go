package escrow

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a rejected escrow operation.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindIllegalTransition Kind = "illegal_transition"
	KindMissingPayload    Kind = "missing_payload"
	KindAlreadySet        Kind = "already_set"
	KindContention        Kind = "contention"
	KindTerminal          Kind = "terminal"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrIllegalTransition = &Error{Kind: KindIllegalTransition}
	ErrMissingPayload    = &Error{Kind: KindMissingPayload}
	ErrAlreadySet        = &Error{Kind: KindAlreadySet}
	ErrContention        = &Error{Kind: KindContention}
	ErrTerminal          = &Error{Kind: KindTerminal}
)

// Store and collaborator level errors.
var (
	ErrVersionConflict    = errors.New("escrow record was modified concurrently")
	ErrDuplicate          = errors.New("escrow id already exists")
	ErrListingUnavailable = errors.New("listing is not available for escrow")
	ErrInvalidRequest     = errors.New("invalid escrow request")
)

// Error is returned for every rejected escrow operation. It names the
// operation, the state the record was in, and the offending field so a UI can
// say something useful without parsing strings.
type Error struct {
	Kind   Kind   `json:"error"`
	Op     Action `json:"op,omitempty"`
	Status Status `json:"status,omitempty"`
	Field  string `json:"field,omitempty"`
	Msg    string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("escrow")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Op))
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

// Is matches any *Error with the same Kind, so errors.Is(err, ErrTerminal)
// works for errors built with context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or "" if err is not an escrow *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func notFound(op Action, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Field: "id", Msg: fmt.Sprintf("no escrow transaction %q", id)}
}

func illegal(op Action, status Status, format string, args ...any) *Error {
	return &Error{Kind: KindIllegalTransition, Op: op, Status: status, Msg: fmt.Sprintf(format, args...)}
}

func missing(op Action, status Status, field string) *Error {
	return &Error{Kind: KindMissingPayload, Op: op, Status: status, Field: field, Msg: field + " is required"}
}

func alreadySet(op Action, status Status, field string) *Error {
	return &Error{Kind: KindAlreadySet, Op: op, Status: status, Field: field, Msg: field + " is already set and cannot be changed"}
}

func terminal(op Action, status Status) *Error {
	return &Error{Kind: KindTerminal, Op: op, Status: status, Msg: fmt.Sprintf("transaction is %s and can no longer change", status)}
}

func contention(op Action, id string, attempts int) *Error {
	return &Error{Kind: KindContention, Op: op, Field: "id", Msg: fmt.Sprintf("transaction %s kept changing underneath %d write attempts", id, attempts)}
}
