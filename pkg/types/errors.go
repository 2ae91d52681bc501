package types

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the failure classes of the core.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthFailure
	KindMapUnresolvable
	KindMapNeedsClientUpdate
	KindDisallowedMods
	KindDuplicateSubmission
	KindMalformedSubmission
	KindUpstreamUnavailable
	KindPersistenceFailure
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailure:
		return "auth_failure"
	case KindMapUnresolvable:
		return "map_unresolvable"
	case KindMapNeedsClientUpdate:
		return "map_needs_client_update"
	case KindDisallowedMods:
		return "disallowed_mods"
	case KindDuplicateSubmission:
		return "duplicate_submission"
	case KindMalformedSubmission:
		return "malformed_submission"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindPersistenceFailure:
		return "persistence_failure"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a classified failure. Sentinels such as ErrAuthFailure match any
// *Error of the same Kind under errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrAuthFailure          = &Error{Kind: KindAuthFailure}
	ErrMapUnresolvable      = &Error{Kind: KindMapUnresolvable}
	ErrMapNeedsClientUpdate = &Error{Kind: KindMapNeedsClientUpdate}
	ErrDisallowedMods       = &Error{Kind: KindDisallowedMods}
	ErrDuplicateSubmission  = &Error{Kind: KindDuplicateSubmission}
	ErrMalformedSubmission  = &Error{Kind: KindMalformedSubmission}
	ErrUpstreamUnavailable  = &Error{Kind: KindUpstreamUnavailable}
	ErrPersistenceFailure   = &Error{Kind: KindPersistenceFailure}
	ErrNotFound             = &Error{Kind: KindNotFound}
)

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels (no Op, no Err) of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// NotFoundError reports a missing backing row for an entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// NotFound builds a *NotFoundError for entity with the given identifier.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is makes every NotFoundError match ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}
	return KindUnknown
}

// SafeName normalises a username for lookups.
func SafeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimRight(name, " ")), " ", "_")
}
