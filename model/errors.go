package model

import (
	"errors"
	"fmt"
)

var (
	// ErrRequirementConflict is returned when two ranges cannot be
	// reconciled. Callers reject the request; it is never retried here.
	ErrRequirementConflict = errors.New("requirement conflict")
	// ErrCreation marks a structurally inconsistent path segment or a
	// denied resource during gate construction.
	ErrCreation = errors.New("creation error")
	// ErrAuthentication marks a missing or invalid packet signature.
	ErrAuthentication = errors.New("authentication error")
	// ErrInternalConsistency signals a programming bug, such as a
	// duplicate process registration or a negative reference count.
	ErrInternalConsistency = errors.New("internal consistency error")
)

// ConflictError carries the two bounds that could not be reconciled.
type ConflictError struct {
	Kind   Kind
	Left   string
	Right  string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s vs %s: %s", e.Kind, e.Left, e.Right, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrRequirementConflict }

func conflict(kind Kind, left, right fmt.Stringer, reason string) error {
	return &ConflictError{Kind: kind, Left: left.String(), Right: right.String(), Reason: reason}
}

// ErrorKind classifies an error into the engine taxonomy.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindRequirementConflict
	KindCreation
	KindAuthentication
	KindInternalConsistency
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRequirementConflict:
		return "requirement_conflict"
	case KindCreation:
		return "creation"
	case KindAuthentication:
		return "authentication"
	case KindInternalConsistency:
		return "internal_consistency"
	default:
		return "other"
	}
}

// KindOf returns the taxonomy bucket of err. Wrapped errors are unwrapped;
// the most severe matching kind wins.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInternalConsistency):
		return KindInternalConsistency
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrCreation):
		return KindCreation
	case errors.Is(err, ErrRequirementConflict):
		return KindRequirementConflict
	default:
		return KindOther
	}
}
