// Package apperr classifies errors by the taxonomy the coordination core
// uses to decide retry/block/abort policy: transient I/O, validation,
// invariant violations, crash/timeout, and handler errors.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the shape-level error category.
type Kind string

const (
	// KindTransient covers file-not-found, lock-held, temporarily
	// unavailable conditions. Policy: retry with bounded backoff at the
	// owning component.
	KindTransient Kind = "transient"
	// KindValidation covers bad frontmatter, missing sections, unknown
	// enum values. Policy: strictness-dependent (block, warn, or record).
	KindValidation Kind = "validation"
	// KindInvariant covers illegal state transitions, completing a
	// non-Ready handoff, duplicate migrations, checksum mismatches.
	// Policy: abort the operation, never silently coerce.
	KindInvariant Kind = "invariant"
	// KindCrash covers missed heartbeats and process exit.
	KindCrash Kind = "crash"
	// KindHandler covers exceptions raised inside bus handlers.
	KindHandler Kind = "handler"
)

// Error wraps an underlying error with component/operation context and a Kind.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Component, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a Kind and context. Returns nil if err is nil.
func New(kind Kind, component, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Op: op, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
