// Package errchain implements kiln's concatenable error value (§7):
// the source system's error object supports nesting several causes
// under one failure (most visibly dependency-failed, which must carry
// both the original build failure and the propagating result name).
// Error wraps that idea in a value that still plays by Go's error
// conventions (Error, Unwrap), adding only the Chain accessor the
// top-level driver needs to print causes innermost-first.
package errchain

import "strings"

// Error concatenates one or more non-nil causes.
type Error struct {
	causes []error
}

// Join builds an error from causes, dropping any nils. Pass causes
// innermost (root cause) first — Chain preserves that order so the
// top-level driver can print the chain innermost-first, as §7
// requires. Zero surviving causes returns nil; exactly one returns
// that cause unwrapped (no reason to allocate a chain of one); more
// than one returns an *Error.
func Join(causes ...error) error {
	kept := make([]error, 0, len(causes))
	for _, c := range causes {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return &Error{causes: kept}
	}
}

// Error joins every cause's message with "; ", in the order given to Join.
func (e *Error) Error() string {
	parts := make([]string, len(e.causes))
	for i, c := range e.causes {
		parts[i] = c.Error()
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes every cause to errors.Is/errors.As (Go's multi-error
// unwrap convention).
func (e *Error) Unwrap() []error { return e.causes }

// Chain returns every cause in the order passed to Join — innermost
// first, per §7 — for the top-level driver to print.
func (e *Error) Chain() []error {
	out := make([]error, len(e.causes))
	copy(out, e.causes)
	return out
}
