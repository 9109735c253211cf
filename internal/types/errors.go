package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Local and tier-level failures never escalate to
// process-level failure; only persistent-storage initialization failure at
// startup is fatal, and that path returns a plain wrapped error from the
// store constructors.

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("not found")

// TransientProviderError wraps a failed or timed-out call to an external
// provider (cheap model, expensive agent, or any capability endpoint). The
// caller decides whether to skip or escalate per tier policy.
type TransientProviderError struct {
	Kind string // endpoint kind, e.g. "cheap-model", "speech"
	Err  error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.Kind, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store or queue write. The specific record
// is skipped and the daemon continues.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MalformedMessageError marks an unparseable outbox message or interpreter
// line. The offending record is quarantined to the dead-letter area and
// processing continues with its siblings.
type MalformedMessageError struct {
	Source string // file path or raw line
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message (%s): %s", e.Source, e.Reason)
}

// IsTransient reports whether err is a provider failure that should be
// treated per tier error policy rather than surfaced.
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}

// IsMalformed reports whether err marks quarantinable input.
func IsMalformed(err error) bool {
	var me *MalformedMessageError
	return errors.As(err, &me)
}
