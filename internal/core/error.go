/*
Package core holds the primitives shared across the sspac pipeline: classified errors,
the retry policy used for network fetches, and the per-destination generation lock.
It has no dependencies on the other internal packages so every layer can use it.
*/
package core

/*
sspac — PAC generator for GFWList-style rule lists
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import "errors"

// Kind classifies an error so callers can pick user-visible behaviour
// (retry, notify, ignore) without matching on message text.
type Kind int

const (
	// KindUnknown is any error that was not produced by this package.
	KindUnknown Kind = iota
	// KindSourceUnavailable means a rule list could not be fetched or read.
	// Fatal to a generation run; nothing is written.
	KindSourceUnavailable
	// KindDecodeFailure means the upstream payload could not be turned into text.
	// Fatal to a generation run; nothing is written.
	KindDecodeFailure
	// KindNotModified means the upstream list is unchanged since the last run.
	// Informational: callers usually skip regeneration.
	KindNotModified
	// KindRuleParseAnomaly describes lines that produced no domains. It is
	// aggregated into reports and metrics, never returned from generation.
	KindRuleParseAnomaly
	// KindInProgress means another writer holds the destination PAC path.
	KindInProgress
)

func (k Kind) String() string {
	switch k {
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindDecodeFailure:
		return "decode_failure"
	case KindNotModified:
		return "not_modified"
	case KindRuleParseAnomaly:
		return "rule_parse_anomaly"
	case KindInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// customError is an error type that includes a kind, a retryable flag and an
// optional cause. It implements the standard `error` interface and unwraps to
// its cause for errors.Is / errors.As.
type customError struct {
	kind      Kind   // Classification of the failure.
	message   string // The error message.
	retryable bool   // True if the error indicates a condition that might be resolved by retrying.
	cause     error  // Underlying error, may be nil.
}

// NewError creates a new classified error with the given message and retryable status.
//
// Parameters:
//
//	kind: The classification of the error.
//	msg: The textual description of the error.
//	retryable: Whether the operation could succeed on a subsequent attempt.
//
// Returns:
//
//	An error of type *customError.
func NewError(kind Kind, msg string, retryable bool) error {
	return &customError{
		kind:      kind,
		message:   msg,
		retryable: retryable,
	}
}

// Wrap is NewError with an underlying cause.
func Wrap(kind Kind, msg string, cause error, retryable bool) error {
	return &customError{
		kind:      kind,
		message:   msg,
		retryable: retryable,
		cause:     cause,
	}
}

// Error implements the standard Go `error` interface.
func (e *customError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

// Unwrap exposes the cause.
func (e *customError) Unwrap() error {
	return e.cause
}

// IsRetryable returns true if the error is designated as retryable, false otherwise.
func (e *customError) IsRetryable() bool {
	return e.retryable
}

// Kind returns the classification of the error.
func (e *customError) Kind() Kind {
	return e.kind
}

// IsRetryable reports whether err (or anything it wraps) is a retryable *customError.
// Nil and foreign errors are not retryable.
func IsRetryable(err error) bool {
	var e *customError
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *customError
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindUnknown
}

// IsNotModified reports whether err signals an unchanged upstream list.
func IsNotModified(err error) bool {
	return KindOf(err) == KindNotModified
}

// Common error values used across sspac.
var (
	// ErrNotModified is returned when the upstream "Last Modified" token matches
	// the one recorded by the previous successful run.
	ErrNotModified = NewError(KindNotModified, "upstream list not modified", false)
	// ErrGenerationInProgress is returned when another run, in this or another
	// process, is writing the same PAC file. Retrying later is safe.
	ErrGenerationInProgress = NewError(KindInProgress, "generation already in progress", true)
)
