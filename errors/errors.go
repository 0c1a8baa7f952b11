// Package errors defines the structured error type returned at Connecto's
// operation boundaries (pair, sync, listen, scan, key management).
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes, one per failure category.
const (
	ErrDiscovery      = "DISCOVERY"
	ErrNetwork        = "NETWORK"
	ErrProtocol       = "PROTOCOL"
	ErrHandshake      = "HANDSHAKE"
	ErrSync           = "SYNC"
	ErrSyncRejected   = "SYNC_REJECTED"
	ErrSyncWithSelf   = "SYNC_WITH_SELF"
	ErrTimeout        = "TIMEOUT"
	ErrKeyGeneration  = "KEY_GENERATION"
	ErrKeyParsing     = "KEY_PARSING"
	ErrAuthorizedKeys = "AUTHORIZED_KEYS"
	ErrDeviceNotFound = "DEVICE_NOT_FOUND"
	ErrIO             = "IO"
	ErrSerialization  = "SERIALIZATION"
	ErrConfig         = "CONFIG"
)

// Error is a categorized error with an optional cause and a hint for the user.
//
//	✗ <What failed>
//
//	  <Why it failed>
//
//	  <How to fix it>
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
}

// New creates an error without a cause.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps err under the given code.
func Wrap(err error, code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps err with a code, message and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// Newf creates an error with a formatted message and no suggestion.
func Newf(code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode reports whether err, or any error it wraps, is an *Error with code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var target *Error
	if errors.As(err, &target) {
		return target.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) string {
	var target *Error
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}
