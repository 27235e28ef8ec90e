// Package errs defines the error taxonomy the dotman core surfaces to its
// callers. Every failure mode gets its own concrete Kind, so subprocess and
// filesystem failures are distinguishable by callers without string
// matching, and are returned rather than raised/recovered.
package errs

import (
	"fmt"
	"strings"
)

// Kind tags a dotman error with its failure category, so callers can
// dispatch on it with errors.As without caring about the concrete type
// underneath.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotInitialized
	KindAlreadyInitialized
	KindNotFound
	KindAmbiguous
	KindInvalidRef
	KindInvalidState
	KindConflict
	KindCorruption
	KindPathEscape
	KindTransport
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNotInitialized:
		return "not initialized"
	case KindAlreadyInitialized:
		return "already initialized"
	case KindNotFound:
		return "not found"
	case KindAmbiguous:
		return "ambiguous"
	case KindInvalidRef:
		return "invalid ref"
	case KindInvalidState:
		return "invalid state"
	case KindConflict:
		return "conflict"
	case KindCorruption:
		return "corruption"
	case KindPathEscape:
		return "path escape"
	case KindTransport:
		return "transport error"
	case KindIO:
		return "io error"
	default:
		return "unknown"
	}
}

// Error is the common shape every dotman error satisfies: a Kind plus a
// message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.NotFound) match regardless of message/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func new_(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

func wrap(kind Kind, cause error, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...), Cause: cause}
}

// Sentinel values usable with errors.Is for a bare Kind check, e.g.
// errors.Is(err, errs.NotFound).
var (
	NotInitialized    = &Error{Kind: KindNotInitialized}
	AlreadyInitialized = &Error{Kind: KindAlreadyInitialized}
	NotFound          = &Error{Kind: KindNotFound}
	Ambiguous         = &Error{Kind: KindAmbiguous}
	InvalidRef        = &Error{Kind: KindInvalidRef}
	InvalidState      = &Error{Kind: KindInvalidState}
	Conflict          = &Error{Kind: KindConflict}
	Corruption        = &Error{Kind: KindCorruption}
	PathEscape        = &Error{Kind: KindPathEscape}
	Transport         = &Error{Kind: KindTransport}
	IO                = &Error{Kind: KindIO}
)

func NotInitializedf(format string, a ...interface{}) *Error {
	return new_(KindNotInitialized, format, a...)
}

func AlreadyInitializedf(format string, a ...interface{}) *Error {
	return new_(KindAlreadyInitialized, format, a...)
}

func NotFoundf(format string, a ...interface{}) *Error {
	return new_(KindNotFound, format, a...)
}

// Ambiguousf additionally carries the list of candidates that matched, so
// callers can show them (e.g. an abbreviated ref or hash prefix that matches
// more than one object).
func Ambiguousf(candidates []string, format string, a ...interface{}) *AmbiguousError {
	return &AmbiguousError{Error: *new_(KindAmbiguous, format, a...), Candidates: candidates}
}

type AmbiguousError struct {
	Error
	Candidates []string
}

func InvalidRef_(format string, a ...interface{}) *Error {
	return new_(KindInvalidRef, format, a...)
}

func InvalidStatef(format string, a ...interface{}) *Error {
	return new_(KindInvalidState, format, a...)
}

func Conflictf(format string, a ...interface{}) *Error {
	return new_(KindConflict, format, a...)
}

func Corruptionf(format string, a ...interface{}) *Error {
	return new_(KindCorruption, format, a...)
}

func Corruptionw(cause error, format string, a ...interface{}) *Error {
	return wrap(KindCorruption, cause, format, a...)
}

func PathEscapef(format string, a ...interface{}) *Error {
	return new_(KindPathEscape, format, a...)
}

func IOw(cause error, format string, a ...interface{}) *Error {
	return wrap(KindIO, cause, format, a...)
}

// TransportCategory subcategorizes TransportError by the underlying remote
// failure mode.
type TransportCategory int

const (
	TransportUnknown TransportCategory = iota
	TransportNetwork
	TransportAuthentication
	TransportNotFound
	TransportConflict
	TransportPermission
	TransportInvalidRef
)

func (c TransportCategory) String() string {
	switch c {
	case TransportNetwork:
		return "network"
	case TransportAuthentication:
		return "authentication"
	case TransportNotFound:
		return "not found"
	case TransportConflict:
		return "conflict"
	case TransportPermission:
		return "permission"
	case TransportInvalidRef:
		return "invalid ref"
	default:
		return "unknown"
	}
}

// Retryable reports whether automatic retry is permitted for this category.
// Only a network hiccup is worth retrying; auth/permission/conflict failures
// won't resolve themselves.
func (c TransportCategory) Retryable() bool {
	return c == TransportNetwork
}

// Guidance returns category-specific actionable text a CLI can append.
func (c TransportCategory) Guidance() string {
	switch c {
	case TransportNetwork:
		return "check network connectivity and retry"
	case TransportAuthentication:
		return "check your configured credentials/keys"
	case TransportNotFound:
		return "verify the remote URL and branch name"
	case TransportConflict:
		return "pull before pushing (non-fast-forward)"
	case TransportPermission:
		return "check write access on the remote"
	case TransportInvalidRef:
		return "the ref name is not valid for this remote"
	default:
		return "see underlying error for details"
	}
}

type TransportError struct {
	Category TransportCategory
	Remote   string
	Message  string
	Cause    error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport(%s) %s: %s: %s", e.Category, e.Remote, e.Message, e.Cause)
	}
	return fmt.Sprintf("transport(%s) %s: %s", e.Category, e.Remote, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *TransportError) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == KindTransport
}

func NewTransportError(remote string, category TransportCategory, cause error, format string, a ...interface{}) *TransportError {
	return &TransportError{
		Category: category,
		Remote:   remote,
		Message:  fmt.Sprintf(format, a...),
		Cause:    cause,
	}
}

// ClassifyGitStderr categorizes a git subprocess's stderr by substring match.
// This is the one place depending on external tool output is unavoidable --
// git gives no structured error reporting over the CLI.
func ClassifyGitStderr(stderr string) TransportCategory {
	s := stderr
	switch {
	case containsAny(s, "could not resolve host", "connection timed out", "connection refused",
		"network is unreachable", "temporary failure in name resolution", "could not read from remote"):
		return TransportNetwork
	case containsAny(s, "authentication failed", "permission denied (publickey)",
		"invalid username or password", "could not read username"):
		return TransportAuthentication
	case containsAny(s, "repository not found", "does not appear to be a git repository"):
		return TransportNotFound
	case containsAny(s, "non-fast-forward", "fetch first", "failed to push some refs"):
		return TransportConflict
	case containsAny(s, "permission denied", "read-only file system"):
		return TransportPermission
	case containsAny(s, "not a valid ref", "invalid refspec", "unable to parse remote ref"):
		return TransportInvalidRef
	default:
		return TransportUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	ls := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(ls, sub) {
			return true
		}
	}
	return false
}
