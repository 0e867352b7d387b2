// Package kerr is the internal error taxonomy shared by the account,
// pool, translate, and dispatcher packages (spec.md §7).
package kerr

import "errors"

// Kind classifies an internal error for propagation and pool feedback.
type Kind string

const (
	InvalidRequest      Kind = "invalid_request"
	Unauthorized        Kind = "unauthorized"
	NoAccountsAvailable Kind = "no_accounts_available"
	RateLimited         Kind = "rate_limited"
	QuotaExhausted      Kind = "quota_exhausted"
	AccountSuspended    Kind = "account_suspended"
	UpstreamTransient   Kind = "upstream_transient"
	UpstreamFatal       Kind = "upstream_fatal"
	TranslationError    Kind = "translation_error"
	InvalidModel        Kind = "invalid_model"
	UnsupportedContent  Kind = "unsupported_content"
	InternalError       Kind = "internal_error"

	// Refresh-specific kinds (spec.md §4.1).
	NetworkError Kind = "network_error"
	InvalidGrant Kind = "invalid_grant"
	ServerError  Kind = "server_error"
)

// Error wraps an underlying cause with a classification.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of a classified error, or InternalError if err
// was never classified.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return InternalError
}

// Retryable reports whether the dispatcher should try another account.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkError, ServerError, UpstreamTransient, NoAccountsAvailable, InvalidGrant:
		return true
	default:
		return false
	}
}
