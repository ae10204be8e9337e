package errors

import (
	"errors"
	"fmt"
)

// Category classifies a failure so callers can pick a recovery strategy
// without inspecting error strings.
type Category string

const (
	// CategoryPrecondition covers failures caught locally before any network
	// call, such as an insufficient wallet balance.
	CategoryPrecondition Category = "precondition"
	// CategoryTransport covers connection and delivery failures that the
	// transport layer retries automatically.
	CategoryTransport Category = "transport"
	// CategoryTerminated covers counterparty-driven session terminations
	// surfaced to the user as a non-blocking notice.
	CategoryTerminated Category = "terminated"
	// CategoryMedia covers audio/video capability failures that degrade
	// rather than abort the session.
	CategoryMedia Category = "media"
	// CategoryDuplicate covers idempotency violations (re-join, re-end,
	// re-delivery) that are silently absorbed.
	CategoryDuplicate Category = "duplicate"
)

// AppError provides a structured error that carries its recovery category.
type AppError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Category Category `json:"-"`
	Internal error    `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches AppErrors by code so sentinel comparisons keep working on
// copies produced by WithInternal.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrInsufficientBalance = &AppError{
		Code:     "wallet.insufficient_balance",
		Message:  "Wallet balance is below the minimum reserve for this consultation",
		Category: CategoryPrecondition,
	}

	ErrAuthRequired = &AppError{
		Code:     "auth.required",
		Message:  "Authentication required",
		Category: CategoryPrecondition,
	}

	ErrConnectTimeout = &AppError{
		Code:     "transport.connect_timeout",
		Message:  "Timed out establishing the realtime connection",
		Category: CategoryTransport,
	}

	ErrAuthRejected = &AppError{
		Code:     "transport.auth_rejected",
		Message:  "Realtime connection rejected the supplied credentials",
		Category: CategoryTransport,
	}

	ErrNotConnected = &AppError{
		Code:     "transport.not_connected",
		Message:  "Realtime connection is not established",
		Category: CategoryTransport,
	}

	ErrSessionRejected = &AppError{
		Code:     "session.rejected",
		Message:  "The consultant declined the request",
		Category: CategoryTerminated,
	}

	ErrSessionTimeout = &AppError{
		Code:     "session.timeout",
		Message:  "The consultant did not respond in time",
		Category: CategoryTerminated,
	}

	ErrSessionEnded = &AppError{
		Code:     "session.ended",
		Message:  "The session has ended",
		Category: CategoryTerminated,
	}

	ErrMicrophoneUnavailable = &AppError{
		Code:     "media.microphone_unavailable",
		Message:  "A microphone could not be acquired for the call",
		Category: CategoryMedia,
	}

	ErrDuplicateDelivery = &AppError{
		Code:     "delivery.duplicate",
		Message:  "Event was already applied",
		Category: CategoryDuplicate,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, category Category) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
	}
}

// Wrap turns any error into a transport-category AppError while keeping the
// original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:     "internal",
		Message:  message,
		Category: CategoryTransport,
		Internal: err,
	}
}

// FromError converts a generic error into an AppError, defaulting to a
// transport failure so unknown errors stay retryable.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return Wrap(err, "unexpected failure")
}

// CategoryOf reports the category of err, or CategoryTransport when err does
// not carry one.
func CategoryOf(err error) Category {
	appErr := FromError(err)
	if appErr == nil {
		return ""
	}
	return appErr.Category
}

// IsRecoverable reports whether the error may be absorbed without tearing the
// session down: duplicates are always safe, media failures degrade in place.
func IsRecoverable(err error) bool {
	switch CategoryOf(err) {
	case CategoryDuplicate, CategoryMedia:
		return true
	default:
		return false
	}
}
