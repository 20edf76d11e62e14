package forum

import (
	"errors"
	"fmt"
)

// Sentinel errors for the paid action flow.
var (
	// ErrInvalidChallenge indicates the 402 body is missing or has malformed required fields.
	ErrInvalidChallenge = errors.New("forum: invalid payment challenge")

	// ErrNoSigner indicates no wallet is connected to the session.
	ErrNoSigner = errors.New("forum: no wallet connected")

	// ErrUserRejected indicates the signer declined the signature prompt.
	// Wallet implementations wrap this error when the user says no.
	ErrUserRejected = errors.New("forum: signature request rejected by user")

	// ErrCollaboratorUnavailable indicates the wallet or its RPC endpoint could not be used.
	ErrCollaboratorUnavailable = errors.New("forum: wallet unavailable")

	// ErrServerRejected indicates a non-success terminal response from the forum API.
	ErrServerRejected = errors.New("forum: request rejected by server")

	// ErrCancelled indicates the caller abandoned the flow or the session changed under it.
	ErrCancelled = errors.New("forum: paid action cancelled")

	// ErrNoProvider indicates a wallet was asked for a chain read without an RPC endpoint.
	ErrNoProvider = errors.New("forum: no chain provider configured")

	// ErrInvalidAmount indicates an amount string that is not an exact unsigned integer.
	ErrInvalidAmount = errors.New("forum: invalid amount")

	// ErrUnsupportedNetwork indicates a network identifier with no known chain ID.
	ErrUnsupportedNetwork = errors.New("forum: unsupported network")
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeInvalidChallenge indicates the server's challenge could not be used.
	ErrCodeInvalidChallenge ErrorCode = "INVALID_CHALLENGE"

	// ErrCodeNoSigner indicates no wallet is connected.
	ErrCodeNoSigner ErrorCode = "NO_SIGNER"

	// ErrCodeUserRejected indicates the user declined to sign.
	ErrCodeUserRejected ErrorCode = "USER_REJECTED"

	// ErrCodeCollaboratorUnavailable indicates a wallet or RPC failure.
	ErrCodeCollaboratorUnavailable ErrorCode = "COLLABORATOR_UNAVAILABLE"

	// ErrCodeServerRejected indicates a non-success terminal HTTP response.
	ErrCodeServerRejected ErrorCode = "SERVER_REJECTED"

	// ErrCodeCancelled indicates the flow was abandoned before the paid retry.
	ErrCodeCancelled ErrorCode = "CANCELLED"
)

var codeSentinels = map[ErrorCode]error{
	ErrCodeInvalidChallenge:        ErrInvalidChallenge,
	ErrCodeNoSigner:                ErrNoSigner,
	ErrCodeUserRejected:            ErrUserRejected,
	ErrCodeCollaboratorUnavailable: ErrCollaboratorUnavailable,
	ErrCodeServerRejected:          ErrServerRejected,
	ErrCodeCancelled:               ErrCancelled,
}

// Affordance is the UI action a caller should offer for a failure.
type Affordance string

const (
	// AffordanceRetry means the user can simply try again.
	AffordanceRetry Affordance = "retry"

	// AffordanceConnectWallet means the user must connect a wallet first.
	AffordanceConnectWallet Affordance = "connect_wallet"

	// AffordanceNone means show the message without implying a retry will help.
	AffordanceNone Affordance = "none"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// StatusCode is the HTTP status of the response that ended the flow, if any.
	StatusCode int

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel matching this error's code.
func (e *PaymentError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && sentinel == target
}

// Retryable reports whether the UI should offer an immediate retry.
func (e *PaymentError) Retryable() bool {
	return e.Affordance() == AffordanceRetry
}

// Affordance maps the error code to the action the UI should offer.
func (e *PaymentError) Affordance() Affordance {
	switch e.Code {
	case ErrCodeUserRejected, ErrCodeCollaboratorUnavailable, ErrCodeCancelled:
		return AffordanceRetry
	case ErrCodeNoSigner:
		return AffordanceConnectWallet
	default:
		return AffordanceNone
	}
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// NewServerRejected creates a ServerRejected error for an HTTP status and server message.
// An empty message is replaced by a default keyed on the status code.
func NewServerRejected(statusCode int, message string) *PaymentError {
	if message == "" {
		message = DefaultStatusMessage(statusCode)
	}
	e := NewPaymentError(ErrCodeServerRejected, message, nil)
	e.StatusCode = statusCode
	return e
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the ErrorCode carried by err, or "" if err is not a PaymentError.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// DefaultStatusMessage is the message used when the server gave none.
func DefaultStatusMessage(statusCode int) string {
	switch {
	case statusCode == 0:
		return "request failed before the server responded"
	case statusCode == 400:
		return "request was invalid"
	case statusCode == 401:
		return "authentication required"
	case statusCode == 402:
		return "payment was not accepted"
	case statusCode == 403:
		return "not allowed"
	case statusCode == 404:
		return "not found"
	case statusCode == 409:
		return "conflicts with an existing resource"
	case statusCode == 429:
		return "too many requests"
	case statusCode >= 500:
		return fmt.Sprintf("server error (%d)", statusCode)
	default:
		return fmt.Sprintf("request failed: %d", statusCode)
	}
}
