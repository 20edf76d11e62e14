package forum

import "time"

// State is a step of the paid action state machine.
type State string

const (
	StateIdle                      State = "idle"
	StateSubmittingUnauthenticated State = "submitting_unauthenticated"
	StateChallengeReceived         State = "challenge_received"
	StateSigning                   State = "signing"
	StateSubmittingAuthenticated   State = "submitting_authenticated"
	StateSucceeded                 State = "succeeded"
	StateFailed                    State = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StateCallback receives every state transition of a paid action.
type StateCallback func(from, to State)

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a signed proof is about to be sent.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates the paid request succeeded.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates the paid action failed after a challenge was received.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the HTTP method of the paid request.
	Method string

	// Path is the API path of the paid request.
	Path string

	// Amount is the payment amount in atomic units.
	Amount string

	// Asset is the token contract address.
	Asset string

	// Network is the network identifier from the challenge.
	Network string

	// Recipient is the payment recipient address.
	Recipient string

	// Spender is the facilitator that may move the funds.
	Spender string

	// Payer is the address that signed the permit.
	Payer string

	// Transaction is the settlement transaction hash, when the server reports one.
	Transaction string

	// Error contains error details (available on failure).
	Error error

	// Duration is the time since the challenge was received.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously, so they should return quickly.
type PaymentCallback func(PaymentEvent)
