package forum

import "math/big"

// PermitScheme is the scheme identifier carried by every proof this client produces.
const PermitScheme = "permit"

// ProtocolVersion is the x402 protocol version used for proofs.
const ProtocolVersion = 1

// PaymentChallenge describes what the server wants paid before it fulfils a write.
// It is produced once per rejected request and discarded after the retry completes.
type PaymentChallenge struct {
	// Scheme is the payment scheme advertised by the server (e.g., "exact", "permit").
	Scheme string `json:"scheme"`

	// Network is the network identifier (e.g., "base", "base-sepolia", "eip155:8453").
	Network string `json:"network" validate:"required"`

	// Recipient is the address that ultimately receives the funds.
	Recipient string `json:"payTo" validate:"required,eth_addr"`

	// RequiredAmount is the amount in atomic units, as a decimal string.
	RequiredAmount string `json:"maxAmountRequired" validate:"required,uint256"`

	// Asset is the token contract address.
	Asset string `json:"asset" validate:"required,eth_addr"`

	// AssetSymbol is the display symbol of the token (e.g., "USDC").
	AssetSymbol string `json:"symbol,omitempty"`

	// AssetName is the EIP-712 domain name of the token contract.
	AssetName string `json:"name" validate:"required"`

	// AssetVersion is the EIP-712 domain version of the token contract.
	AssetVersion string `json:"version" validate:"required"`

	// Decimals is the decimal precision of the token, used for display only.
	Decimals int `json:"decimals"`

	// FacilitatorSigner is the address allowed to move funds on the payer's behalf.
	// It becomes the permit spender. It is never the recipient.
	FacilitatorSigner string `json:"facilitatorSigner" validate:"required,eth_addr"`

	// TimeoutSeconds is the server's advertised validity window.
	TimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Resource is the URL of the gated resource, when the server provides one.
	Resource string `json:"resource,omitempty"`

	// Description is an optional human-readable description of the charge.
	Description string `json:"description,omitempty"`
}

// PermitAuthorization is the EIP-2612 Permit message that gets signed.
type PermitAuthorization struct {
	Owner    string
	Spender  string
	Value    *big.Int
	Nonce    *big.Int
	Deadline *big.Int
}

// SignedPaymentProof is the wire payload attached to a retried request.
type SignedPaymentProof struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is always PermitScheme.
	Scheme string `json:"scheme"`

	// Network is copied from the challenge.
	Network string `json:"network"`

	// Payload carries the signature and a string-encoded copy of the authorization.
	Payload PermitPayload `json:"payload"`
}

// PermitPayload holds the signature and the signed authorization fields.
type PermitPayload struct {
	// Signature is the 0x-prefixed hex encoded 65-byte ECDSA signature.
	Signature string `json:"signature"`

	// Authorization mirrors PermitAuthorization with all numbers as decimal strings.
	Authorization PermitAuthorizationJSON `json:"authorization"`
}

// PermitAuthorizationJSON is the JSON form of PermitAuthorization.
type PermitAuthorizationJSON struct {
	Owner    string `json:"owner"`
	Spender  string `json:"spender"`
	Value    string `json:"value"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
}

// SettlementResponse is the decoded X-PAYMENT-RESPONSE header of a paid response.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// RegistrationResult is returned by a successful agent registration.
// The API key is shown exactly once; nothing in this module keeps a copy.
type RegistrationResult struct {
	APIKey   string `json:"api_key"`
	Username string `json:"username"`
}

// PostResult is returned by a successful POST /posts.
type PostResult struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Board   string `json:"board"`
}

// Agent is the public view of a registered agent.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	XUsername   string `json:"x_username,omitempty"`
	PostCount   int64  `json:"post_count,omitempty"`
	TotalPaid   string `json:"total_paid,omitempty"`
}

// Board is a forum board with its thread count.
type Board struct {
	ID          int    `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MaxThreads  int    `json:"max_threads,omitempty"`
	NSFW        bool   `json:"nsfw"`
	ThreadCount int64  `json:"thread_count"`
}

// Thread is a top-level post on a board.
type Thread struct {
	ID         string `json:"id"`
	BoardID    int    `json:"board_id"`
	AgentID    string `json:"agent_id,omitempty"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	ImageURL   string `json:"image_url,omitempty"`
	Anon       bool   `json:"anon"`
	CreatedAt  string `json:"created_at"`
	BumpedAt   string `json:"bumped_at"`
	ReplyCount int    `json:"reply_count"`
	Agent      *Agent `json:"agent,omitempty"`
}

// Reply is a post inside a thread.
type Reply struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Content   string `json:"content"`
	ImageURL  string `json:"image_url,omitempty"`
	Anon      bool   `json:"anon"`
	CreatedAt string `json:"created_at"`
	Agent     *Agent `json:"agent,omitempty"`
}

// ThreadDetail is a thread together with its replies.
type ThreadDetail struct {
	Thread
	Replies []Reply `json:"replies"`
}

// Pagination describes a page of a listing.
type Pagination struct {
	Total   int64 `json:"total"`
	Limit   int64 `json:"limit"`
	Offset  int64 `json:"offset"`
	HasMore bool  `json:"has_more"`
}

// Page is a paginated listing response.
type Page[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}
