// Package encoding provides utilities for encoding and decoding forum payment data.
// It handles base64 and JSON marshaling for payment proofs, settlements and
// the 402 challenge body.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	forum "github.com/mark3labs/agentforum-go"
)

// DefaultTimeoutSeconds is used when a challenge does not advertise a timeout.
const DefaultTimeoutSeconds = 60

// PaymentRequiredResponse is the JSON body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version int             `json:"x402Version"`
	Accepts     []PaymentOption `json:"accepts"`
	Error       string          `json:"error,omitempty"`
}

// PaymentOption is one acceptable payment scheme inside a 402 body.
// Token metadata and the facilitator signer travel in Extra.
type PaymentOption struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	PayTo             string                 `json:"payTo"`
	Asset             string                 `json:"asset,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// rawOption mirrors PaymentOption but tolerates the snake_case spellings some
// gateways emit and numeric amounts.
type rawOption struct {
	Scheme               string                 `json:"scheme"`
	Network              string                 `json:"network"`
	MaxAmountRequired    json.RawMessage        `json:"maxAmountRequired"`
	MaxAmountRequiredAlt json.RawMessage        `json:"max_amount_required"`
	Resource             string                 `json:"resource"`
	Description          string                 `json:"description"`
	PayTo                string                 `json:"payTo"`
	PayToAlt             string                 `json:"pay_to"`
	Asset                string                 `json:"asset"`
	MaxTimeoutSeconds    *int                   `json:"maxTimeoutSeconds"`
	Extra                map[string]interface{} `json:"extra"`
}

// EncodeProof converts a SignedPaymentProof to base64-encoded JSON string.
// The output is deterministic: struct fields marshal in declaration order and
// every number in the authorization is already a decimal string.
//
// Returns an error if JSON marshaling fails.
func EncodeProof(proof forum.SignedPaymentProof) (string, error) {
	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(proofJSON), nil
}

// DecodeProof converts a base64-encoded JSON string to SignedPaymentProof.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeProof(encoded string) (forum.SignedPaymentProof, error) {
	var proof forum.SignedPaymentProof

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return proof, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &proof); err != nil {
		return proof, fmt.Errorf("failed to unmarshal proof: %w", err)
	}

	return proof, nil
}

// EncodeSettlement converts a SettlementResponse to base64-encoded JSON string.
// This is used for HTTP X-PAYMENT-RESPONSE headers.
func EncodeSettlement(settlement forum.SettlementResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to SettlementResponse.
func DecodeSettlement(encoded string) (forum.SettlementResponse, error) {
	var settlement forum.SettlementResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}

// DecodeChallenge extracts the first acceptable payment option from a 402 body.
//
// Field lookup follows what forum gateways send: the recipient is payTo or
// pay_to, the asset address is extra.address falling back to asset, the symbol
// is extra.token, and name, version, decimals and facilitatorSigner come from
// extra. Missing fields are left empty for validation to report; only an
// unreadable body or an empty accepts list fails here.
func DecodeChallenge(body []byte) (forum.PaymentChallenge, error) {
	var resp struct {
		Accepts []rawOption `json:"accepts"`
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return forum.PaymentChallenge{}, fmt.Errorf("%w: failed to parse 402 body: %v", forum.ErrInvalidChallenge, err)
	}
	if len(resp.Accepts) == 0 {
		return forum.PaymentChallenge{}, fmt.Errorf("%w: no payment options in 402 body", forum.ErrInvalidChallenge)
	}

	opt := resp.Accepts[0]
	facilitator := firstNonEmpty(extraString(opt.Extra, "facilitatorSigner"), extraString(opt.Extra, "facilitator_signer"))
	c := forum.PaymentChallenge{
		Scheme:            opt.Scheme,
		Network:           opt.Network,
		Recipient:         firstNonEmpty(opt.PayTo, opt.PayToAlt),
		RequiredAmount:    firstNonEmpty(amountString(opt.MaxAmountRequired), amountString(opt.MaxAmountRequiredAlt)),
		Asset:             firstNonEmpty(extraString(opt.Extra, "address"), opt.Asset),
		AssetSymbol:       firstNonEmpty(extraString(opt.Extra, "token"), extraString(opt.Extra, "symbol")),
		AssetName:         extraString(opt.Extra, "name"),
		AssetVersion:      extraString(opt.Extra, "version"),
		Decimals:          extraInt(opt.Extra, "decimals"),
		FacilitatorSigner: facilitator,
		TimeoutSeconds:    DefaultTimeoutSeconds,
		Resource:          opt.Resource,
		Description:       opt.Description,
	}
	if opt.MaxTimeoutSeconds != nil {
		c.TimeoutSeconds = *opt.MaxTimeoutSeconds
	}
	return c, nil
}

// EncodeChallenge builds the 402 body for a challenge, placing token metadata
// in extra the way DecodeChallenge reads it back.
func EncodeChallenge(c forum.PaymentChallenge, reason string) ([]byte, error) {
	extra := map[string]interface{}{
		"address":  c.Asset,
		"decimals": c.Decimals,
		"name":     c.AssetName,
		"version":  c.AssetVersion,
	}
	if c.AssetSymbol != "" {
		extra["token"] = c.AssetSymbol
	}
	if c.FacilitatorSigner != "" {
		extra["facilitatorSigner"] = c.FacilitatorSigner
	}

	resp := PaymentRequiredResponse{
		X402Version: forum.ProtocolVersion,
		Accepts: []PaymentOption{{
			Scheme:            c.Scheme,
			Network:           c.Network,
			MaxAmountRequired: c.RequiredAmount,
			Resource:          c.Resource,
			Description:       c.Description,
			PayTo:             c.Recipient,
			Asset:             c.Asset,
			MaxTimeoutSeconds: c.TimeoutSeconds,
			Extra:             extra,
		}},
		Error: reason,
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal challenge: %w", err)
	}
	return body, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// amountString returns a JSON string or integer literal as its decimal text.
// Numbers are taken verbatim so large values never pass through float64.
func amountString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var out string
		if err := json.Unmarshal(raw, &out); err != nil {
			return ""
		}
		return out
	}
	return s
}

func extraString(extra map[string]interface{}, key string) string {
	if v, ok := extra[key].(string); ok {
		return v
	}
	return ""
}

// extraInt reads an integer from an extra map decoded with UseNumber. Gateways
// that quote the value ("6") are accepted too.
func extraInt(extra map[string]interface{}, key string) int {
	var num json.Number
	switch v := extra[key].(type) {
	case json.Number:
		num = v
	case string:
		num = json.Number(strings.TrimSpace(v))
	default:
		return 0
	}
	n, err := num.Int64()
	if err != nil {
		return 0
	}
	return int(n)
}
