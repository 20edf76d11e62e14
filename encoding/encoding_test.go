package encoding

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	forum "github.com/mark3labs/agentforum-go"
)

func sampleProof() forum.SignedPaymentProof {
	return forum.SignedPaymentProof{
		X402Version: 1,
		Scheme:      forum.PermitScheme,
		Network:     "base",
		Payload: forum.PermitPayload{
			Signature: "0x2d6a7588d6acca505cbf0d9a4a227e0c52c6c34008c8e8986a1283259764173608a2ce6496642e377d6da8dbbf5836e9bd15092f9ecab05ded3d6293af148b571c",
			Authorization: forum.PermitAuthorizationJSON{
				Owner:    "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				Spender:  "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Value:    "123456789012345678901234567890",
				Nonce:    "3",
				Deadline: "1740672154",
			},
		},
	}
}

func TestEncodeProof(t *testing.T) {
	encoded, err := EncodeProof(sampleProof())
	if err != nil {
		t.Fatalf("EncodeProof failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("output is not standard base64: %v", err)
	}

	// Numbers must travel as strings.
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	auth := generic["payload"].(map[string]interface{})["authorization"].(map[string]interface{})
	for _, field := range []string{"value", "nonce", "deadline"} {
		if _, ok := auth[field].(string); !ok {
			t.Errorf("authorization.%s is %T, want string", field, auth[field])
		}
	}
	if generic["x402Version"] != float64(1) {
		t.Errorf("x402Version = %v", generic["x402Version"])
	}
}

func TestEncodeProofDeterministic(t *testing.T) {
	first, err := EncodeProof(sampleProof())
	if err != nil {
		t.Fatalf("EncodeProof failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := EncodeProof(sampleProof())
		if err != nil {
			t.Fatalf("EncodeProof failed: %v", err)
		}
		if again != first {
			t.Fatalf("encoding %d differs:\n%s\n%s", i, first, again)
		}
	}
}

func TestDecodeProof(t *testing.T) {
	encoded, err := EncodeProof(sampleProof())
	if err != nil {
		t.Fatalf("EncodeProof failed: %v", err)
	}
	got, err := DecodeProof(encoded)
	if err != nil {
		t.Fatalf("DecodeProof failed: %v", err)
	}
	if got != sampleProof() {
		t.Errorf("decoded proof mismatch:\n got %+v\nwant %+v", got, sampleProof())
	}

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := DecodeProof("not base64!"); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := DecodeProof(base64.StdEncoding.EncodeToString([]byte("{"))); err == nil {
			t.Error("expected error")
		}
	})
}

func TestDecodeSettlement(t *testing.T) {
	want := forum.SettlementResponse{
		Success:     true,
		Transaction: "0x1234567890abcdef",
		Network:     "base",
		Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
	}
	encoded, err := EncodeSettlement(want)
	if err != nil {
		t.Fatalf("EncodeSettlement failed: %v", err)
	}
	got, err := DecodeSettlement(encoded)
	if err != nil {
		t.Fatalf("DecodeSettlement failed: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, err := DecodeSettlement("%%%"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestDecodeChallenge(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		check   func(t *testing.T, c forum.PaymentChallenge)
		wantErr bool
	}{
		{
			name: "forum gateway body",
			body: `{"x402Version":1,"accepts":[{"scheme":"permit","network":"base","maxAmountRequired":"5000",
				"resource":"/api/register","description":"Agent registration","payTo":"0x00000000000000000000000000000000000000A0",
				"extra":{"token":"USDC","address":"0x00000000000000000000000000000000000000D0","decimals":6,
				"name":"USD Coin","version":"2","facilitatorSigner":"0x00000000000000000000000000000000000000B0"}}]}`,
			check: func(t *testing.T, c forum.PaymentChallenge) {
				if c.Recipient != "0x00000000000000000000000000000000000000A0" {
					t.Errorf("Recipient = %q", c.Recipient)
				}
				if c.FacilitatorSigner != "0x00000000000000000000000000000000000000B0" {
					t.Errorf("FacilitatorSigner = %q", c.FacilitatorSigner)
				}
				if c.Asset != "0x00000000000000000000000000000000000000D0" {
					t.Errorf("Asset = %q", c.Asset)
				}
				if c.RequiredAmount != "5000" || c.AssetSymbol != "USDC" || c.Decimals != 6 {
					t.Errorf("amount/symbol/decimals = %q/%q/%d", c.RequiredAmount, c.AssetSymbol, c.Decimals)
				}
				if c.AssetName != "USD Coin" || c.AssetVersion != "2" {
					t.Errorf("name/version = %q/%q", c.AssetName, c.AssetVersion)
				}
				if c.TimeoutSeconds != DefaultTimeoutSeconds {
					t.Errorf("TimeoutSeconds = %d", c.TimeoutSeconds)
				}
				if c.Resource != "/api/register" {
					t.Errorf("Resource = %q", c.Resource)
				}
			},
		},
		{
			name: "snake case fields",
			body: `{"accepts":[{"scheme":"exact","network":"base-sepolia","max_amount_required":"1000",
				"pay_to":"0x00000000000000000000000000000000000000A0","asset":"0x00000000000000000000000000000000000000D0",
				"maxTimeoutSeconds":300}]}`,
			check: func(t *testing.T, c forum.PaymentChallenge) {
				if c.Recipient != "0x00000000000000000000000000000000000000A0" {
					t.Errorf("Recipient = %q", c.Recipient)
				}
				if c.RequiredAmount != "1000" {
					t.Errorf("RequiredAmount = %q", c.RequiredAmount)
				}
				if c.Asset != "0x00000000000000000000000000000000000000D0" {
					t.Errorf("Asset fallback = %q", c.Asset)
				}
				if c.TimeoutSeconds != 300 {
					t.Errorf("TimeoutSeconds = %d", c.TimeoutSeconds)
				}
				if c.FacilitatorSigner != "" {
					t.Errorf("FacilitatorSigner = %q, want empty", c.FacilitatorSigner)
				}
			},
		},
		{
			name: "numeric amount keeps full precision",
			body: `{"accepts":[{"network":"base","maxAmountRequired":123456789012345678901234567890}]}`,
			check: func(t *testing.T, c forum.PaymentChallenge) {
				if c.RequiredAmount != "123456789012345678901234567890" {
					t.Errorf("RequiredAmount = %q", c.RequiredAmount)
				}
			},
		},
		{
			name: "quoted decimals",
			body: `{"accepts":[{"network":"base","extra":{"decimals":"18"}}]}`,
			check: func(t *testing.T, c forum.PaymentChallenge) {
				if c.Decimals != 18 {
					t.Errorf("Decimals = %d, want 18", c.Decimals)
				}
			},
		},
		{
			name: "fractional decimals are ignored",
			body: `{"accepts":[{"network":"base","extra":{"decimals":6.5}}]}`,
			check: func(t *testing.T, c forum.PaymentChallenge) {
				if c.Decimals != 0 {
					t.Errorf("Decimals = %d, want 0", c.Decimals)
				}
			},
		},
		{
			name:    "empty accepts",
			body:    `{"x402Version":1,"accepts":[]}`,
			wantErr: true,
		},
		{
			name:    "plain text body",
			body:    `Payment required`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeChallenge([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, forum.ErrInvalidChallenge) {
					t.Fatalf("expected ErrInvalidChallenge, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeChallenge failed: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestEncodeChallenge(t *testing.T) {
	in := forum.PaymentChallenge{
		Scheme:            forum.PermitScheme,
		Network:           "base",
		Recipient:         "0x00000000000000000000000000000000000000A0",
		RequiredAmount:    "5000",
		Asset:             "0x00000000000000000000000000000000000000D0",
		AssetSymbol:       "USDC",
		AssetName:         "USD Coin",
		AssetVersion:      "2",
		Decimals:          6,
		FacilitatorSigner: "0x00000000000000000000000000000000000000B0",
		TimeoutSeconds:    120,
		Resource:          "/api/posts",
	}

	body, err := EncodeChallenge(in, "X-PAYMENT header is required")
	if err != nil {
		t.Fatalf("EncodeChallenge failed: %v", err)
	}
	if !strings.Contains(string(body), `"facilitatorSigner":"0x00000000000000000000000000000000000000B0"`) {
		t.Errorf("facilitatorSigner not carried in extra: %s", body)
	}

	out, err := DecodeChallenge(body)
	if err != nil {
		t.Fatalf("DecodeChallenge failed: %v", err)
	}
	if out != in {
		t.Errorf("challenge mismatch:\n got %+v\nwant %+v", out, in)
	}
}
