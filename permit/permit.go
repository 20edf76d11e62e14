// Package permit builds and signs EIP-2612 permits that answer a forum
// payment challenge.
//
// A Builder turns a validated challenge and a payer address into a signed,
// encoded proof using exactly one signature prompt. The spender of every permit
// is the challenge's facilitator signer; the recipient only appears in the
// challenge and never in the signed message.
package permit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/encoding"
	"github.com/mark3labs/agentforum-go/validation"
)

// DefaultValidity is how long a permit stays valid after it is signed.
const DefaultValidity = time.Hour

// NoncesMethod is the ERC-2612 view function holding the per-owner permit counter.
const NoncesMethod = "nonces"

// Builder constructs permits. The zero value is not usable; call NewBuilder.
type Builder struct {
	validity time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder) error

// NewBuilder creates a Builder with a one hour validity window.
func NewBuilder(opts ...BuilderOption) (*Builder, error) {
	b := &Builder{
		validity: DefaultValidity,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// WithValidity sets the window added to the signing time to form the deadline.
func WithValidity(d time.Duration) BuilderOption {
	return func(b *Builder) error {
		if d < time.Second {
			return fmt.Errorf("permit validity must be at least one second, got %s", d)
		}
		b.validity = d
		return nil
	}
}

// WithClock replaces the time source. Intended for tests.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		b.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) BuilderOption {
	return func(b *Builder) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// Result is a signed permit ready to be attached to a request.
type Result struct {
	Authorization forum.PermitAuthorization
	Signature     []byte
	// Proof is the base64 encoded SignedPaymentProof for the X-PAYMENT header.
	Proof string
}

// FetchNonce reads nonces(owner) from the asset contract. The value is never
// cached: every settled permit advances it.
func (b *Builder) FetchNonce(ctx context.Context, w forum.Wallet, asset, owner common.Address) (*big.Int, error) {
	if w == nil {
		return nil, forum.NewPaymentError(forum.ErrCodeCollaboratorUnavailable, "no wallet connected for nonce read", forum.ErrNoProvider)
	}

	nonce, err := w.ReadContractValue(ctx, asset, NoncesMethod, owner)
	if err != nil {
		if isCancellation(err) {
			return nil, forum.NewPaymentError(forum.ErrCodeCancelled, "nonce read cancelled", err)
		}
		return nil, forum.NewPaymentError(forum.ErrCodeCollaboratorUnavailable, "failed to read permit nonce", err).
			WithDetails("asset", asset.Hex()).
			WithDetails("owner", owner.Hex())
	}
	if nonce == nil || nonce.Sign() < 0 {
		return nil, forum.NewPaymentError(forum.ErrCodeCollaboratorUnavailable, "wallet returned no nonce", nil)
	}

	b.logger.Debug("permit nonce fetched",
		zap.String("asset", asset.Hex()),
		zap.String("owner", owner.Hex()),
		zap.String("nonce", nonce.String()),
	)
	return new(big.Int).Set(nonce), nil
}

// BuildAuthorization assembles the permit message. It performs no I/O; the
// deadline is the builder's clock plus the validity window at the time of the call.
func (b *Builder) BuildAuthorization(c forum.PaymentChallenge, owner common.Address, nonce *big.Int) (forum.PermitAuthorization, error) {
	if err := validation.ValidateChallenge(c); err != nil {
		return forum.PermitAuthorization{}, forum.NewPaymentError(forum.ErrCodeInvalidChallenge, "payment challenge is invalid", err)
	}
	if owner == (common.Address{}) {
		return forum.PermitAuthorization{}, forum.NewPaymentError(forum.ErrCodeNoSigner, "owner address is empty", nil)
	}
	if nonce == nil || nonce.Sign() < 0 {
		return forum.PermitAuthorization{}, forum.NewPaymentError(forum.ErrCodeCollaboratorUnavailable, "nonce is missing", nil)
	}

	value, err := forum.ParseAmount(c.RequiredAmount)
	if err != nil {
		return forum.PermitAuthorization{}, forum.NewPaymentError(forum.ErrCodeInvalidChallenge, "required amount is not an integer", err)
	}

	deadline := b.now().Add(b.validity).Unix()
	return forum.PermitAuthorization{
		Owner:    owner.Hex(),
		Spender:  common.HexToAddress(c.FacilitatorSigner).Hex(),
		Value:    value,
		Nonce:    new(big.Int).Set(nonce),
		Deadline: big.NewInt(deadline),
	}, nil
}

// RequestSignature asks the wallet to sign the permit. It can block for as
// long as the user leaves the prompt open.
func (b *Builder) RequestSignature(ctx context.Context, w forum.Wallet, data apitypes.TypedData) ([]byte, error) {
	if w == nil {
		return nil, forum.NewPaymentError(forum.ErrCodeNoSigner, "no wallet connected", forum.ErrNoSigner)
	}

	sig, err := w.SignTypedData(ctx, data)
	switch {
	case err == nil:
	case errors.Is(err, forum.ErrUserRejected):
		return nil, forum.NewPaymentError(forum.ErrCodeUserRejected, "signature request was declined", err)
	case isCancellation(err):
		return nil, forum.NewPaymentError(forum.ErrCodeCancelled, "signature request cancelled", err)
	default:
		return nil, forum.NewPaymentError(forum.ErrCodeCollaboratorUnavailable, "wallet failed to sign permit", err)
	}

	if len(sig) != crypto.SignatureLength {
		return nil, forum.NewPaymentError(forum.ErrCodeCollaboratorUnavailable,
			fmt.Sprintf("wallet returned a %d byte signature", len(sig)), nil)
	}
	return sig, nil
}

// NewProof wraps a signed authorization in the wire proof for c.
func NewProof(c forum.PaymentChallenge, auth forum.PermitAuthorization, sig []byte) forum.SignedPaymentProof {
	return forum.SignedPaymentProof{
		X402Version: forum.ProtocolVersion,
		Scheme:      forum.PermitScheme,
		Network:     c.Network,
		Payload: forum.PermitPayload{
			Signature:     hexSignature(sig),
			Authorization: ToJSON(auth),
		},
	}
}

// EncodeProof returns the base64 proof header value. Identical inputs always
// produce identical output.
func EncodeProof(c forum.PaymentChallenge, auth forum.PermitAuthorization, sig []byte) (string, error) {
	return encoding.EncodeProof(NewProof(c, auth, sig))
}

// Authorize runs the whole builder for one challenge: connected address, fresh
// nonce, authorization, one signature prompt, encoded proof. Errors are
// *forum.PaymentError values whose codes callers can switch on.
func (b *Builder) Authorize(ctx context.Context, c forum.PaymentChallenge, w forum.Wallet) (*Result, error) {
	if err := validation.ValidateChallenge(c); err != nil {
		return nil, forum.NewPaymentError(forum.ErrCodeInvalidChallenge, "payment challenge is invalid", err)
	}
	if w == nil {
		return nil, forum.NewPaymentError(forum.ErrCodeNoSigner, "no wallet connected", forum.ErrNoSigner)
	}
	owner, ok := w.ConnectedAddress()
	if !ok {
		return nil, forum.NewPaymentError(forum.ErrCodeNoSigner, "wallet has no connected account", forum.ErrNoSigner)
	}

	domain, err := Domain(c)
	if err != nil {
		return nil, forum.NewPaymentError(forum.ErrCodeInvalidChallenge, "cannot derive signing domain", err)
	}

	nonce, err := b.FetchNonce(ctx, w, common.HexToAddress(c.Asset), owner)
	if err != nil {
		return nil, err
	}

	// Built after the nonce read so the deadline counts from the prompt, not the flow start.
	auth, err := b.BuildAuthorization(c, owner, nonce)
	if err != nil {
		return nil, err
	}

	sig, err := b.RequestSignature(ctx, w, TypedData(domain, auth))
	if err != nil {
		return nil, err
	}

	proof, err := EncodeProof(c, auth, sig)
	if err != nil {
		return nil, forum.NewPaymentError(forum.ErrCodeCollaboratorUnavailable, "failed to encode proof", err)
	}

	b.logger.Debug("permit signed",
		zap.String("owner", auth.Owner),
		zap.String("spender", auth.Spender),
		zap.String("value", auth.Value.String()),
		zap.String("deadline", auth.Deadline.String()),
	)
	return &Result{Authorization: auth, Signature: sig, Proof: proof}, nil
}

func hexSignature(sig []byte) string {
	return "0x" + common.Bytes2Hex(sig)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
