package forumtest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/encoding"
	"github.com/mark3labs/agentforum-go/permit"
	"github.com/mark3labs/agentforum-go/validation"
)

// Reasons reported when a proof is refused, in the style of x402 facilitator
// invalidReason values.
const (
	ReasonInvalidPayload     = "invalid_payload"
	ReasonNetworkMismatch    = "network_mismatch"
	ReasonInvalidSpender     = "invalid_spender"
	ReasonInsufficientAmount = "insufficient_amount"
	ReasonExpired            = "permit_expired"
	ReasonInvalidNonce       = "invalid_nonce"
	ReasonInvalidSignature   = "invalid_signature"
	ReasonInsufficientFunds  = "insufficient_funds"
)

// StartingBalance is the token balance every account has before paying, in
// atomic units: 1000 USDC.
var StartingBalance = big.NewInt(1_000_000_000)

// ProofError explains why the ledger refused a proof.
type ProofError struct {
	Reason string
	Detail string
}

func (e *ProofError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

// Ledger stands in for both the token contract and the facilitator. It
// answers nonces(owner) and balanceOf(owner) reads and settles permit proofs
// by recovering the signer, consuming one nonce per settled proof and moving
// the permitted value out of the owner's balance.
//
// Ledger is safe for concurrent use.
type Ledger struct {
	challenge forum.PaymentChallenge
	now       func() time.Time

	mu      sync.Mutex
	nonces  map[common.Address]uint64
	spent   map[common.Address]*big.Int
	settled []forum.PermitAuthorization
}

// NewLedger creates a ledger that accepts proofs for challenge.
func NewLedger(challenge forum.PaymentChallenge, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		challenge: challenge,
		now:       now,
		nonces:    make(map[common.Address]uint64),
		spent:     make(map[common.Address]*big.Int),
	}
}

// ReadUint implements the chain reader used by wallets for nonces(owner) and
// balanceOf(owner).
func (l *Ledger) ReadUint(_ context.Context, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	if contract != common.HexToAddress(l.challenge.Asset) {
		return nil, fmt.Errorf("no contract at %s", contract.Hex())
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("unsupported call %s(%d args)", method, len(args))
	}
	owner, ok := args[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("%s: owner must be an address, got %T", method, args[0])
	}
	switch method {
	case permit.NoncesMethod:
		return new(big.Int).SetUint64(l.Nonce(owner)), nil
	case balanceOfMethod:
		return l.Balance(owner), nil
	default:
		return nil, fmt.Errorf("unsupported call %s", method)
	}
}

const balanceOfMethod = "balanceOf"

// Balance returns the token balance left to owner.
func (l *Ledger) Balance(owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(owner)
}

func (l *Ledger) balanceLocked(owner common.Address) *big.Int {
	balance := new(big.Int).Set(StartingBalance)
	if spent, ok := l.spent[owner]; ok {
		balance.Sub(balance, spent)
	}
	return balance
}

// Nonce returns the next unused permit nonce of owner.
func (l *Ledger) Nonce(owner common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[owner]
}

// Settled returns the authorizations accepted so far, oldest first.
func (l *Ledger) Settled() []forum.PermitAuthorization {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]forum.PermitAuthorization(nil), l.settled...)
}

// Settle verifies an X-PAYMENT header value and, when valid, consumes the
// permit nonce and returns a settlement. The transaction hash is synthetic.
func (l *Ledger) Settle(header string) (forum.SettlementResponse, error) {
	proof, err := encoding.DecodeProof(header)
	if err != nil {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonInvalidPayload, Detail: err.Error()}
	}
	if err := validation.ValidateProof(proof); err != nil {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonInvalidPayload, Detail: err.Error()}
	}
	if !strings.EqualFold(proof.Network, l.challenge.Network) {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonNetworkMismatch, Detail: proof.Network}
	}

	auth, err := permit.FromJSON(proof.Payload.Authorization)
	if err != nil {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonInvalidPayload, Detail: err.Error()}
	}
	owner := common.HexToAddress(auth.Owner)

	if common.HexToAddress(auth.Spender) != common.HexToAddress(l.challenge.FacilitatorSigner) {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonInvalidSpender, Detail: auth.Spender}
	}
	required, err := forum.ParseAmount(l.challenge.RequiredAmount)
	if err != nil {
		return forum.SettlementResponse{}, fmt.Errorf("gate challenge amount: %w", err)
	}
	if auth.Value.Cmp(required) < 0 {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonInsufficientAmount, Detail: auth.Value.String()}
	}
	if auth.Deadline.Cmp(big.NewInt(l.now().Unix())) <= 0 {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonExpired, Detail: auth.Deadline.String()}
	}

	sig, err := hexutil.Decode(proof.Payload.Signature)
	if err != nil {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonInvalidSignature, Detail: err.Error()}
	}
	domain, err := permit.Domain(l.challenge)
	if err != nil {
		return forum.SettlementResponse{}, fmt.Errorf("gate challenge domain: %w", err)
	}
	signer, err := permit.RecoverSigner(permit.TypedData(domain, auth), sig)
	if err != nil || signer != owner {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonInvalidSignature, Detail: "signature does not match owner"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !auth.Nonce.IsUint64() || auth.Nonce.Uint64() != l.nonces[owner] {
		return forum.SettlementResponse{}, &ProofError{
			Reason: ReasonInvalidNonce,
			Detail: fmt.Sprintf("got %s, want %d", auth.Nonce, l.nonces[owner]),
		}
	}
	if l.balanceLocked(owner).Cmp(auth.Value) < 0 {
		return forum.SettlementResponse{}, &ProofError{Reason: ReasonInsufficientFunds, Detail: owner.Hex()}
	}
	l.nonces[owner]++
	if l.spent[owner] == nil {
		l.spent[owner] = new(big.Int)
	}
	l.spent[owner].Add(l.spent[owner], auth.Value)
	l.settled = append(l.settled, auth)

	return forum.SettlementResponse{
		Success:     true,
		Transaction: crypto.Keccak256Hash(sig).Hex(),
		Network:     proof.Network,
		Payer:       owner.Hex(),
	}, nil
}
