// Package local implements a forum wallet backed by a private key held in process.
//
// Keys can come from a hex string, an encrypted keystore file or a BIP-39
// mnemonic. An Approver stands in for the confirmation dialog of a browser
// wallet: it sees every typed-data request and may decline it.
package local

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/permit"
)

var (
	// ErrInvalidKey indicates a malformed private key.
	ErrInvalidKey = errors.New("local: invalid private key")

	// ErrInvalidKeystore indicates a keystore file that cannot be read or decrypted.
	ErrInvalidKeystore = errors.New("local: invalid keystore")

	// ErrInvalidMnemonic indicates a mnemonic that fails BIP-39 validation.
	ErrInvalidMnemonic = errors.New("local: invalid mnemonic")
)

// ContractReader performs read-only uint256 contract calls. *rpc.Reader satisfies it.
type ContractReader interface {
	ReadUint(ctx context.Context, contract common.Address, method string, args ...interface{}) (*big.Int, error)
}

// Approver is asked before every signature. Returning a non-nil error declines
// the request; the wallet reports the decline as forum.ErrUserRejected.
type Approver func(ctx context.Context, data apitypes.TypedData) error

// Wallet signs with a local ECDSA key.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	reader     ContractReader
	approve    Approver
}

// Option configures a Wallet.
type Option func(*Wallet) error

// New creates a wallet. A key option is required.
func New(opts ...Option) (*Wallet, error) {
	w := &Wallet{}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if w.privateKey == nil {
		return nil, ErrInvalidKey
	}
	w.address = crypto.PubkeyToAddress(w.privateKey.PublicKey)
	return w, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) Option {
	return func(w *Wallet) error {
		// Remove 0x prefix if present
		hexKey = strings.TrimPrefix(hexKey, "0x")

		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return ErrInvalidKey
		}

		w.privateKey = privateKey
		return nil
	}
}

// WithReader sets the chain reader used for nonce lookups.
func WithReader(r ContractReader) Option {
	return func(w *Wallet) error {
		w.reader = r
		return nil
	}
}

// WithApprover installs the signature confirmation hook.
func WithApprover(a Approver) Option {
	return func(w *Wallet) error {
		w.approve = a
		return nil
	}
}

// Address returns the wallet account.
func (w *Wallet) Address() common.Address {
	return w.address
}

// ConnectedAddress implements forum.Wallet.
func (w *Wallet) ConnectedAddress() (common.Address, bool) {
	return w.address, true
}

// ReadContractValue implements forum.Wallet.
func (w *Wallet) ReadContractValue(ctx context.Context, contract common.Address, method string, owner common.Address) (*big.Int, error) {
	if w.reader == nil {
		return nil, fmt.Errorf("%w: local wallet has no RPC endpoint", forum.ErrNoProvider)
	}
	return w.reader.ReadUint(ctx, contract, method, owner)
}

// SignTypedData implements forum.Wallet.
func (w *Wallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if w.approve != nil {
		if err := w.approve(ctx, data); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, forum.ErrUserRejected) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", forum.ErrUserRejected, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return permit.Sign(w.privateKey, data)
}
