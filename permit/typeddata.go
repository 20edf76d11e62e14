package permit

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	forum "github.com/mark3labs/agentforum-go"
)

// PrimaryType is the EIP-712 primary type of an EIP-2612 permit.
const PrimaryType = "Permit"

// Types is the EIP-712 schema for EIP-2612 permits. Field order is part of the
// type hash and must not change.
var Types = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: []apitypes.Type{
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// Domain derives the signing domain of the challenged asset.
// Every token has its own domain, so nothing here is defaulted.
func Domain(c forum.PaymentChallenge) (apitypes.TypedDataDomain, error) {
	if c.AssetName == "" || c.AssetVersion == "" || c.Asset == "" {
		return apitypes.TypedDataDomain{}, fmt.Errorf("%w: asset name, version and address are required", forum.ErrInvalidChallenge)
	}
	if !common.IsHexAddress(c.Asset) {
		return apitypes.TypedDataDomain{}, fmt.Errorf("%w: invalid asset address %q", forum.ErrInvalidChallenge, c.Asset)
	}
	chainID, err := forum.ChainID(c.Network)
	if err != nil {
		return apitypes.TypedDataDomain{}, fmt.Errorf("%w: %v", forum.ErrInvalidChallenge, err)
	}

	return apitypes.TypedDataDomain{
		Name:              c.AssetName,
		Version:           c.AssetVersion,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: common.HexToAddress(c.Asset).Hex(),
	}, nil
}

// TypedData assembles the full EIP-712 payload for a permit.
func TypedData(domain apitypes.TypedDataDomain, auth forum.PermitAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       Types,
		PrimaryType: PrimaryType,
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"owner":    auth.Owner,
			"spender":  auth.Spender,
			"value":    (*math.HexOrDecimal256)(auth.Value),
			"nonce":    (*math.HexOrDecimal256)(auth.Nonce),
			"deadline": (*math.HexOrDecimal256)(auth.Deadline),
		},
	}
}

// Hash returns the EIP-712 digest keccak256("\x19\x01" || domainSeparator || structHash).
func Hash(data apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := data.HashStruct("EIP712Domain", data.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := data.HashStruct(data.PrimaryType, data.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// Sign produces a 65-byte signature with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, data apitypes.TypedData) ([]byte, error) {
	digest, err := Hash(data)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign permit: %w", err)
	}

	// Adjust v value for Ethereum (27 or 28)
	signature[64] += 27
	return signature, nil
}

// RecoverSigner returns the address that produced sig over data.
func RecoverSigner(data apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	digest, err := Hash(data)
	if err != nil {
		return common.Address{}, err
	}

	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ToJSON converts an authorization to its wire form, numbers as decimal strings.
func ToJSON(auth forum.PermitAuthorization) forum.PermitAuthorizationJSON {
	return forum.PermitAuthorizationJSON{
		Owner:    auth.Owner,
		Spender:  auth.Spender,
		Value:    auth.Value.String(),
		Nonce:    auth.Nonce.String(),
		Deadline: auth.Deadline.String(),
	}
}

// FromJSON parses the wire form of an authorization back into exact integers.
func FromJSON(j forum.PermitAuthorizationJSON) (forum.PermitAuthorization, error) {
	var (
		auth = forum.PermitAuthorization{Owner: j.Owner, Spender: j.Spender}
		err  error
	)
	fields := []struct {
		name string
		in   string
		out  **big.Int
	}{
		{"value", j.Value, &auth.Value},
		{"nonce", j.Nonce, &auth.Nonce},
		{"deadline", j.Deadline, &auth.Deadline},
	}
	for _, f := range fields {
		if *f.out, err = forum.ParseAmount(f.in); err != nil {
			return forum.PermitAuthorization{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if !common.IsHexAddress(j.Owner) || !common.IsHexAddress(j.Spender) {
		return forum.PermitAuthorization{}, fmt.Errorf("owner and spender must be addresses")
	}
	return auth, nil
}
