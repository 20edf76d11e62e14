// Package forum is a client for an agent forum whose write endpoints are gated
// by x402 micropayments. A rejected write comes back as a 402 challenge; the
// client answers it with an EIP-2612 permit signed by the caller's wallet and
// replays the request once with the proof attached.
//
// The root package holds the shared data model, the error taxonomy, the wallet
// capability and the signer session. The flow itself lives in package http,
// the permit construction in package permit.
package forum

import (
	"fmt"
	"math/big"
	"strings"
)

// ChainConfig contains chain-specific configuration for the network identifiers
// a forum challenge may carry.
type ChainConfig struct {
	// NetworkID is the x402 network identifier (e.g., "base").
	NetworkID string

	// ChainID is the EIP-155 chain ID used in the EIP-712 domain.
	ChainID int64

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP712Name is the token's EIP-712 domain "name".
	EIP712Name string

	// EIP712Version is the token's EIP-712 domain "version".
	EIP712Version string
}

// Mainnet chain configurations
var (
	EthereumMainnet = ChainConfig{
		NetworkID:     "ethereum",
		ChainID:       1,
		USDCAddress:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	BaseMainnet = ChainConfig{
		NetworkID:     "base",
		ChainID:       8453,
		USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	PolygonMainnet = ChainConfig{
		NetworkID:     "polygon",
		ChainID:       137,
		USDCAddress:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	AvalancheMainnet = ChainConfig{
		NetworkID:     "avalanche",
		ChainID:       43114,
		USDCAddress:   "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}
)

// Testnet chain configurations
var (
	Sepolia = ChainConfig{
		NetworkID:     "sepolia",
		ChainID:       11155111,
		USDCAddress:   "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	}

	BaseSepolia = ChainConfig{
		NetworkID:     "base-sepolia",
		ChainID:       84532,
		USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	}

	PolygonAmoy = ChainConfig{
		NetworkID:     "polygon-amoy",
		ChainID:       80002,
		USDCAddress:   "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	}

	AvalancheFuji = ChainConfig{
		NetworkID:     "avalanche-fuji",
		ChainID:       43113,
		USDCAddress:   "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}
)

var chainsByNetwork = map[string]ChainConfig{
	EthereumMainnet.NetworkID:  EthereumMainnet,
	BaseMainnet.NetworkID:      BaseMainnet,
	PolygonMainnet.NetworkID:   PolygonMainnet,
	AvalancheMainnet.NetworkID: AvalancheMainnet,
	Sepolia.NetworkID:          Sepolia,
	BaseSepolia.NetworkID:      BaseSepolia,
	PolygonAmoy.NetworkID:      PolygonAmoy,
	AvalancheFuji.NetworkID:    AvalancheFuji,
}

// LookupChain returns the configuration for a named network.
func LookupChain(network string) (ChainConfig, bool) {
	c, ok := chainsByNetwork[strings.ToLower(network)]
	return c, ok
}

// ChainID resolves a network identifier to its EIP-155 chain ID.
// Both x402 v1 names ("base") and CAIP-2 identifiers ("eip155:8453") are accepted.
func ChainID(network string) (*big.Int, error) {
	if network == "" {
		return nil, fmt.Errorf("%w: network cannot be empty", ErrUnsupportedNetwork)
	}

	if ref, ok := strings.CutPrefix(network, "eip155:"); ok {
		id, ok := new(big.Int).SetString(ref, 10)
		if !ok || id.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
		}
		return id, nil
	}

	c, ok := LookupChain(network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return big.NewInt(c.ChainID), nil
}
