// Package rpc reads uint256 view functions from ERC-20 token contracts over JSON-RPC.
package rpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TokenABI covers the read-only token functions the forum client needs:
// the EIP-2612 permit counter and the holder balance.
const TokenABI = `[
	{"inputs":[{"name":"owner","type":"address"}],"name":"nonces","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Reader performs eth_call against token contracts. It never sends transactions.
type Reader struct {
	caller ethereum.ContractCaller
	abi    abi.ABI
	close  func()
}

// NewReader wraps any contract caller, such as *ethclient.Client or a simulated backend.
func NewReader(caller ethereum.ContractCaller) (*Reader, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller cannot be nil")
	}
	parsed, err := abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return &Reader{caller: caller, abi: parsed, close: func() {}}, nil
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*Reader, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	r, err := NewReader(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.close = client.Close
	return r, nil
}

// Close releases the underlying connection, if the reader owns one.
func (r *Reader) Close() {
	r.close()
}

// ReadUint calls a single-output uint256 view function at the latest block.
func (r *Reader) ReadUint(ctx context.Context, contract common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	msg := ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}

	result, err := r.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("contract %s returned no data for %s", contract.Hex(), method)
	}

	outputs, err := r.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("expected one output from %s, got %d", method, len(outputs))
	}

	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", method, outputs[0])
	}
	return value, nil
}

// Nonce returns the EIP-2612 permit nonce of owner on token.
func (r *Reader) Nonce(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.ReadUint(ctx, token, "nonces", owner)
}

// Balance returns the token balance of account.
func (r *Reader) Balance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return r.ReadUint(ctx, token, "balanceOf", account)
}
