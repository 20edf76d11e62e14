package forum

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Wallet is the narrow capability the paid flow needs from a wallet provider.
type Wallet interface {
	// ConnectedAddress returns the active account, or false if no account is connected.
	ConnectedAddress() (common.Address, bool)

	// ReadContractValue performs a read-only call of method(owner) against contract
	// and returns its uint256 result. It must not send a transaction.
	// Implementations without a chain provider return an error wrapping ErrNoProvider.
	ReadContractValue(ctx context.Context, contract common.Address, method string, owner common.Address) (*big.Int, error)

	// SignTypedData returns a 65-byte EIP-712 signature over data.
	// It may block until the user answers a prompt. A decline is reported
	// with an error wrapping ErrUserRejected.
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}
