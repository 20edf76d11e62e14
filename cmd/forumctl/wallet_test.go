package main

import (
	"bytes"
	"context"
	"io"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPermit() apitypes.TypedData {
	return apitypes.TypedData{
		Domain: apitypes.TypedDataDomain{
			Name:              "USDC",
			VerifyingContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		},
		Message: apitypes.TypedDataMessage{
			"spender":  "0x2222222222222222222222222222222222222222",
			"value":    (*math.HexOrDecimal256)(big.NewInt(5000)),
			"deadline": big.NewInt(1_700_000_000),
		},
	}
}

func TestDescribePermit(t *testing.T) {
	got := describePermit(testPermit())
	assert.Contains(t, got, "Permit for USDC (0x036CbD53842c5426634e7929541eC2318f3dCF7e)")
	assert.Contains(t, got, "spender:  0x2222222222222222222222222222222222222222")
	assert.Contains(t, got, "value:    0.005 USDC")
	assert.Contains(t, got, "deadline: 1700000000")
}

func TestTerminalApprover(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		assumeYes bool
		wantErr   error
	}{
		{"yes", "y\n", false, nil},
		{"full word", "YES\n", false, nil},
		{"no", "n\n", false, errDeclined},
		{"empty line", "\n", false, errDeclined},
		{"end of input", "", false, errDeclined},
		{"assume yes", "", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			approve := terminalApprover(strings.NewReader(tt.input), &out, tt.assumeYes)
			err := approve(context.Background(), testPermit())
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Contains(t, out.String(), "Permit for USDC")
			assert.Equal(t, !tt.assumeYes, strings.Contains(out.String(), "[y/N]"))
		})
	}
}

func TestTerminalApproverCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := terminalApprover(pr, io.Discard, false)(ctx, testPermit())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenWalletWithoutKeys(t *testing.T) {
	w, closer, err := openWallet(context.Background(), &Config{}, nil, zap.NewNop())
	require.NoError(t, err)
	defer closer()
	assert.Nil(t, w)

	_, ok := addressOf(w)
	assert.False(t, ok)
}

func TestOpenWalletPrivateKey(t *testing.T) {
	cfg := &Config{PrivateKey: "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"}
	w, closer, err := openWallet(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer closer()

	addr, ok := addressOf(w)
	require.True(t, ok)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", addr.Hex())
}
