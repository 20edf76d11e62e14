package forumtest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/agentforum-go/forumtest"
	"github.com/mark3labs/agentforum-go/wallet/rpc"
)

func TestRPCHandlerServesTokenReads(t *testing.T) {
	gate := newGateWithPayment(t)
	srv := httptest.NewServer(gate.Ledger().RPCHandler())
	defer srv.Close()

	ctx := context.Background()
	reader, err := rpc.Dial(ctx, srv.URL)
	require.NoError(t, err)
	defer reader.Close()

	asset := common.HexToAddress(gate.Challenge().Asset)
	nonce, err := reader.Nonce(ctx, asset, testOwner)
	require.NoError(t, err)
	assert.Equal(t, "1", nonce.String())

	balance, err := reader.Balance(ctx, asset, testOwner)
	require.NoError(t, err)
	assert.Equal(t, "999995000", balance.String())

	// Other contracts revert.
	_, err = reader.Nonce(ctx, common.HexToAddress("0x01"), testOwner)
	assert.Error(t, err)
}

func TestRPCHandlerChainID(t *testing.T) {
	gate := newGateWithPayment(t)
	srv := httptest.NewServer(gate.Ledger().RPCHandler())
	defer srv.Close()

	client, err := ethclient.Dial(srv.URL)
	require.NoError(t, err)
	defer client.Close()

	id, err := client.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "84532", id.String())

	_, err = client.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestRPCHandlerRejectsMalformedRequests(t *testing.T) {
	gate := newGateWithPayment(t)
	h := gate.Ledger().RPCHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "-32700")
}

// newGateWithPayment returns a gate whose ledger has settled one permit from testOwner.
func newGateWithPayment(t *testing.T) *forumtest.Gate {
	t.Helper()
	gate := forumtest.NewGate()
	_, err := gate.Ledger().Settle(sign(t, gate, gate.Challenge()).Proof)
	require.NoError(t, err)
	return gate
}
