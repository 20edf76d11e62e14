package forumtest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/wallet/rpc"
)

// JSON-RPC error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcExecution      = -32000
)

var tokenABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(rpc.TokenABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callArgs struct {
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Input hexutil.Bytes   `json:"input"`
}

// RPCHandler serves the token's view functions over Ethereum JSON-RPC, so a
// wallet dialed at it reads permit nonces and balances from the ledger. Only
// eth_call against the challenge asset and eth_chainId are answered.
func (l *Ledger) RPCHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "JSON-RPC requires POST", http.StatusMethodNotAllowed)
			return
		}

		var req rpcRequest
		resp := rpcResponse{JSONRPC: "2.0"}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp.ID = json.RawMessage("null")
			resp.Error = &rpcError{Code: rpcParseError, Message: err.Error()}
		} else {
			resp.ID = req.ID
			resp.Result, resp.Error = l.dispatch(r.Context(), req)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func (l *Ledger) dispatch(ctx context.Context, req rpcRequest) (interface{}, *rpcError) {
	switch req.Method {
	case "eth_chainId":
		return (*hexutil.Big)(l.chainID()), nil
	case "eth_call":
		if len(req.Params) == 0 {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "missing call arguments"}
		}
		var args callArgs
		if err := json.Unmarshal(req.Params[0], &args); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: err.Error()}
		}
		out, err := l.call(ctx, args)
		if err != nil {
			return nil, &rpcError{Code: rpcExecution, Message: err.Error()}
		}
		return hexutil.Bytes(out), nil
	case "":
		return nil, &rpcError{Code: rpcInvalidRequest, Message: "missing method"}
	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: fmt.Sprintf("method %s not supported", req.Method)}
	}
}

func (l *Ledger) call(ctx context.Context, args callArgs) ([]byte, error) {
	if args.To == nil {
		return nil, fmt.Errorf("contract creation not supported")
	}
	data := args.Input
	if len(data) == 0 {
		data = args.Data
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("execution reverted: missing selector")
	}

	method, err := tokenABI.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("execution reverted: %w", err)
	}
	inputs, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("execution reverted: %w", err)
	}

	value, err := l.ReadUint(ctx, *args.To, method.Name, inputs...)
	if err != nil {
		return nil, fmt.Errorf("execution reverted: %w", err)
	}
	return method.Outputs.Pack(value)
}

func (l *Ledger) chainID() *big.Int {
	id, err := forum.ChainID(l.challenge.Network)
	if err != nil {
		return new(big.Int)
	}
	return id
}
