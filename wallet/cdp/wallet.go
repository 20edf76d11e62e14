// Package cdp implements a forum wallet whose key lives in a Coinbase
// Developer Platform server wallet. Typed data is signed remotely through the
// CDP v2 EVM API; CDP signing policies play the role of the user's
// confirmation dialog.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/retry"
)

const accountsPath = "/platform/v2/evm/accounts"

// ContractReader performs read-only uint256 contract calls. *rpc.Reader satisfies it.
type ContractReader interface {
	ReadUint(ctx context.Context, contract common.Address, method string, args ...interface{}) (*big.Int, error)
}

// Wallet is a forum.Wallet backed by a CDP EVM account.
type Wallet struct {
	client  *client
	address common.Address
	reader  ContractReader
}

type settings struct {
	baseURL     string
	httpClient  *http.Client
	retry       retry.Config
	logger      *zap.Logger
	address     string
	accountName string
	reader      ContractReader
}

// Option configures a Wallet.
type Option func(*settings) error

// WithBaseURL points the wallet at a different API host.
func WithBaseURL(u string) Option {
	return func(s *settings) error {
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid base URL %q: %w", u, err)
		}
		s.baseURL = strings.TrimSuffix(u, "/")
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for CDP calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) error {
		s.httpClient = c
		return nil
	}
}

// WithRetry overrides the backoff for rate limits and server errors.
func WithRetry(cfg retry.Config) Option {
	return func(s *settings) error {
		if cfg.MaxAttempts < 1 {
			return fmt.Errorf("retry: MaxAttempts must be at least 1")
		}
		s.retry = cfg
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) error {
		s.logger = l
		return nil
	}
}

// WithAddress uses an existing account instead of listing or creating one.
func WithAddress(addr string) Option {
	return func(s *settings) error {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid account address %q", addr)
		}
		s.address = addr
		return nil
	}
}

// WithAccountName names the account created when none exists.
func WithAccountName(name string) Option {
	return func(s *settings) error {
		s.accountName = name
		return nil
	}
}

// WithReader sets the chain reader used for nonce lookups.
func WithReader(r ContractReader) Option {
	return func(s *settings) error {
		s.reader = r
		return nil
	}
}

type account struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type listAccountsResponse struct {
	Accounts []account `json:"accounts"`
}

type createAccountRequest struct {
	Name string `json:"name,omitempty"`
}

// New resolves the CDP account and returns a ready wallet. Account resolution
// follows: the configured address, else the first listed account, else a newly
// created one.
func New(ctx context.Context, auth *Auth, opts ...Option) (*Wallet, error) {
	if auth == nil {
		return nil, fmt.Errorf("cdp: auth is required")
	}
	s := &settings{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.retry.DelayHint = retryAfter

	w := &Wallet{
		client: &client{
			baseURL:    s.baseURL,
			httpClient: s.httpClient,
			auth:       auth,
			retry:      s.retry,
			logger:     s.logger,
		},
		reader: s.reader,
	}

	addr, err := w.resolveAccount(ctx, s.address, s.accountName)
	if err != nil {
		return nil, err
	}
	w.address = addr
	s.logger.Info("cdp wallet ready", zap.String("address", addr.Hex()))
	return w, nil
}

func retryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

func (w *Wallet) resolveAccount(ctx context.Context, configured, name string) (common.Address, error) {
	if configured != "" {
		return common.HexToAddress(configured), nil
	}

	var list listAccountsResponse
	if err := w.client.doWithRetry(ctx, http.MethodGet, accountsPath, nil, &list, false); err != nil {
		return common.Address{}, fmt.Errorf("list accounts: %w", err)
	}
	for _, acct := range list.Accounts {
		if common.IsHexAddress(acct.Address) {
			return common.HexToAddress(acct.Address), nil
		}
	}

	var created account
	if err := w.client.doWithRetry(ctx, http.MethodPost, accountsPath, createAccountRequest{Name: name}, &created, true); err != nil {
		return common.Address{}, fmt.Errorf("create account: %w", err)
	}
	if !common.IsHexAddress(created.Address) {
		return common.Address{}, fmt.Errorf("CDP API returned invalid account address %q", created.Address)
	}
	return common.HexToAddress(created.Address), nil
}

// Address returns the CDP account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// ConnectedAddress implements forum.Wallet.
func (w *Wallet) ConnectedAddress() (common.Address, bool) {
	return w.address, w.address != (common.Address{})
}

// ReadContractValue implements forum.Wallet.
func (w *Wallet) ReadContractValue(ctx context.Context, contract common.Address, method string, owner common.Address) (*big.Int, error) {
	if w.reader == nil {
		return nil, fmt.Errorf("%w: cdp wallet has no RPC endpoint", forum.ErrNoProvider)
	}
	return w.reader.ReadUint(ctx, contract, method, owner)
}

type typedDataDomain struct {
	Name              string `json:"name,omitempty"`
	Version           string `json:"version,omitempty"`
	ChainID           int64  `json:"chainId,omitempty"`
	VerifyingContract string `json:"verifyingContract,omitempty"`
}

type signTypedDataRequest struct {
	Domain      typedDataDomain        `json:"domain"`
	Types       apitypes.Types         `json:"types"`
	PrimaryType string                 `json:"primaryType"`
	Message     map[string]interface{} `json:"message"`
}

type signTypedDataResponse struct {
	Signature string `json:"signature"`
}

// SignTypedData implements forum.Wallet. A policy denial is reported as
// forum.ErrUserRejected; anything else means the service could not sign.
func (w *Wallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	req, err := newSignRequest(data)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/%s/sign/typed-data", accountsPath, w.address.Hex())
	var resp signTypedDataResponse
	if err := w.client.doWithRetry(ctx, http.MethodPost, path, req, &resp, true); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && isPolicyDenial(apiErr) {
			return nil, fmt.Errorf("%w: %s", forum.ErrUserRejected, apiErr.Message)
		}
		return nil, err
	}

	sig, err := hexutil.Decode(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return sig, nil
}

func newSignRequest(data apitypes.TypedData) (*signTypedDataRequest, error) {
	domain := typedDataDomain{
		Name:              data.Domain.Name,
		Version:           data.Domain.Version,
		VerifyingContract: data.Domain.VerifyingContract,
	}
	if data.Domain.ChainId != nil {
		chainID := (*big.Int)(data.Domain.ChainId)
		if !chainID.IsInt64() {
			return nil, fmt.Errorf("chain ID %s out of range", chainID)
		}
		domain.ChainID = chainID.Int64()
	}

	// Numbers go over the wire as decimal strings so uint256 values survive JSON.
	message := make(map[string]interface{}, len(data.Message))
	for k, v := range data.Message {
		switch n := v.(type) {
		case *big.Int:
			message[k] = n.String()
		case *math.HexOrDecimal256:
			message[k] = (*big.Int)(n).String()
		default:
			message[k] = v
		}
	}

	return &signTypedDataRequest{
		Domain:      domain,
		Types:       data.Types,
		PrimaryType: data.PrimaryType,
		Message:     message,
	}, nil
}

// isPolicyDenial reports whether CDP refused to sign because of an account
// policy, as opposed to bad credentials.
func isPolicyDenial(err *APIError) bool {
	if err.StatusCode != http.StatusForbidden {
		return false
	}
	return strings.Contains(strings.ToLower(err.ErrorType), "policy") ||
		strings.Contains(strings.ToLower(err.Message), "policy")
}
