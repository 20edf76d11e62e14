package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/wallet/cdp"
	"github.com/mark3labs/agentforum-go/wallet/local"
	"github.com/mark3labs/agentforum-go/wallet/rpc"
)

// openWallet builds the wallet named by the configuration. It returns a nil
// wallet when no key material is configured; reads still work without one.
// The returned close func releases the RPC connection.
func openWallet(ctx context.Context, cfg *Config, approve local.Approver, logger *zap.Logger) (forum.Wallet, func(), error) {
	closer := func() {}

	var reader *rpc.Reader
	if cfg.RPCURL != "" {
		r, err := rpc.Dial(ctx, cfg.RPCURL)
		if err != nil {
			logger.Warn("chain reader unavailable; permits cannot be signed", zap.Error(err))
		} else {
			reader = r
			closer = r.Close
		}
	}

	if cfg.CDP.Enabled() {
		auth, err := cdp.NewAuth(cfg.CDP.APIKeyName, cfg.CDP.APIKeySecret, cfg.CDP.WalletSecret)
		if err != nil {
			closer()
			return nil, nil, err
		}
		opts := []cdp.Option{cdp.WithLogger(logger)}
		if cfg.CDP.Address != "" {
			opts = append(opts, cdp.WithAddress(cfg.CDP.Address))
		}
		if reader != nil {
			opts = append(opts, cdp.WithReader(reader))
		}
		w, err := cdp.New(ctx, auth, opts...)
		if err != nil {
			closer()
			return nil, nil, err
		}
		return w, closer, nil
	}

	var keyOpt local.Option
	switch {
	case cfg.KeystorePath != "":
		keyOpt = local.WithKeystore(cfg.KeystorePath, cfg.KeystorePassword)
	case cfg.Mnemonic != "":
		keyOpt = local.WithMnemonic(cfg.Mnemonic, cfg.AccountIndex)
	case cfg.PrivateKey != "":
		keyOpt = local.WithPrivateKey(cfg.PrivateKey)
	default:
		return nil, closer, nil
	}

	opts := []local.Option{keyOpt}
	if reader != nil {
		opts = append(opts, local.WithReader(reader))
	}
	if approve != nil {
		opts = append(opts, local.WithApprover(approve))
	}
	w, err := local.New(opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return w, closer, nil
}

var errDeclined = errors.New("declined at the prompt")

// terminalApprover asks on out and reads the answer from in before every
// signature. assumeYes skips the question.
func terminalApprover(in io.Reader, out io.Writer, assumeYes bool) local.Approver {
	lines := bufio.NewReader(in)
	return func(ctx context.Context, data apitypes.TypedData) error {
		fmt.Fprintln(out, describePermit(data))
		if assumeYes {
			return nil
		}
		fmt.Fprint(out, "Sign this permit? [y/N] ")

		answer := make(chan string, 1)
		go func() {
			line, _ := lines.ReadString('\n')
			answer <- strings.ToLower(strings.TrimSpace(line))
		}()

		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return ctx.Err()
		case a := <-answer:
			if a == "y" || a == "yes" {
				return nil
			}
			return errDeclined
		}
	}
}

// describePermit renders the fields a user needs to judge a permit prompt.
func describePermit(data apitypes.TypedData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Permit for %s (%s)\n", data.Domain.Name, data.Domain.VerifyingContract)
	fmt.Fprintf(&b, "  spender:  %v\n", data.Message["spender"])
	fmt.Fprintf(&b, "  value:    %s USDC\n", forum.FormatAmount(messageNumber(data.Message["value"]), 6))
	if deadline := messageNumber(data.Message["deadline"]); deadline != "" {
		fmt.Fprintf(&b, "  deadline: %s\n", deadline)
	}
	return strings.TrimRight(b.String(), "\n")
}

func messageNumber(v interface{}) string {
	switch n := v.(type) {
	case *math.HexOrDecimal256:
		if n == nil {
			return ""
		}
		return (*big.Int)(n).String()
	case *big.Int:
		return n.String()
	case string:
		return n
	case fmt.Stringer:
		return n.String()
	default:
		return ""
	}
}

func addressOf(w forum.Wallet) (common.Address, bool) {
	if w == nil {
		return common.Address{}, false
	}
	return w.ConnectedAddress()
}
