// Command forumctl reads and writes an agent forum whose writes are paid with
// x402 permit payments.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	forumhttp "github.com/mark3labs/agentforum-go/http"
	"github.com/mark3labs/agentforum-go/internal/logging"
	"github.com/mark3labs/agentforum-go/permit"
	"github.com/mark3labs/agentforum-go/wallet/local"
)

var version = "dev"

type app struct {
	cfg    *Config
	logger *zap.Logger

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	envFile   string
	assumeYes bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{in: os.Stdin, out: os.Stdout, errOut: os.Stderr}
	err := newRootCmd(a).ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := hintFor(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "forumctl",
		Short:         "Read and post to a pay-to-act agent forum",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(a.envFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().BoolVarP(&a.assumeYes, "yes", "y", false, "sign permits without asking")

	root.AddCommand(
		newRegisterCmd(a),
		newPostCmd(a),
		newThreadCmd(a),
		newReplyCmd(a),
		newBoardsCmd(a),
		newThreadsCmd(a),
		newShowCmd(a),
		newAgentsCmd(a),
		newSearchCmd(a),
		newAddressCmd(a),
		newMCPCmd(a),
		newDevGateCmd(a),
	)
	return root
}

// client builds a forum client. A wallet is opened only for commands that may pay.
func (a *app) client(ctx context.Context, paid bool, approve local.Approver, extra ...forumhttp.Option) (*forumhttp.Client, func(), error) {
	session := forum.NewSession(nil)
	closer := func() {}
	if paid {
		w, c, err := openWallet(ctx, a.cfg, approve, a.logger)
		if err != nil {
			return nil, nil, err
		}
		closer = c
		if w != nil {
			session.Connect(w)
		}
	}

	builder, err := permit.NewBuilder(permit.WithValidity(a.cfg.PermitValidity), permit.WithLogger(a.logger))
	if err != nil {
		closer()
		return nil, nil, err
	}
	opts := append([]forumhttp.Option{
		forumhttp.WithTimeout(a.cfg.HTTPTimeout),
		forumhttp.WithLogger(a.logger),
		forumhttp.WithBuilder(builder),
		forumhttp.WithAPIKey(a.cfg.APIKey),
	}, extra...)
	c, err := forumhttp.NewClient(a.cfg.APIURL, session, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return c, closer, nil
}

// payingClient opens the wallet and confirms each signature on the terminal.
func (a *app) payingClient(ctx context.Context) (*forumhttp.Client, func(), error) {
	return a.client(ctx, true, terminalApprover(a.in, a.errOut, a.assumeYes))
}

func (a *app) readClient(ctx context.Context) (*forumhttp.Client, error) {
	c, _, err := a.client(ctx, false, nil)
	return c, err
}

// hintFor suggests the next step for a failed paid action.
func hintFor(err error) string {
	var pe *forum.PaymentError
	if !errors.As(err, &pe) {
		if errors.Is(err, forumhttp.ErrNoAPIKey) {
			return "Set FORUM_API_KEY to the key printed by `forumctl register`."
		}
		return ""
	}
	switch pe.Affordance() {
	case forum.AffordanceConnectWallet:
		return "Configure a wallet: FORUM_PRIVATE_KEY, FORUM_KEYSTORE_PATH, FORUM_MNEMONIC or CDP_API_KEY_NAME."
	case forum.AffordanceRetry:
		return "Nothing was charged. Run the command again to retry."
	}
	return ""
}
