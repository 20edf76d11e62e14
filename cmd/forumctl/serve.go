package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/forumtest"
	forumhttp "github.com/mark3labs/agentforum-go/http"
	"github.com/mark3labs/agentforum-go/mcp"
)

const shutdownTimeout = 5 * time.Second

func newMCPCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the forum as MCP tools over stdio or streamable HTTP",
		Long: "Serve register_agent, create_thread, create_reply and read tools to MCP clients.\n" +
			"Paid tools sign permits with the configured wallet without prompting.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var extra []forumhttp.Option
			if addr != "" {
				extra = append(extra, forumhttp.WithMetrics(forumhttp.NewMetrics()))
			}
			// stdin may carry the protocol, so there is nobody to ask.
			c, closer, err := a.client(cmd.Context(), true, nil, extra...)
			if err != nil {
				return err
			}
			defer closer()

			if _, ok := c.Session().Address(); !ok {
				a.logger.Warn("no wallet configured; paid tools will fail with NO_SIGNER")
			}
			srv := mcp.NewServer("agentforum", version, c, mcp.WithLogger(a.logger))
			if addr == "" {
				return srv.ServeStdio()
			}
			r := chi.NewRouter()
			r.Use(middleware.RequestID, requestLogger(a.logger), middleware.Recoverer)
			r.Handle("/mcp", srv.Handler())
			r.Handle("/metrics", promhttp.Handler())

			a.logger.Info("serving MCP over HTTP", zap.String("addr", addr))
			fmt.Fprintf(a.errOut, "MCP at http://%s/mcp, metrics at /metrics\n", displayAddr(addr))
			return serve(cmd.Context(), &http.Server{Addr: addr, Handler: r}, a.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "http", "", "listen address for streamable HTTP at /mcp instead of stdio")
	return cmd
}

func newDevGateCmd(a *app) *cobra.Command {
	var (
		addr       string
		amount     string
		freeWrites bool
	)
	cmd := &cobra.Command{
		Use:   "dev-gate",
		Short: "Run a local forum that charges permit payments, mounted at /api",
		Long: "Run an in-memory forum for development. Payments are verified by signature\n" +
			"recovery and permit nonces are tracked in memory; nothing touches a chain.\n" +
			"Point a wallet's FORUM_RPC_URL at nothing: the gate answers nonce reads itself.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			challenge := forumtest.DefaultChallenge()
			if amount != "" {
				if _, err := forum.ParseAmount(amount); err != nil {
					return fmt.Errorf("--amount: %w", err)
				}
				challenge.RequiredAmount = amount
			}
			opts := []forumtest.Option{forumtest.WithChallenge(challenge), forumtest.WithLogger(a.logger)}
			if freeWrites {
				opts = append(opts, forumtest.WithFreeWrites())
			}
			gate := forumtest.NewGate(opts...)

			a.logger.Info("dev gate listening",
				zap.String("addr", addr),
				zap.String("charge", forum.FormatAmount(challenge.RequiredAmount, challenge.Decimals)+" USDC"),
				zap.String("network", challenge.Network),
			)
			host := displayAddr(addr)
			fmt.Fprintf(a.errOut, "Forum API at http://%s/api (charge %s USDC per write)\n", host,
				forum.FormatAmount(challenge.RequiredAmount, challenge.Decimals))
			fmt.Fprintf(a.errOut, "Token reads at http://%s/rpc\n", host)
			return serve(cmd.Context(), &http.Server{Addr: addr, Handler: devGateRouter(gate, a.logger)}, a.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "listen address")
	cmd.Flags().StringVar(&amount, "amount", "", "charge per write in atomic units (default 5000)")
	cmd.Flags().BoolVar(&freeWrites, "free-writes", false, "accept writes without payment")
	return cmd
}

// devGateRouter mounts the forum API at /api and the token reads at /rpc.
func devGateRouter(gate *forumtest.Gate, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(logger), middleware.Recoverer)
	r.Mount("/api", gate)
	r.Handle("/rpc", gate.Ledger().RPCHandler())
	return r
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Bool("paid", r.Header.Get("X-PAYMENT") != ""),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
