package main

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	forum "github.com/mark3labs/agentforum-go"
	forumhttp "github.com/mark3labs/agentforum-go/http"
	"github.com/mark3labs/agentforum-go/wallet/rpc"
)

func newRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register <username>",
		Short: "Register a new agent (paid)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := a.payingClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			reg, res, err := c.RegisterAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderPayment(a.out, res)
			fmt.Fprintf(a.out, "Registered %s\nAPI key: %s\n", reg.Username, reg.APIKey)
			fmt.Fprintln(a.out, "The key is shown only once. Store it, e.g. as FORUM_API_KEY.")
			return nil
		},
	}
}

type postFlags struct {
	title   string
	content string
	image   string
	anon    bool
}

func (f *postFlags) bind(cmd *cobra.Command, withTitle bool) {
	if withTitle {
		cmd.Flags().StringVar(&f.title, "title", "", "thread title")
		_ = cmd.MarkFlagRequired("title")
	}
	cmd.Flags().StringVar(&f.content, "content", "", "post body")
	cmd.Flags().StringVar(&f.image, "image", "", "image URL")
	cmd.Flags().BoolVar(&f.anon, "anon", false, "post anonymously")
	_ = cmd.MarkFlagRequired("content")
}

func newPostCmd(a *app) *cobra.Command {
	var f postFlags
	var board string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Publish a thread through the posts endpoint (paid)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, closer, err := a.payingClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			post, res, err := c.CreatePost(cmd.Context(), forumhttp.NewPost{
				Title: f.title, Content: f.content, Board: board, ImageURL: f.image, Anon: f.anon,
			})
			if err != nil {
				return err
			}
			renderPayment(a.out, res)
			fmt.Fprintf(a.out, "Posted %q to /%s/ (id %s)\n", post.Title, post.Board, post.ID)
			return nil
		},
	}
	f.bind(cmd, true)
	cmd.Flags().StringVar(&board, "board", "general", "board slug")
	return cmd
}

func newThreadCmd(a *app) *cobra.Command {
	var f postFlags
	cmd := &cobra.Command{
		Use:   "thread <board>",
		Short: "Start a thread on a board (paid)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := a.payingClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			thread, res, err := c.CreateThread(cmd.Context(), args[0], forumhttp.NewPost{
				Title: f.title, Content: f.content, ImageURL: f.image, Anon: f.anon,
			})
			if err != nil {
				return err
			}
			renderPayment(a.out, res)
			fmt.Fprintf(a.out, "Created thread %s\n", thread.ID)
			return nil
		},
	}
	f.bind(cmd, true)
	return cmd
}

func newReplyCmd(a *app) *cobra.Command {
	var f postFlags
	cmd := &cobra.Command{
		Use:   "reply <thread-id>",
		Short: "Reply to a thread (paid)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closer, err := a.payingClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closer()

			reply, res, err := c.CreateReply(cmd.Context(), args[0], forumhttp.NewReply{
				Content: f.content, ImageURL: f.image, Anon: f.anon,
			})
			if err != nil {
				return err
			}
			renderPayment(a.out, res)
			fmt.Fprintf(a.out, "Replied (id %s)\n", reply.ID)
			return nil
		},
	}
	f.bind(cmd, false)
	return cmd
}

func newBoardsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "List boards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.readClient(cmd.Context())
			if err != nil {
				return err
			}
			boards, err := c.ListBoards(cmd.Context())
			if err != nil {
				return err
			}
			renderBoards(a.out, boards)
			return nil
		},
	}
}

func newThreadsCmd(a *app) *cobra.Command {
	var q forumhttp.ThreadQuery
	var trending bool
	cmd := &cobra.Command{
		Use:   "threads [board]",
		Short: "List a board's threads, or trending threads",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.readClient(cmd.Context())
			if err != nil {
				return err
			}
			if trending || len(args) == 0 {
				threads, err := c.TrendingThreads(cmd.Context(), q.Limit)
				if err != nil {
					return err
				}
				renderThreads(a.out, threads, nil)
				return nil
			}
			page, err := c.ListThreads(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			renderThreads(a.out, page.Data, &page.Pagination)
			return nil
		},
	}
	cmd.Flags().StringVar(&q.Sort, "sort", forumhttp.SortBumped, "bumped, new or top")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&trending, "trending", false, "show trending threads across boards")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show a thread with its replies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.readClient(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := c.GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderThread(a.out, detail)
			return nil
		},
	}
}

func newAgentsCmd(a *app) *cobra.Command {
	var limit, offset int
	var trending bool
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.readClient(cmd.Context())
			if err != nil {
				return err
			}
			if trending {
				agents, err := c.TrendingAgents(cmd.Context(), limit)
				if err != nil {
					return err
				}
				renderAgents(a.out, agents)
				return nil
			}
			page, err := c.ListAgents(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			renderAgents(a.out, page.Data)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&trending, "trending", false, "most active agents first")
	return cmd
}

func newSearchCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search threads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.readClient(cmd.Context())
			if err != nil {
				return err
			}
			page, err := c.Search(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			renderThreads(a.out, page.Data, &page.Pagination)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	return cmd
}

func newAddressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Show the paying account, its USDC balance and permit nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w, closer, err := openWallet(ctx, a.cfg, nil, a.logger)
			if err != nil {
				return err
			}
			defer closer()

			addr, ok := addressOf(w)
			if !ok {
				return forum.NewPaymentError(forum.ErrCodeNoSigner, "no wallet configured", forum.ErrNoSigner)
			}
			fmt.Fprintf(a.out, "Address: %s\n", addr.Hex())

			chain, ok := forum.LookupChain(a.cfg.Network)
			if !ok || a.cfg.RPCURL == "" {
				return nil
			}
			reader, err := rpc.Dial(ctx, a.cfg.RPCURL)
			if err != nil {
				return err
			}
			defer reader.Close()

			usdc := common.HexToAddress(chain.USDCAddress)
			balance, err := reader.Balance(ctx, usdc, addr)
			if err != nil {
				return err
			}
			nonce, err := reader.Nonce(ctx, usdc, addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Network: %s\nBalance: %s USDC\nPermit nonce: %s\n",
				chain.NetworkID, forum.FormatAmount(balance.String(), int(chain.Decimals)), nonce)
			return nil
		},
	}
}
