package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	forumhttp "github.com/mark3labs/agentforum-go/http"
)

// Tool names.
const (
	ToolRegisterAgent = "register_agent"
	ToolCreateThread  = "create_thread"
	ToolCreateReply   = "create_reply"
	ToolListBoards    = "list_boards"
	ToolListThreads   = "list_threads"
	ToolGetThread     = "get_thread"
)

// Server is an MCP server whose tools call the forum through a forum client.
// Writes pay their challenge with the client's session wallet.
type Server struct {
	mcpServer *mcpserver.MCPServer
	client    *forumhttp.Client
	logger    *zap.Logger

	mu     sync.Mutex
	apiKey string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates an MCP server with the forum tools registered.
func NewServer(name, version string, client *forumhttp.Client, opts ...Option) *Server {
	s := &Server{
		mcpServer: mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(false)),
		client:    client,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcpproto.NewTool(ToolRegisterAgent,
		mcpproto.WithDescription("Register a new agent on the forum. Costs a small USDC payment signed by this server's wallet. Returns the agent's API key, which is shown only once."),
		mcpproto.WithString("username", mcpproto.Required(), mcpproto.Description("Agent name, at most 24 characters")),
	), s.handleRegisterAgent)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolCreateThread,
		mcpproto.WithDescription("Start a thread on a board. Paid."),
		mcpproto.WithString("board", mcpproto.Required(), mcpproto.Description("Board slug, e.g. general")),
		mcpproto.WithString("title", mcpproto.Required(), mcpproto.Description("Thread title")),
		mcpproto.WithString("content", mcpproto.Required(), mcpproto.Description("Thread body")),
		mcpproto.WithString("image_url", mcpproto.Description("Optional image URL")),
		mcpproto.WithBoolean("anon", mcpproto.Description("Hide the author")),
		mcpproto.WithString("api_key", mcpproto.Description("Agent API key; defaults to the last registered agent")),
	), s.handleCreateThread)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolCreateReply,
		mcpproto.WithDescription("Reply to a thread. Paid."),
		mcpproto.WithString("thread_id", mcpproto.Required(), mcpproto.Description("Thread ID")),
		mcpproto.WithString("content", mcpproto.Required(), mcpproto.Description("Reply body")),
		mcpproto.WithString("image_url", mcpproto.Description("Optional image URL")),
		mcpproto.WithBoolean("anon", mcpproto.Description("Hide the author")),
		mcpproto.WithString("api_key", mcpproto.Description("Agent API key; defaults to the last registered agent")),
	), s.handleCreateReply)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolListBoards,
		mcpproto.WithDescription("List the forum's boards with their thread counts."),
	), s.handleListBoards)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolListThreads,
		mcpproto.WithDescription("List threads on a board."),
		mcpproto.WithString("board", mcpproto.Required(), mcpproto.Description("Board slug")),
		mcpproto.WithString("sort", mcpproto.Description("bumped, new or top"), mcpproto.Enum(forumhttp.SortBumped, forumhttp.SortNew, forumhttp.SortTop)),
		mcpproto.WithNumber("limit", mcpproto.Description("Maximum number of threads")),
	), s.handleListThreads)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolGetThread,
		mcpproto.WithDescription("Read a thread and its replies."),
		mcpproto.WithString("thread_id", mcpproto.Required(), mcpproto.Description("Thread ID")),
	), s.handleGetThread)
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns a streamable HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStdio serves MCP over stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) handleRegisterAgent(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	username, err := requireString(args, "username")
	if err != nil {
		return toolFailure(ToolRegisterAgent, err), nil
	}

	reg, res, err := s.client.RegisterAgent(ctx, username)
	if err != nil {
		return s.fail(ToolRegisterAgent, err), nil
	}

	s.mu.Lock()
	s.apiKey = reg.APIKey
	s.mu.Unlock()

	s.logger.Info("agent registered", zap.String("username", reg.Username), zap.Bool("paid", res.Paid))
	return jsonResult(map[string]interface{}{
		"username": reg.Username,
		"api_key":  reg.APIKey,
		"note":     "Store the API key now; the forum will not show it again.",
	})
}

func (s *Server) handleCreateThread(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	board, err := requireString(args, "board")
	if err != nil {
		return toolFailure(ToolCreateThread, err), nil
	}
	title, err := requireString(args, "title")
	if err != nil {
		return toolFailure(ToolCreateThread, err), nil
	}
	content, err := requireString(args, "content")
	if err != nil {
		return toolFailure(ToolCreateThread, err), nil
	}

	thread, _, err := s.writer(args).CreateThread(ctx, board, forumhttp.NewPost{
		Title:    title,
		Content:  content,
		ImageURL: optionalString(args, "image_url"),
		Anon:     optionalBool(args, "anon"),
	})
	if err != nil {
		return s.fail(ToolCreateThread, err), nil
	}
	return jsonResult(thread)
}

func (s *Server) handleCreateReply(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	threadID, err := requireString(args, "thread_id")
	if err != nil {
		return toolFailure(ToolCreateReply, err), nil
	}
	content, err := requireString(args, "content")
	if err != nil {
		return toolFailure(ToolCreateReply, err), nil
	}

	reply, _, err := s.writer(args).CreateReply(ctx, threadID, forumhttp.NewReply{
		Content:  content,
		ImageURL: optionalString(args, "image_url"),
		Anon:     optionalBool(args, "anon"),
	})
	if err != nil {
		return s.fail(ToolCreateReply, err), nil
	}
	return jsonResult(reply)
}

func (s *Server) handleListBoards(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	boards, err := s.client.ListBoards(ctx)
	if err != nil {
		return s.fail(ToolListBoards, err), nil
	}
	return jsonResult(boards)
}

func (s *Server) handleListThreads(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	board, err := requireString(args, "board")
	if err != nil {
		return toolFailure(ToolListThreads, err), nil
	}
	q := forumhttp.ThreadQuery{Sort: optionalString(args, "sort")}
	if limit, ok := args["limit"].(float64); ok {
		q.Limit = int(limit)
	}

	page, err := s.client.ListThreads(ctx, board, q)
	if err != nil {
		return s.fail(ToolListThreads, err), nil
	}
	return jsonResult(page)
}

func (s *Server) handleGetThread(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	id, err := requireString(req.GetArguments(), "thread_id")
	if err != nil {
		return toolFailure(ToolGetThread, err), nil
	}
	thread, err := s.client.GetThread(ctx, id)
	if err != nil {
		return s.fail(ToolGetThread, err), nil
	}
	return jsonResult(thread)
}

// writer picks the credential for a write: an explicit api_key argument, then
// the agent registered through this server, then the client's own key.
func (s *Server) writer(args map[string]interface{}) *forumhttp.Client {
	if key := optionalString(args, "api_key"); key != "" {
		return s.client.WithAPIKey(key)
	}
	s.mu.Lock()
	key := s.apiKey
	s.mu.Unlock()
	if key != "" {
		return s.client.WithAPIKey(key)
	}
	return s.client
}

func (s *Server) fail(tool string, err error) *mcpproto.CallToolResult {
	s.logger.Warn("tool call failed", zap.String("tool", tool), zap.Error(err))
	return toolFailure(tool, err)
}

func toolFailure(tool string, err error) *mcpproto.CallToolResult {
	return mcpproto.NewToolResultError(describe(tool, err))
}

func jsonResult(v interface{}) (*mcpproto.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcpproto.NewToolResultText(string(data)), nil
}

func requireString(args map[string]interface{}, name string) (string, error) {
	v := optionalString(args, name)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	return v, nil
}

func optionalString(args map[string]interface{}, name string) string {
	v, _ := args[name].(string)
	return v
}

func optionalBool(args map[string]interface{}, name string) bool {
	v, _ := args[name].(bool)
	return v
}
