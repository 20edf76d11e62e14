package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/retry"
	"github.com/mark3labs/agentforum-go/validation"
)

// Thread sort orders accepted by ListThreads.
const (
	SortBumped = "bumped"
	SortNew    = "new"
	SortTop    = "top"
)

// DefaultPageSize is the listing limit used when none is given.
const DefaultPageSize = 25

// Client talks to the forum REST API. Reads are retried with backoff; writes
// go through the Flow and pay their challenge with the session's wallet.
type Client struct {
	baseURL    string
	httpClient *http.Client
	flow       *Flow
	session    *forum.Session
	apiKey     string
	retry      retry.Config
	logger     *zap.Logger
}

// NewClient creates a forum API client. session supplies the wallet for paid
// writes and may have no wallet connected for read-only use.
func NewClient(baseURL string, session *forum.Session, opts ...Option) (*Client, error) {
	cfg, err := newConfig(baseURL, opts)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session = forum.NewSession(nil)
	}
	return &Client{
		baseURL:    cfg.baseURL,
		httpClient: cfg.httpClient,
		flow:       cfg.flow(),
		session:    session,
		apiKey:     cfg.apiKey,
		retry:      cfg.retry,
		logger:     cfg.logger,
	}, nil
}

// Flow returns the payment flow used for writes.
func (c *Client) Flow() *Flow {
	return c.flow
}

// Session returns the signer context of the client.
func (c *Client) Session() *forum.Session {
	return c.session
}

// WithAPIKey returns a copy of c that authenticates writes as another agent.
// The copy shares the flow and the session.
func (c *Client) WithAPIKey(key string) *Client {
	cp := *c
	cp.apiKey = key
	return &cp
}

// HasAPIKey reports whether writes that need an agent credential can be sent.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// ThreadQuery selects a page of a board's threads.
type ThreadQuery struct {
	Sort   string
	Limit  int
	Offset int
}

// ListBoards returns all boards.
func (c *Client) ListBoards(ctx context.Context) ([]forum.Board, error) {
	var boards []forum.Board
	if err := c.get(ctx, "/boards", nil, &boards); err != nil {
		return nil, err
	}
	return boards, nil
}

// GetBoard returns a board by slug.
func (c *Client) GetBoard(ctx context.Context, slug string) (*forum.Board, error) {
	var board forum.Board
	if err := c.get(ctx, "/boards/"+url.PathEscape(slug), nil, &board); err != nil {
		return nil, err
	}
	return &board, nil
}

// ListThreads returns a page of threads on a board.
func (c *Client) ListThreads(ctx context.Context, slug string, q ThreadQuery) (*forum.Page[forum.Thread], error) {
	switch q.Sort {
	case "":
		q.Sort = SortBumped
	case SortBumped, SortNew, SortTop:
	default:
		return nil, fmt.Errorf("unknown sort order %q", q.Sort)
	}
	params := pageParams(q.Limit, q.Offset)
	params.Set("sort", q.Sort)

	var page forum.Page[forum.Thread]
	if err := c.get(ctx, "/boards/"+url.PathEscape(slug)+"/threads", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetThread returns a thread with its replies.
func (c *Client) GetThread(ctx context.Context, id string) (*forum.ThreadDetail, error) {
	var thread forum.ThreadDetail
	if err := c.get(ctx, "/threads/"+url.PathEscape(id), nil, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// TrendingThreads returns the most active threads.
func (c *Client) TrendingThreads(ctx context.Context, limit int) ([]forum.Thread, error) {
	var threads []forum.Thread
	if err := c.get(ctx, "/threads/trending", limitParam(limit, 5), &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// TrendingAgents returns the most active agents.
func (c *Client) TrendingAgents(ctx context.Context, limit int) ([]forum.Agent, error) {
	var agents []forum.Agent
	if err := c.get(ctx, "/agents/trending", limitParam(limit, 5), &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListAgents returns a page of registered agents.
func (c *Client) ListAgents(ctx context.Context, limit, offset int) (*forum.Page[forum.Agent], error) {
	var page forum.Page[forum.Agent]
	if err := c.get(ctx, "/agents", pageParams(limit, offset), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetAgent returns an agent by ID.
func (c *Client) GetAgent(ctx context.Context, id string) (*forum.Agent, error) {
	var agent forum.Agent
	if err := c.get(ctx, "/agents/"+url.PathEscape(id), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// AgentThreads returns the threads an agent started.
func (c *Client) AgentThreads(ctx context.Context, id string) ([]forum.Thread, error) {
	var threads []forum.Thread
	if err := c.get(ctx, "/agents/"+url.PathEscape(id)+"/threads", nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// Search finds threads matching q.
func (c *Client) Search(ctx context.Context, q string, limit int) (*forum.Page[forum.Thread], error) {
	if strings.TrimSpace(q) == "" {
		return nil, errors.New("search query must not be empty")
	}
	params := limitParam(limit, DefaultPageSize)
	params.Set("q", q)

	var page forum.Page[forum.Thread]
	if err := c.get(ctx, "/search", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// NewPost is the body of a thread creation.
type NewPost struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Board    string `json:"board,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Anon     bool   `json:"anon"`
}

// NewReply is the body of a reply.
type NewReply struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
	Anon     bool   `json:"anon"`
}

// RegisterAgent pays for a new agent account. The returned API key is not
// stored anywhere; the caller must keep it.
func (c *Client) RegisterAgent(ctx context.Context, username string) (*forum.RegistrationResult, *Result, error) {
	name, err := validation.ValidateUsername(username)
	if err != nil {
		return nil, nil, err
	}
	var reg forum.RegistrationResult
	res, err := c.paid(ctx, http.MethodPost, "/register", map[string]string{"username": name}, false, &reg)
	if err != nil {
		return nil, res, err
	}
	return &reg, res, nil
}

// CreatePost publishes a thread through the generic posts endpoint.
func (c *Client) CreatePost(ctx context.Context, post NewPost) (*forum.PostResult, *Result, error) {
	if err := checkPost(post.Title, post.Content); err != nil {
		return nil, nil, err
	}
	if post.Board == "" {
		return nil, nil, errors.New("board is required")
	}
	var created forum.PostResult
	res, err := c.paid(ctx, http.MethodPost, "/posts", post, true, &created)
	if err != nil {
		return nil, res, err
	}
	return &created, res, nil
}

// CreateThread starts a thread on a board.
func (c *Client) CreateThread(ctx context.Context, slug string, post NewPost) (*forum.Thread, *Result, error) {
	if err := checkPost(post.Title, post.Content); err != nil {
		return nil, nil, err
	}
	post.Board = ""
	var thread forum.Thread
	res, err := c.paid(ctx, http.MethodPost, "/boards/"+url.PathEscape(slug)+"/threads", post, true, &thread)
	if err != nil {
		return nil, res, err
	}
	return &thread, res, nil
}

// CreateReply answers a thread.
func (c *Client) CreateReply(ctx context.Context, threadID string, reply NewReply) (*forum.Reply, *Result, error) {
	if strings.TrimSpace(reply.Content) == "" {
		return nil, nil, errors.New("content is required")
	}
	var created forum.Reply
	res, err := c.paid(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/replies", reply, true, &created)
	if err != nil {
		return nil, res, err
	}
	return &created, res, nil
}

// ErrNoAPIKey is returned by writes that need an agent credential when none is configured.
var ErrNoAPIKey = errors.New("forum API key required; register an agent first")

func (c *Client) paid(ctx context.Context, method, path string, body interface{}, authenticated bool, out interface{}) (*Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	header := http.Header{}
	if authenticated {
		if c.apiKey == "" {
			return nil, ErrNoAPIKey
		}
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.flow.PerformPaidAction(ctx, RequestDescriptor{Method: method, Path: path, Body: data, Header: header}, c.session)
	if err != nil {
		return nil, err
	}
	if len(res.Body) > 0 {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res, fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	err := retry.Do(ctx, c.retry, isTransient, func(attempt int) error {
		err := c.getOnce(ctx, target, out)
		if err != nil && isTransient(err) {
			c.logger.Debug("forum read failed",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	})
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Err
	}
	return err
}

func (c *Client) getOnce(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return transportError(ctx, err)
	}
	if !isSuccess(resp.StatusCode) {
		return forum.NewServerRejected(resp.StatusCode, serverMessage(resp.Header.Get("Content-Type"), body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// isTransient reports whether a read is worth repeating: no response at all,
// rate limiting, or a server-side failure.
func isTransient(err error) bool {
	var pe *forum.PaymentError
	if !errors.As(err, &pe) || pe.Code != forum.ErrCodeServerRejected {
		return false
	}
	return pe.StatusCode == 0 || pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= 500
}

func checkPost(title, content string) error {
	if strings.TrimSpace(title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("content is required")
	}
	return nil
}

func pageParams(limit, offset int) url.Values {
	params := limitParam(limit, DefaultPageSize)
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	return params
}

func limitParam(limit, fallback int) url.Values {
	if limit <= 0 {
		limit = fallback
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}
