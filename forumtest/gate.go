// Package forumtest runs an in-process forum whose writes are gated by x402
// permit payments. It issues challenges, verifies proofs by signature
// recovery and tracks permit nonces, so the full paid flow can be exercised
// against real EIP-712 signatures without a chain or a facilitator.
package forumtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/encoding"
	"github.com/mark3labs/agentforum-go/validation"
)

// Default addresses used by DefaultChallenge.
const (
	DefaultRecipient   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	DefaultFacilitator = "0x7f3a8C1e4B5D2f6A9c0E1b3D5F7a9C2e4B6d8F0A"
)

// DefaultChallenge is a 0.005 USDC charge on Base Sepolia.
func DefaultChallenge() forum.PaymentChallenge {
	return forum.PaymentChallenge{
		Scheme:            forum.PermitScheme,
		Network:           forum.BaseSepolia.NetworkID,
		Recipient:         DefaultRecipient,
		RequiredAmount:    "5000",
		Asset:             forum.BaseSepolia.USDCAddress,
		AssetSymbol:       "USDC",
		AssetName:         forum.BaseSepolia.EIP712Name,
		AssetVersion:      forum.BaseSepolia.EIP712Version,
		Decimals:          int(forum.BaseSepolia.Decimals),
		FacilitatorSigner: DefaultFacilitator,
		TimeoutSeconds:    encoding.DefaultTimeoutSeconds,
		Description:       "Forum write",
	}
}

// Request is a write the gate received.
type Request struct {
	Method         string
	Path           string
	Paid           bool
	IdempotencyKey string
	Body           string
}

// Gate is a fake forum API. It implements http.Handler.
type Gate struct {
	challenge  forum.PaymentChallenge
	ledger     *Ledger
	store      *store
	logger     *zap.Logger
	now        func() time.Time
	freeWrites bool
	router     chi.Router

	mu       sync.Mutex
	requests []Request
}

// Option configures a Gate.
type Option func(*Gate)

// WithChallenge replaces the challenge the gate issues. Fields may be left
// empty to simulate a broken server.
func WithChallenge(c forum.PaymentChallenge) Option {
	return func(g *Gate) {
		g.challenge = c
	}
}

// WithClock sets the time source for permit deadlines and timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithFreeWrites makes writes succeed without a challenge, as for an
// already-credited caller.
func WithFreeWrites() Option {
	return func(g *Gate) {
		g.freeWrites = true
	}
}

// NewGate creates a gate with the default boards and no agents.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		challenge: DefaultChallenge(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.ledger = NewLedger(g.challenge, g.now)
	g.store = newStore(g.now)
	g.router = g.routes()
	return g
}

func (g *Gate) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/boards", g.handleListBoards)
	r.Get("/boards/{slug}", g.handleGetBoard)
	r.Get("/boards/{slug}/threads", g.handleListThreads)
	r.Get("/threads/trending", g.handleTrendingThreads)
	r.Get("/threads/{id}", g.handleGetThread)
	r.Get("/agents", g.handleListAgents)
	r.Get("/agents/trending", g.handleTrendingAgents)
	r.Get("/agents/{id}", g.handleGetAgent)
	r.Get("/agents/{id}/threads", g.handleAgentThreads)
	r.Get("/search", g.handleSearch)

	r.Group(func(r chi.Router) {
		r.Use(g.record, g.paywall)
		r.Post("/register", g.handleRegister)
	})
	r.Group(func(r chi.Router) {
		r.Use(g.record, g.requireAgent, g.paywall)
		r.Post("/posts", g.handlePost)
		r.Post("/boards/{slug}/threads", g.handleCreateThread)
		r.Post("/threads/{id}/replies", g.handleCreateReply)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Ledger returns the nonce ledger. Wallets can use it as their chain reader.
func (g *Gate) Ledger() *Ledger {
	return g.ledger
}

// Challenge returns the challenge the gate issues.
func (g *Gate) Challenge() forum.PaymentChallenge {
	return g.challenge
}

// Requests returns the writes received so far, oldest first.
func (g *Gate) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Request(nil), g.requests...)
}

// AddAgent registers an agent directly, bypassing payment.
func (g *Gate) AddAgent(name, apiKey string) (forum.Agent, error) {
	agent, ok := g.store.register(name, apiKey)
	if !ok {
		return forum.Agent{}, errors.New("username already taken")
	}
	return agent, nil
}

func (g *Gate) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		g.mu.Lock()
		g.requests = append(g.requests, Request{
			Method:         r.Method,
			Path:           r.URL.Path,
			Paid:           r.Header.Get("X-PAYMENT") != "",
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Body:           string(body),
		})
		g.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// paywall answers unpaid writes with a 402 challenge and settles paid ones
// before handing them on.
func (g *Gate) paywall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.freeWrites {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("X-PAYMENT")
		if header == "" {
			g.logger.Debug("no payment header provided", zap.String("path", r.URL.Path))
			g.sendPaymentRequired(w, r, "X-PAYMENT header is required")
			return
		}

		settlement, err := g.ledger.Settle(header)
		if err != nil {
			var pe *ProofError
			if errors.As(err, &pe) {
				g.logger.Info("payment refused", zap.String("reason", pe.Reason), zap.String("detail", pe.Detail))
				g.sendPaymentRequired(w, r, pe.Error())
				return
			}
			g.logger.Error("settlement failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "Payment settlement failed")
			return
		}

		g.logger.Info("payment settled",
			zap.String("payer", settlement.Payer),
			zap.String("transaction", settlement.Transaction),
		)
		if encoded, err := encoding.EncodeSettlement(settlement); err == nil {
			w.Header().Set("X-PAYMENT-RESPONSE", encoded)
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gate) sendPaymentRequired(w http.ResponseWriter, r *http.Request, reason string) {
	c := g.challenge
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	c.Resource = scheme + "://" + r.Host + r.RequestURI

	body, err := encoding.EncodeChallenge(c, reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build challenge")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write(body)
}

type agentContextKey struct{}

func (g *Gate) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		agent, ok := g.store.agentByKey(key)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentContextKey{}, agent)))
	})
}

func agentFrom(r *http.Request) forum.Agent {
	agent, _ := r.Context().Value(agentContextKey{}).(forum.Agent)
	return agent
}

func (g *Gate) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name, err := validation.ValidateUsername(req.Username)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	apiKey := "ak_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, ok := g.store.register(name, apiKey); !ok {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	writeJSON(w, http.StatusCreated, forum.RegistrationResult{APIKey: apiKey, Username: name})
}

type postBody struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Board    string `json:"board"`
	ImageURL string `json:"image_url"`
	Anon     bool   `json:"anon"`
}

func decodePost(w http.ResponseWriter, r *http.Request, needTitle bool) (postBody, bool) {
	var p postBody
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return p, false
	}
	if needTitle && strings.TrimSpace(p.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return p, false
	}
	if strings.TrimSpace(p.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return p, false
	}
	return p, true
}

func (g *Gate) handlePost(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePost(w, r, true)
	if !ok {
		return
	}
	board, ok := g.store.board(p.Board)
	if !ok {
		writeError(w, http.StatusNotFound, "board not found")
		return
	}
	t := g.store.createThread(board, agentFrom(r), p.Title, p.Content, p.ImageURL, p.Anon)
	writeJSON(w, http.StatusCreated, forum.PostResult{ID: t.ID, Title: t.Title, Content: t.Content, Board: board.Slug})
}

func (g *Gate) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	board, ok := g.store.board(chi.URLParam(r, "slug"))
	if !ok {
		writeError(w, http.StatusNotFound, "board not found")
		return
	}
	p, ok := decodePost(w, r, true)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, g.store.createThread(board, agentFrom(r), p.Title, p.Content, p.ImageURL, p.Anon))
}

func (g *Gate) handleCreateReply(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePost(w, r, false)
	if !ok {
		return
	}
	reply, ok := g.store.createReply(chi.URLParam(r, "id"), agentFrom(r), p.Content, p.ImageURL, p.Anon)
	if !ok {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (g *Gate) handleListBoards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.store.listBoards())
}

func (g *Gate) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	board, ok := g.store.board(chi.URLParam(r, "slug"))
	if !ok {
		writeError(w, http.StatusNotFound, "board not found")
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (g *Gate) handleListThreads(w http.ResponseWriter, r *http.Request) {
	board, ok := g.store.board(chi.URLParam(r, "slug"))
	if !ok {
		writeError(w, http.StatusNotFound, "board not found")
		return
	}
	limit, offset := pageQuery(r, 25)
	threads := g.store.threadsWhere(func(t forum.Thread) bool { return t.BoardID == board.ID }, r.URL.Query().Get("sort"))
	writeJSON(w, http.StatusOK, paginate(threads, limit, offset))
}

func (g *Gate) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, ok := g.store.thread(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (g *Gate) handleTrendingThreads(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageQuery(r, 5)
	threads := g.store.threadsWhere(func(forum.Thread) bool { return true }, "top")
	writeJSON(w, http.StatusOK, paginate(threads, limit, 0).Data)
}

func (g *Gate) handleListAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageQuery(r, 25)
	writeJSON(w, http.StatusOK, paginate(g.store.listAgents(), limit, offset))
}

func (g *Gate) handleTrendingAgents(w http.ResponseWriter, r *http.Request) {
	limit, _ := pageQuery(r, 5)
	agents := g.store.listAgents()
	sortAgentsByPosts(agents)
	writeJSON(w, http.StatusOK, paginate(agents, limit, 0).Data)
}

func (g *Gate) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := g.store.agent(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (g *Gate) handleAgentThreads(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := g.store.agent(id); !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	threads := g.store.threadsWhere(func(t forum.Thread) bool { return t.AgentID == id && !t.Anon }, "new")
	if threads == nil {
		threads = []forum.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (g *Gate) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, offset := pageQuery(r, 25)
	threads := g.store.threadsWhere(func(t forum.Thread) bool {
		return strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.Content), q)
	}, "bumped")
	writeJSON(w, http.StatusOK, paginate(threads, limit, offset))
}

func sortAgentsByPosts(agents []forum.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		return agents[i].PostCount > agents[j].PostCount
	})
}

// readBody returns the request body and leaves an unread copy in its place.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func pageQuery(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
