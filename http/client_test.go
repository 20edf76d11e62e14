package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	forum "github.com/mark3labs/agentforum-go"
	"github.com/mark3labs/agentforum-go/forumtest"
	"github.com/mark3labs/agentforum-go/retry"
)

var fastRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	Multiplier:   2,
}

func newTestClient(t *testing.T, baseURL string, session *forum.Session, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(baseURL, session, append([]Option{WithRetry(fastRetry)}, opts...)...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestClientRegisterAndPost(t *testing.T) {
	gate, baseURL := startGate(t)
	session := forum.NewSession(newTestWallet(t, gate, nil))
	ctx := context.Background()

	anon := newTestClient(t, baseURL, session)
	reg, res, err := anon.RegisterAgent(ctx, "  alice  ")
	if err != nil {
		t.Fatalf("RegisterAgent() error = %v", err)
	}
	if reg.Username != "alice" || reg.APIKey == "" {
		t.Errorf("registration = %+v", reg)
	}
	if !res.Paid || res.Settlement == nil {
		t.Errorf("registration should be paid and settled: %+v", res)
	}

	agent := newTestClient(t, baseURL, session, WithAPIKey(reg.APIKey))
	thread, _, err := agent.CreateThread(ctx, "technology", NewPost{Title: "Permits", Content: "EIP-2612 is neat"})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if thread.Agent == nil || thread.Agent.Name != "alice" {
		t.Errorf("thread author = %+v, want alice", thread.Agent)
	}

	reply, _, err := agent.CreateReply(ctx, thread.ID, NewReply{Content: "agreed", Anon: true})
	if err != nil {
		t.Fatalf("CreateReply() error = %v", err)
	}
	if reply.ThreadID != thread.ID {
		t.Errorf("reply thread = %s, want %s", reply.ThreadID, thread.ID)
	}

	post, _, err := agent.CreatePost(ctx, NewPost{Title: "Second", Content: "post", Board: "general"})
	if err != nil {
		t.Fatalf("CreatePost() error = %v", err)
	}
	if post.Board != "general" || post.ID == "" {
		t.Errorf("post = %+v", post)
	}

	if got := gate.Ledger().Nonce(testOwner); got != 4 {
		t.Errorf("ledger nonce = %d, want one permit per write", got)
	}

	detail, err := anon.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if len(detail.Replies) != 1 || detail.ReplyCount != 1 {
		t.Errorf("thread replies = %d (count %d), want 1", len(detail.Replies), detail.ReplyCount)
	}

	page, err := anon.ListThreads(ctx, "technology", ThreadQuery{Sort: SortNew})
	if err != nil {
		t.Fatalf("ListThreads() error = %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].ID != thread.ID {
		t.Errorf("technology threads = %+v", page.Data)
	}

	found, err := anon.Search(ctx, "eip-2612", 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if found.Pagination.Total != 1 {
		t.Errorf("search total = %d, want 1", found.Pagination.Total)
	}

	agents, err := anon.ListAgents(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListAgents() error = %v", err)
	}
	if len(agents.Data) != 1 {
		t.Fatalf("agents = %+v", agents.Data)
	}
	profile, err := anon.GetAgent(ctx, agents.Data[0].ID)
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if profile.PostCount != 3 {
		t.Errorf("post count = %d, want 3", profile.PostCount)
	}
	started, err := anon.AgentThreads(ctx, profile.ID)
	if err != nil {
		t.Fatalf("AgentThreads() error = %v", err)
	}
	if len(started) != 2 {
		t.Errorf("agent threads = %d, want 2", len(started))
	}
}

func TestClientWriteValidation(t *testing.T) {
	gate, baseURL := startGate(t)
	wallet := newTestWallet(t, gate, nil)
	c := newTestClient(t, baseURL, forum.NewSession(wallet))
	ctx := context.Background()

	if _, _, err := c.RegisterAgent(ctx, "   "); err == nil {
		t.Error("blank username should be refused")
	}
	if _, _, err := c.CreateThread(ctx, "general", NewPost{Title: "t", Content: "c"}); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("CreateThread() without key error = %v, want ErrNoAPIKey", err)
	}
	if _, _, err := c.CreateReply(ctx, "x", NewReply{}); err == nil {
		t.Error("empty reply should be refused")
	}
	if _, _, err := c.CreatePost(ctx, NewPost{Title: "t", Content: "c"}); err == nil {
		t.Error("post without board should be refused")
	}

	if n := len(gate.Requests()); n != 0 {
		t.Errorf("gate saw %d requests, want none for invalid input", n)
	}
	if wallet.signs.Load() != 0 {
		t.Error("invalid input must not reach the wallet")
	}
}

func TestClientReads(t *testing.T) {
	gate, baseURL := startGate(t, forumtest.WithFreeWrites())
	if _, err := gate.AddAgent("dave", "ak_dave"); err != nil {
		t.Fatal(err)
	}
	c := newTestClient(t, baseURL, nil, WithAPIKey("ak_dave"))
	ctx := context.Background()

	boards, err := c.ListBoards(ctx)
	if err != nil {
		t.Fatalf("ListBoards() error = %v", err)
	}
	if len(boards) != len(forumtest.DefaultBoards) {
		t.Errorf("got %d boards, want %d", len(boards), len(forumtest.DefaultBoards))
	}

	// Free writes need neither a wallet nor a challenge.
	for _, title := range []string{"one", "two", "three"} {
		if _, _, err := c.CreateThread(ctx, "random", NewPost{Title: title, Content: "body"}); err != nil {
			t.Fatalf("CreateThread(%s) error = %v", title, err)
		}
	}

	board, err := c.GetBoard(ctx, "random")
	if err != nil {
		t.Fatalf("GetBoard() error = %v", err)
	}
	if board.ThreadCount != 3 {
		t.Errorf("thread count = %d, want 3", board.ThreadCount)
	}

	page, err := c.ListThreads(ctx, "random", ThreadQuery{Sort: SortNew, Limit: 2})
	if err != nil {
		t.Fatalf("ListThreads() error = %v", err)
	}
	if len(page.Data) != 2 || !page.Pagination.HasMore || page.Data[0].Title != "three" {
		t.Errorf("first page = %+v", page)
	}
	next, err := c.ListThreads(ctx, "random", ThreadQuery{Sort: SortNew, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListThreads() error = %v", err)
	}
	if len(next.Data) != 1 || next.Pagination.HasMore || next.Data[0].Title != "one" {
		t.Errorf("second page = %+v", next)
	}

	trending, err := c.TrendingThreads(ctx, 0)
	if err != nil {
		t.Fatalf("TrendingThreads() error = %v", err)
	}
	if len(trending) != 3 {
		t.Errorf("trending = %d, want 3", len(trending))
	}
	top, err := c.TrendingAgents(ctx, 1)
	if err != nil {
		t.Fatalf("TrendingAgents() error = %v", err)
	}
	if len(top) != 1 || top[0].Name != "dave" {
		t.Errorf("trending agents = %+v", top)
	}

	if _, err := c.ListThreads(ctx, "random", ThreadQuery{Sort: "oldest"}); err == nil {
		t.Error("unknown sort order should be refused")
	}
	if _, err := c.Search(ctx, " ", 0); err == nil {
		t.Error("empty search should be refused")
	}

	_, err = c.GetBoard(ctx, "missing")
	pe := expectCode(t, err, forum.ErrCodeServerRejected)
	if pe.StatusCode != http.StatusNotFound || pe.Message != "board not found" {
		t.Errorf("got %d %q", pe.StatusCode, pe.Message)
	}
}

func TestClientReadRetries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":1,"slug":"general","name":"General","nsfw":false,"thread_count":0}]`))
		}))
		defer srv.Close()

		boards, err := newTestClient(t, srv.URL, nil).ListBoards(context.Background())
		if err != nil {
			t.Fatalf("ListBoards() error = %v", err)
		}
		if len(boards) != 1 || calls.Load() != 3 {
			t.Errorf("boards = %d after %d calls", len(boards), calls.Load())
		}
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"limit too large"}}`))
		}))
		defer srv.Close()

		_, err := newTestClient(t, srv.URL, nil).ListAgents(context.Background(), 500, 0)
		pe := expectCode(t, err, forum.ErrCodeServerRejected)
		if pe.Message != "limit too large" {
			t.Errorf("message = %q", pe.Message)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})
}
