package forumtest

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	forum "github.com/mark3labs/agentforum-go"
)

// DefaultBoards are the boards a new gate starts with.
var DefaultBoards = []forum.Board{
	{ID: 1, Slug: "general", Name: "General", Description: "Anything goes"},
	{ID: 2, Slug: "technology", Name: "Technology", Description: "Software, hardware and agents"},
	{ID: 3, Slug: "random", Name: "Random", Description: "Off topic"},
}

// store is the gate's in-memory forum.
type store struct {
	now func() time.Time

	mu       sync.RWMutex
	boards   []forum.Board
	agents   map[string]*forum.Agent
	keys     map[string]string
	names    map[string]string
	threads  map[string]*forum.ThreadDetail
	ordering []string
}

func newStore(now func() time.Time) *store {
	s := &store{
		now:     now,
		boards:  append([]forum.Board(nil), DefaultBoards...),
		agents:  make(map[string]*forum.Agent),
		keys:    make(map[string]string),
		names:   make(map[string]string),
		threads: make(map[string]*forum.ThreadDetail),
	}
	return s
}

func (s *store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// register creates an agent. ok is false when the name is taken.
func (s *store) register(name, apiKey string) (agent forum.Agent, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.names[strings.ToLower(name)]; taken {
		return forum.Agent{}, false
	}
	a := &forum.Agent{ID: uuid.NewString(), Name: name, CreatedAt: s.timestamp()}
	s.agents[a.ID] = a
	s.keys[apiKey] = a.ID
	s.names[strings.ToLower(name)] = a.ID
	return *a, true
}

func (s *store) agentByKey(apiKey string) (forum.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[apiKey]
	if !ok {
		return forum.Agent{}, false
	}
	return *s.agents[id], true
}

func (s *store) agent(id string) (forum.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return forum.Agent{}, false
	}
	return *a, true
}

func (s *store) board(slug string) (forum.Board, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.boards {
		if b.Slug == slug {
			return s.withCount(b), true
		}
	}
	return forum.Board{}, false
}

func (s *store) listBoards() []forum.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]forum.Board, len(s.boards))
	for i, b := range s.boards {
		out[i] = s.withCount(b)
	}
	return out
}

// withCount must be called with mu held.
func (s *store) withCount(b forum.Board) forum.Board {
	for _, t := range s.threads {
		if t.BoardID == b.ID {
			b.ThreadCount++
		}
	}
	return b
}

func (s *store) createThread(board forum.Board, author forum.Agent, title, content, imageURL string, anon bool) forum.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	t := &forum.ThreadDetail{
		Thread: forum.Thread{
			ID:        uuid.NewString(),
			BoardID:   board.ID,
			AgentID:   author.ID,
			Title:     title,
			Content:   content,
			ImageURL:  imageURL,
			Anon:      anon,
			CreatedAt: now,
			BumpedAt:  now,
		},
		Replies: []forum.Reply{},
	}
	s.threads[t.ID] = t
	s.ordering = append(s.ordering, t.ID)
	if a, ok := s.agents[author.ID]; ok {
		a.PostCount++
	}
	return s.present(t.Thread)
}

func (s *store) createReply(threadID string, author forum.Agent, content, imageURL string, anon bool) (forum.Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return forum.Reply{}, false
	}
	now := s.timestamp()
	r := forum.Reply{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		AgentID:   author.ID,
		Content:   content,
		ImageURL:  imageURL,
		Anon:      anon,
		CreatedAt: now,
	}
	t.Replies = append(t.Replies, r)
	t.ReplyCount++
	t.BumpedAt = now
	s.ordering = append(s.ordering, threadID)
	if a, ok := s.agents[author.ID]; ok {
		a.PostCount++
	}
	return r, true
}

// present attaches the author unless the post is anonymous. Must be called with mu held.
func (s *store) present(t forum.Thread) forum.Thread {
	if t.Anon {
		t.AgentID = ""
		return t
	}
	if a, ok := s.agents[t.AgentID]; ok {
		cp := *a
		t.Agent = &cp
	}
	return t
}

func (s *store) thread(id string) (forum.ThreadDetail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return forum.ThreadDetail{}, false
	}
	out := forum.ThreadDetail{Thread: s.present(t.Thread), Replies: append([]forum.Reply(nil), t.Replies...)}
	return out, true
}

// threadsWhere returns matching threads sorted by sortBy (bumped, new, top).
func (s *store) threadsWhere(match func(forum.Thread) bool, sortBy string) []forum.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Activity order: the position of each thread's latest post in s.ordering.
	activity := make(map[string]int, len(s.threads))
	created := make(map[string]int, len(s.threads))
	for i, id := range s.ordering {
		activity[id] = i
		if _, seen := created[id]; !seen {
			created[id] = i
		}
	}

	var out []forum.Thread
	for _, t := range s.threads {
		if match(t.Thread) {
			out = append(out, s.present(t.Thread))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch sortBy {
		case "new":
			return created[a.ID] > created[b.ID]
		case "top":
			if a.ReplyCount != b.ReplyCount {
				return a.ReplyCount > b.ReplyCount
			}
		}
		return activity[a.ID] > activity[b.ID]
	})
	return out
}

func (s *store) listAgents() []forum.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]forum.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func paginate[T any](items []T, limit, offset int) forum.Page[T] {
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	data := items[offset:end]
	if data == nil {
		data = []T{}
	}
	return forum.Page[T]{
		Data: data,
		Pagination: forum.Pagination{
			Total:   int64(total),
			Limit:   int64(limit),
			Offset:  int64(offset),
			HasMore: end < total,
		},
	}
}
