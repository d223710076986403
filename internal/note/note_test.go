package note

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"investi/internal/task"
)

type memNoteStore struct {
	mu    sync.Mutex
	notes map[string]Note
	links map[string][]string // taskID -> noteIDs
}

func newMemNoteStore() *memNoteStore {
	return &memNoteStore{notes: map[string]Note{}, links: map[string][]string{}}
}

func (m *memNoteStore) CreateNote(_ context.Context, n Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[n.ID] = n
	for _, taskID := range n.LinkedTasks {
		m.links[taskID] = append(m.links[taskID], n.ID)
	}
	return nil
}

func (m *memNoteStore) GetNote(_ context.Context, id string) (Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok {
		return Note{}, fmt.Errorf("note %s not found", id)
	}
	return n, nil
}

func (m *memNoteStore) ListNotes(_ context.Context, f Filter) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Note
	for _, n := range m.notes {
		if f.Topic != "" && n.Topic != f.Topic {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *memNoteStore) SearchNotesKeyword(_ context.Context, query string, _ int) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Note
	for _, n := range m.notes {
		if strings.Contains(strings.ToLower(n.Content), strings.ToLower(query)) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memNoteStore) LinkNote(_ context.Context, noteID, taskID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[taskID] = append(m.links[taskID], noteID)
	return nil
}

func (m *memNoteStore) NotesForTask(_ context.Context, taskID string) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Note
	for _, id := range m.links[taskID] {
		out = append(out, m.notes[id])
	}
	return out, nil
}

type stubIndex struct {
	mu      sync.Mutex
	indexed []string
	matches []Match
	fail    bool
}

func (s *stubIndex) IndexNote(_ context.Context, n Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("index offline")
	}
	s.indexed = append(s.indexed, n.ID)
	return nil
}

func (s *stubIndex) Search(context.Context, string, int) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("index offline")
	}
	return s.matches, nil
}

func TestCreateValidatesAndIndexes(t *testing.T) {
	store := newMemNoteStore()
	index := &stubIndex{}
	svc := NewService(store, index, nil)
	ctx := context.Background()

	n, err := svc.Create(ctx, Spec{Topic: TopicIdea, Ticker: "nvda", Author: task.RoleAnalyst, Content: "Margins expanding"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.ID == "" || n.Ticker != "NVDA" {
		t.Errorf("note = %+v", n)
	}
	if len(index.indexed) != 1 {
		t.Errorf("indexed %d notes, want 1", len(index.indexed))
	}

	if _, err := svc.Create(ctx, Spec{Topic: Topic("gossip"), Author: task.RoleAnalyst, Content: "text"}); err == nil {
		t.Error("unknown topic accepted")
	}
	if _, err := svc.Create(ctx, Spec{Topic: TopicIdea, Author: task.RoleAnalyst, Content: "   "}); err == nil {
		t.Error("blank content accepted")
	}
}

// Notes can reference earlier notes and tasks at creation. A task link set
// here is equivalent to a later Link call, and a dangling note reference is
// rejected.
func TestCreateWithLinks(t *testing.T) {
	store := newMemNoteStore()
	svc := NewService(store, nil, nil)
	ctx := context.Background()

	prior, err := svc.Create(ctx, Spec{Topic: TopicThesis, Ticker: "NVDA", Author: task.RoleAnalyst, Content: "Datacenter capex keeps growing"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := svc.Create(ctx, Spec{
		Topic: TopicDecision, Ticker: "NVDA", Author: task.RolePortfolioManager,
		Content:     "Trimmed the position per the thesis update",
		LinkedNotes: []string{prior.ID, prior.ID, " "},
		LinkedTasks: []string{"task-1"},
	})
	if err != nil {
		t.Fatalf("create with links: %v", err)
	}
	if len(n.LinkedNotes) != 1 || n.LinkedNotes[0] != prior.ID {
		t.Errorf("linked notes = %v, want [%s]", n.LinkedNotes, prior.ID)
	}
	if len(n.LinkedTasks) != 1 || n.LinkedTasks[0] != "task-1" {
		t.Errorf("linked tasks = %v, want [task-1]", n.LinkedTasks)
	}

	forTask, err := svc.ForTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("for task: %v", err)
	}
	if len(forTask) != 1 || forTask[0].ID != n.ID {
		t.Errorf("notes for task-1 = %+v", forTask)
	}

	if _, err := svc.Create(ctx, Spec{
		Topic: TopicIdea, Author: task.RoleAnalyst, Content: "Follow-up",
		LinkedNotes: []string{"missing-note"},
	}); err == nil {
		t.Error("dangling note reference accepted")
	}
}

// A broken index must not lose the write.
func TestCreateSurvivesIndexFailure(t *testing.T) {
	store := newMemNoteStore()
	svc := NewService(store, &stubIndex{fail: true}, nil)

	n, err := svc.Create(context.Background(), Spec{Topic: TopicMonitoring, Ticker: "AAPL", Author: task.RoleTrader, Content: "Watching support at 220"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Get(context.Background(), n.ID); err != nil {
		t.Errorf("note not persisted: %v", err)
	}
}

func TestSearchSemanticSkipsStaleHits(t *testing.T) {
	store := newMemNoteStore()
	index := &stubIndex{}
	svc := NewService(store, index, nil)
	ctx := context.Background()

	n, err := svc.Create(ctx, Spec{Topic: TopicIdea, Ticker: "NVDA", Author: task.RoleAnalyst, Content: "Datacenter demand holds up"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	index.matches = []Match{
		{NoteID: "deleted-note", Similarity: 0.9},
		{NoteID: n.ID, Similarity: 0.8},
	}

	got, err := svc.Search(ctx, "datacenter", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != n.ID {
		t.Errorf("search = %+v", got)
	}
}

func TestSearchFallsBackToKeyword(t *testing.T) {
	store := newMemNoteStore()
	svc := NewService(store, &stubIndex{fail: true}, nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, Spec{Topic: TopicIdea, Ticker: "NVDA", Author: task.RoleAnalyst, Content: "Datacenter demand holds up"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := svc.Search(ctx, "datacenter", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("keyword fallback returned %d notes, want 1", len(got))
	}
}

func TestLinkRequiresExistingNote(t *testing.T) {
	svc := NewService(newMemNoteStore(), nil, nil)
	if err := svc.Link(context.Background(), "nope", "task-1"); err == nil {
		t.Error("linked a missing note")
	}
}

func TestOpenAIEmbedderCachesByText(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer ts.Close()

	embedder, err := NewOpenAIEmbedder(EmbedderConfig{APIKey: "test-key", BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	ctx := context.Background()

	v, err := embedder.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(v) != 3 {
		t.Errorf("embedding length = %d", len(v))
	}
	if _, err := embedder.Embed(ctx, "hello"); err != nil {
		t.Fatalf("embed cached: %v", err)
	}
	if calls != 1 {
		t.Errorf("API calls = %d, want 1 (second hit cached)", calls)
	}
}

func TestOpenAIEmbedderSurfacesAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	embedder, err := NewOpenAIEmbedder(EmbedderConfig{APIKey: "bad", BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	if _, err := embedder.Embed(context.Background(), "hello"); err == nil {
		t.Error("API error swallowed")
	}
}
