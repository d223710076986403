package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"investi/internal/agent"
	"investi/internal/market"
	"investi/internal/note"
	"investi/internal/store"
	"investi/internal/task"
)

var serverNow = time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)

type fixture struct {
	server *Server
	pool   *agent.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "investi.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	registry := task.NewRegistry(s, nil).WithClock(func() time.Time { return serverNow })
	notes := note.NewService(s, nil, nil)

	snapshots, err := market.NewSnapshotService(
		market.NewSimProvider(1, map[string]float64{"NVDA": 150}, nil, 10_000),
		market.ServiceConfig{}, nil)
	if err != nil {
		t.Fatalf("snapshot service: %v", err)
	}

	pool := agent.NewPool(agent.PoolConfig{Workers: 1, QueueSize: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	router := agent.NewRouter(pool, nil)
	router.Register(task.RolePortfolioManager, agent.NewNoteTakingHandler(task.RolePortfolioManager, notes, nil))

	gate := agent.NewGate(agent.NewKeywordClassifier(), agent.GateConfig{Enabled: true}, nil)

	srv := New(registry, notes, snapshots, gate, router, nil, DefaultConfig(), nil)
	return &fixture{server: srv, pool: pool}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, w.Body.String())
	}
	var out T
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return out
}

func conditionalSpec(instruction, ticker string, threshold float64) map[string]any {
	return map[string]any{
		"kind":        "conditional",
		"owner_agent": "trader",
		"instruction": instruction,
		"ticker":      ticker,
		"conditional": map[string]any{
			"metric":    "price",
			"operator":  "above",
			"threshold": threshold,
		},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := decodeData[map[string]any](t, w)
	if data["status"] != "ok" {
		t.Errorf("status field = %v", data["status"])
	}
	if data["market_breaker"] != "closed" {
		t.Errorf("market_breaker = %v", data["market_breaker"])
	}
}

func TestCreateAndGetTask(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/tasks", conditionalSpec("Sell NVDA above 180", "NVDA", 180))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body.String())
	}
	created := decodeData[task.Task](t, w)
	if created.ID == "" || created.Status != task.StatusPending {
		t.Fatalf("created = %+v", created)
	}

	w = f.do(t, http.MethodGet, "/api/tasks/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	got := decodeData[task.Task](t, w)
	if got.Instruction != "Sell NVDA above 180" {
		t.Errorf("instruction = %q", got.Instruction)
	}

	w = f.do(t, http.MethodGet, "/api/tasks/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d", w.Code)
	}
}

func TestCreateTaskRejectsBadTrigger(t *testing.T) {
	f := newFixture(t)

	spec := conditionalSpec("Check the price", "NVDA", 180)
	spec["conditional"].(map[string]any)["operator"] = "near"
	w := f.do(t, http.MethodPost, "/api/tasks", spec)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad operator status = %d body = %s", w.Code, w.Body.String())
	}

	// Past one_time target.
	w = f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"kind":        "one_time",
		"owner_agent": "trader",
		"instruction": "Too late",
		"one_time":    map[string]any{"at": serverNow.Add(-time.Hour)},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("past one_time status = %d", w.Code)
	}
}

func TestCreateTaskRejectsDuplicateConditional(t *testing.T) {
	f := newFixture(t)

	spec := conditionalSpec("Sell NVDA above 180", "NVDA", 180)
	if w := f.do(t, http.MethodPost, "/api/tasks", spec); w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", w.Code)
	}
	w := f.do(t, http.MethodPost, "/api/tasks", conditionalSpec("Same threshold again", "NVDA", 180))
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestListTasksFilters(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/tasks", conditionalSpec("Sell NVDA above 180", "NVDA", 180))
	f.do(t, http.MethodPost, "/api/tasks", conditionalSpec("Trim AAPL above 250", "AAPL", 250))

	w := f.do(t, http.MethodGet, "/api/tasks?ticker=NVDA", nil)
	tasks := decodeData[[]task.Task](t, w)
	if len(tasks) != 1 || tasks[0].Ticker != "NVDA" {
		t.Errorf("ticker filter returned %+v", tasks)
	}

	w = f.do(t, http.MethodGet, "/api/tasks?status=pending", nil)
	if got := len(decodeData[[]task.Task](t, w)); got != 2 {
		t.Errorf("pending count = %d", got)
	}

	if w := f.do(t, http.MethodGet, "/api/tasks?needs_review=maybe", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad needs_review status = %d", w.Code)
	}
}

func TestDeleteTaskIdempotent(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/tasks", conditionalSpec("Sell NVDA above 180", "NVDA", 180))
	created := decodeData[task.Task](t, w)

	w = f.do(t, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	if data := decodeData[map[string]bool](t, w); !data["removed"] {
		t.Error("first delete removed = false")
	}
	w = f.do(t, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second delete status = %d", w.Code)
	}
	if data := decodeData[map[string]bool](t, w); data["removed"] {
		t.Error("second delete removed = true")
	}
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/tasks", conditionalSpec("Sell NVDA above 180", "NVDA", 180))
	created := decodeData[task.Task](t, w)

	if w := f.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/cancel", nil); w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
	// A second cancel is an illegal transition.
	if w := f.do(t, http.MethodPost, "/api/tasks/"+created.ID+"/cancel", nil); w.Code != http.StatusConflict {
		t.Errorf("re-cancel status = %d", w.Code)
	}
}

func TestNotesEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/notes", map[string]any{
		"topic":        "IDEA",
		"ticker":       "nvda",
		"author_agent": "analyst",
		"content":      "Margins expanding on datacenter demand",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create note status = %d body = %s", w.Code, w.Body.String())
	}
	created := decodeData[note.Note](t, w)
	if created.Ticker != "NVDA" {
		t.Errorf("ticker not normalized: %q", created.Ticker)
	}

	if w := f.do(t, http.MethodPost, "/api/notes", map[string]any{
		"topic": "gossip", "author_agent": "analyst", "content": "x y z",
	}); w.Code != http.StatusBadRequest {
		t.Errorf("bad topic status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/notes?topic=IDEA", nil)
	if got := len(decodeData[[]note.Note](t, w)); got != 1 {
		t.Errorf("list count = %d", got)
	}

	w = f.do(t, http.MethodGet, "/api/notes/search?q=datacenter", nil)
	if got := decodeData[[]note.Note](t, w); len(got) != 1 || got[0].ID != created.ID {
		t.Errorf("search returned %+v", got)
	}

	tw := f.do(t, http.MethodPost, "/api/tasks", conditionalSpec("Sell NVDA above 180", "NVDA", 180))
	createdTask := decodeData[task.Task](t, tw)
	if w := f.do(t, http.MethodPost, "/api/notes/"+created.ID+"/links",
		map[string]any{"task_id": createdTask.ID}); w.Code != http.StatusOK {
		t.Fatalf("link status = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%s/notes", createdTask.ID), nil)
	if got := len(decodeData[[]note.Note](t, w)); got != 1 {
		t.Errorf("task notes count = %d", got)
	}

	// A note can carry its links from birth.
	w = f.do(t, http.MethodPost, "/api/notes", map[string]any{
		"topic":           "DECISION",
		"ticker":          "NVDA",
		"author_agent":    "portfolio_manager",
		"content":         "Raised the exit target per the earlier idea",
		"linked_note_ids": []string{created.ID},
		"linked_task_ids": []string{createdTask.ID},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create linked note status = %d body = %s", w.Code, w.Body.String())
	}
	follow := decodeData[note.Note](t, w)
	if len(follow.LinkedNotes) != 1 || follow.LinkedNotes[0] != created.ID {
		t.Errorf("linked notes = %v, want [%s]", follow.LinkedNotes, created.ID)
	}
	if len(follow.LinkedTasks) != 1 || follow.LinkedTasks[0] != createdTask.ID {
		t.Errorf("linked tasks = %v, want [%s]", follow.LinkedTasks, createdTask.ID)
	}
	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%s/notes", createdTask.ID), nil)
	if got := len(decodeData[[]note.Note](t, w)); got != 2 {
		t.Errorf("task notes count after linked create = %d, want 2", got)
	}
}

func TestMessageGate(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/messages", map[string]any{
		"text": "What is your favorite banana bread recipe?",
		"from": "user",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("rejected message status = %d", w.Code)
	}
	resp := decodeData[messageResponse](t, w)
	if resp.Admitted {
		t.Error("off-topic message admitted")
	}
	if resp.Reason == "" {
		t.Error("rejection carries no reasoning")
	}

	w = f.do(t, http.MethodPost, "/api/messages", map[string]any{
		"text": "Should we trim the NVDA position before earnings?",
		"from": "user",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("relevant message status = %d body = %s", w.Code, w.Body.String())
	}
	if resp := decodeData[messageResponse](t, w); !resp.Admitted {
		t.Error("relevant message rejected")
	}

	if w := f.do(t, http.MethodPost, "/api/messages", map[string]any{"from": "user"}); w.Code != http.StatusBadRequest {
		t.Errorf("empty text status = %d", w.Code)
	}
}
