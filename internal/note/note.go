// Package note is the append-only research notebook shared by the agents.
// Notes are never edited or deleted; corrections are new notes.
package note

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"investi/internal/logging"
	"investi/internal/task"
)

// Topic classifies a note. The set is closed; free-form topics are rejected
// so retrieval stays predictable.
type Topic string

const (
	TopicIdea       Topic = "IDEA"
	TopicResearch   Topic = "RESEARCH"
	TopicThesis     Topic = "THESIS"
	TopicDecision   Topic = "DECISION"
	TopicMonitoring Topic = "MONITORING"
	TopicPortfolio  Topic = "PORTFOLIO"
	TopicTechnical  Topic = "TECHNICAL"
	TopicMacro      Topic = "MACRO"
	TopicLearning   Topic = "LEARNING"
	TopicPlanning   Topic = "PLANNING"
)

var validTopics = map[Topic]bool{
	TopicIdea: true, TopicResearch: true, TopicThesis: true, TopicDecision: true,
	TopicMonitoring: true, TopicPortfolio: true, TopicTechnical: true,
	TopicMacro: true, TopicLearning: true, TopicPlanning: true,
}

func (t Topic) IsValid() bool { return validTopics[t] }

// Topics returns the closed topic set.
func Topics() []Topic {
	return []Topic{
		TopicIdea, TopicResearch, TopicThesis, TopicDecision, TopicMonitoring,
		TopicPortfolio, TopicTechnical, TopicMacro, TopicLearning, TopicPlanning,
	}
}

// Note is one immutable notebook entry. Links are set at creation and
// through Link; a note never loses a link.
type Note struct {
	ID          string    `json:"id"`
	Topic       Topic     `json:"topic"`
	Ticker      string    `json:"ticker,omitempty"`
	AuthorAgent task.Role `json:"author_agent"`
	Content     string    `json:"content"`
	LinkedNotes []string  `json:"linked_note_ids,omitempty"`
	LinkedTasks []string  `json:"linked_task_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Spec is the creation request for a note.
type Spec struct {
	Topic       Topic
	Ticker      string
	Author      task.Role
	Content     string
	LinkedNotes []string
	LinkedTasks []string
}

// Filter narrows a note listing. Zero-valued fields are ignored.
type Filter struct {
	Topic  Topic
	Ticker string
	Author task.Role
	Limit  int
}

// Store is the persistence contract for notes and note-task links.
type Store interface {
	CreateNote(ctx context.Context, n Note) error
	GetNote(ctx context.Context, id string) (Note, error)
	ListNotes(ctx context.Context, f Filter) ([]Note, error)
	SearchNotesKeyword(ctx context.Context, query string, limit int) ([]Note, error)
	LinkNote(ctx context.Context, noteID, taskID string, at time.Time) error
	NotesForTask(ctx context.Context, taskID string) ([]Note, error)
}

// Index is the optional semantic search backend for notes.
type Index interface {
	IndexNote(ctx context.Context, n Note) error
	Search(ctx context.Context, query string, topK int) ([]Match, error)
}

// Match is one semantic search hit.
type Match struct {
	NoteID     string
	Content    string
	Similarity float32
	Metadata   map[string]string
}

// Service owns note identity and validation. A nil index degrades Search to
// keyword matching against the store.
type Service struct {
	store  Store
	index  Index
	logger logging.Logger
	now    func() time.Time
}

// NewService creates a note service. index may be nil.
func NewService(store Store, index Index, logger logging.Logger) *Service {
	return &Service{
		store:  store,
		index:  index,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates and persists a new note, then indexes it. Linked notes
// must already exist; linked tasks become note_links rows alongside the
// insert. An index failure is logged but does not fail the write; the note
// is durable either way and keyword search still finds it.
func (s *Service) Create(ctx context.Context, spec Spec) (Note, error) {
	if !spec.Topic.IsValid() {
		return Note{}, fmt.Errorf("unknown topic %q", spec.Topic)
	}
	if strings.TrimSpace(spec.Content) == "" {
		return Note{}, fmt.Errorf("note content is empty")
	}
	linkedNotes := cleanIDs(spec.LinkedNotes)
	for _, id := range linkedNotes {
		if _, err := s.store.GetNote(ctx, id); err != nil {
			return Note{}, fmt.Errorf("linked note %s: %w", id, err)
		}
	}
	n := Note{
		ID:          ksuid.New().String(),
		Topic:       spec.Topic,
		Ticker:      strings.ToUpper(strings.TrimSpace(spec.Ticker)),
		AuthorAgent: spec.Author,
		Content:     spec.Content,
		LinkedNotes: linkedNotes,
		LinkedTasks: cleanIDs(spec.LinkedTasks),
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateNote(ctx, n); err != nil {
		return Note{}, fmt.Errorf("persist note: %w", err)
	}
	if s.index != nil {
		if err := s.index.IndexNote(ctx, n); err != nil {
			s.logger.Warn("Failed to index note %s: %v", n.ID, err)
		}
	}
	s.logger.Debug("Created %s note %s by %s", n.Topic, n.ID, n.AuthorAgent)
	return n, nil
}

// Get returns one note by id.
func (s *Service) Get(ctx context.Context, id string) (Note, error) {
	return s.store.GetNote(ctx, id)
}

// List returns notes matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Note, error) {
	if f.Topic != "" && !f.Topic.IsValid() {
		return nil, fmt.Errorf("unknown topic %q", f.Topic)
	}
	return s.store.ListNotes(ctx, f)
}

// Search finds notes relevant to the query: semantic when an index is
// wired, keyword otherwise.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]Note, error) {
	if topK <= 0 {
		topK = 5
	}
	if s.index == nil {
		return s.store.SearchNotesKeyword(ctx, query, topK)
	}
	matches, err := s.index.Search(ctx, query, topK)
	if err != nil {
		s.logger.Warn("Semantic search failed, falling back to keyword: %v", err)
		return s.store.SearchNotesKeyword(ctx, query, topK)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.NoteID)
	}
	return s.resolve(ctx, ids)
}

func (s *Service) resolve(ctx context.Context, ids []string) ([]Note, error) {
	notes := make([]Note, 0, len(ids))
	for _, id := range ids {
		n, err := s.store.GetNote(ctx, id)
		if err != nil {
			// Index can lag behind the store; skip stale hits.
			s.logger.Debug("Search hit %s not in store: %v", id, err)
			continue
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// Link attaches a note to a task. Linking twice is a no-op.
func (s *Service) Link(ctx context.Context, noteID, taskID string) error {
	if _, err := s.store.GetNote(ctx, noteID); err != nil {
		return fmt.Errorf("link note: %w", err)
	}
	return s.store.LinkNote(ctx, noteID, taskID, s.now())
}

// ForTask returns the notes linked to a task, newest first.
func (s *Service) ForTask(ctx context.Context, taskID string) ([]Note, error) {
	return s.store.NotesForTask(ctx, taskID)
}

// cleanIDs trims, drops empties and deduplicates while keeping order.
func cleanIDs(ids []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
