package note

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
)

// Embedder turns note text into a vector. Implementations typically call an
// embedding API.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const collectionName = "notes"

// chromemIndex implements Index on a chromem-go collection persisted next to
// the SQLite store.
type chromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemIndex opens (or creates) a persistent vector index under dir.
// An empty dir keeps the index in memory.
func NewChromemIndex(dir string, embedder Embedder) (Index, error) {
	var (
		db  *chromem.DB
		err error
	)
	if dir != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(dir, "notes.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open note index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("open note collection: %w", err)
	}
	return &chromemIndex{db: db, collection: collection}, nil
}

func (i *chromemIndex) IndexNote(ctx context.Context, n Note) error {
	doc := chromem.Document{
		ID:      n.ID,
		Content: n.Content,
		Metadata: map[string]string{
			"topic":  string(n.Topic),
			"ticker": n.Ticker,
			"author": string(n.AuthorAgent),
		},
	}
	if err := i.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index note %s: %w", n.ID, err)
	}
	return nil
}

func (i *chromemIndex) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	// chromem errors when asked for more results than documents exist.
	if count := i.collection.Count(); count == 0 {
		return nil, nil
	} else if topK > count {
		topK = count
	}

	results, err := i.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query note index: %w", err)
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			NoteID:     r.ID,
			Content:    r.Content,
			Similarity: r.Similarity,
			Metadata:   r.Metadata,
		})
	}
	return matches, nil
}
