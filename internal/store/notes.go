package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	investierrors "investi/internal/errors"
	"investi/internal/note"
	"investi/internal/task"
)

const noteColumns = `id, topic, ticker, author_agent, content, linked_notes, linked_tasks, created_at`

// CreateNote inserts a note row. Notes are append-only; there is no update.
// Linked task ids also become note_links rows so NotesForTask sees notes
// attached at creation.
func (s *SQLiteStore) CreateNote(ctx context.Context, n note.Note) error {
	linkedNotes, err := json.Marshal(n.LinkedNotes)
	if err != nil {
		return fmt.Errorf("encode linked notes: %w", err)
	}
	linkedTasks, err := json.Marshal(n.LinkedTasks)
	if err != nil {
		return fmt.Errorf("encode linked tasks: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("create note", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notes (`+noteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Topic), n.Ticker, string(n.AuthorAgent), n.Content,
		string(linkedNotes), string(linkedTasks),
		encodeTime(n.CreatedAt),
	)
	if err != nil {
		return storeErr("create note", err)
	}
	for _, taskID := range n.LinkedTasks {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO note_links (note_id, task_id, created_at)
			VALUES (?, ?, ?)`,
			n.ID, taskID, encodeTime(n.CreatedAt),
		)
		if err != nil {
			return storeErr("create note", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("create note", err)
	}
	return nil
}

// GetNote returns the note with the given id, or ErrNotFound.
func (s *SQLiteStore) GetNote(ctx context.Context, id string) (note.Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return note.Note{}, investierrors.ErrNotFound
	}
	if err != nil {
		return note.Note{}, storeErr("get note", err)
	}
	return n, nil
}

// ListNotes returns notes matching the filter, newest first.
func (s *SQLiteStore) ListNotes(ctx context.Context, f note.Filter) ([]note.Note, error) {
	var (
		where []string
		args  []any
	)
	if f.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, string(f.Topic))
	}
	if f.Ticker != "" {
		where = append(where, "ticker = ?")
		args = append(args, f.Ticker)
	}
	if f.Author != "" {
		where = append(where, "author_agent = ?")
		args = append(args, string(f.Author))
	}

	query := `SELECT ` + noteColumns + ` FROM notes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryNotes(ctx, "list notes", query, args...)
}

// SearchNotesKeyword is the fallback search path: case-insensitive substring
// match on note content.
func (s *SQLiteStore) SearchNotesKeyword(ctx context.Context, query string, limit int) ([]note.Note, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	return s.queryNotes(ctx, "search notes", `
		SELECT `+noteColumns+` FROM notes
		WHERE lower(content) LIKE ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, pattern, limit)
}

// LinkNote records a note-task association. Re-linking is a no-op.
func (s *SQLiteStore) LinkNote(ctx context.Context, noteID, taskID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO note_links (note_id, task_id, created_at)
		VALUES (?, ?, ?)`,
		noteID, taskID, encodeTime(at),
	)
	if err != nil {
		return storeErr("link note", err)
	}
	return nil
}

// NotesForTask returns the notes linked to a task, newest first.
func (s *SQLiteStore) NotesForTask(ctx context.Context, taskID string) ([]note.Note, error) {
	return s.queryNotes(ctx, "notes for task", `
		SELECT n.id, n.topic, n.ticker, n.author_agent, n.content,
			n.linked_notes, n.linked_tasks, n.created_at
		FROM notes n
		JOIN note_links l ON l.note_id = n.id
		WHERE l.task_id = ?
		ORDER BY n.created_at DESC, n.id DESC`, taskID)
}

func (s *SQLiteStore) queryNotes(ctx context.Context, op, query string, args ...any) ([]note.Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []note.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func scanNote(row rowScanner) (note.Note, error) {
	var (
		n                        note.Note
		topic, author            string
		linkedNotes, linkedTasks sql.NullString
		createdAt                string
	)
	if err := row.Scan(&n.ID, &topic, &n.Ticker, &author, &n.Content,
		&linkedNotes, &linkedTasks, &createdAt); err != nil {
		return note.Note{}, err
	}
	n.Topic = note.Topic(topic)
	n.AuthorAgent = task.Role(author)
	if linkedNotes.Valid && linkedNotes.String != "" {
		if err := json.Unmarshal([]byte(linkedNotes.String), &n.LinkedNotes); err != nil {
			return note.Note{}, fmt.Errorf("decode linked notes: %w", err)
		}
	}
	if linkedTasks.Valid && linkedTasks.String != "" {
		if err := json.Unmarshal([]byte(linkedTasks.String), &n.LinkedTasks); err != nil {
			return note.Note{}, fmt.Errorf("decode linked tasks: %w", err)
		}
	}
	var err error
	if n.CreatedAt, err = decodeTime(createdAt); err != nil {
		return note.Note{}, err
	}
	return n, nil
}
