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
	"investi/internal/task"
)

const taskColumns = `id, kind, owner_agent, instruction, ticker, trigger, status,
	linked_notes, linked_tasks, due_at, created_at, last_evaluated_at, fired_at,
	last_condition_state, metric_misses, needs_review, occurrences`

// CreateTask inserts a new task row.
func (s *SQLiteStore) CreateTask(ctx context.Context, t task.Task) error {
	trigger, err := json.Marshal(t.Trigger)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	linkedNotes, err := json.Marshal(t.LinkedNotes)
	if err != nil {
		return fmt.Errorf("encode linked notes: %w", err)
	}
	linkedTasks, err := json.Marshal(t.LinkedTasks)
	if err != nil {
		return fmt.Errorf("encode linked tasks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), string(t.OwnerAgent), t.Instruction, t.Ticker,
		string(trigger), string(t.Status), string(linkedNotes), string(linkedTasks),
		timeOrNull(t.DueAt), encodeTime(t.CreatedAt),
		timeOrNull(t.LastEvaluatedAt), timeOrNull(t.FiredAt),
		boolToInt(t.LastConditionState), t.MetricMisses, boolToInt(t.NeedsReview),
		t.Occurrences,
	)
	if err != nil {
		return storeErr("create task", err)
	}
	return nil
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, investierrors.ErrNotFound
	}
	if err != nil {
		return task.Task{}, storeErr("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter in created_at order.
func (s *SQLiteStore) ListTasks(ctx context.Context, f task.Filter) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.Ticker != "" {
		where = append(where, "ticker = ?")
		args = append(args, f.Ticker)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, string(*f.Kind))
	}
	if f.NeedsReview != nil {
		where = append(where, "needs_review = ?")
		args = append(args, boolToInt(*f.NeedsReview))
	}
	if f.DueBefore != nil {
		where = append(where, "due_at IS NOT NULL AND due_at <= ?")
		args = append(args, encodeTime(*f.DueBefore))
	}
	if f.Evaluable != nil {
		where = append(where, "status = 'pending' AND (kind = 'conditional' OR (due_at IS NOT NULL AND due_at <= ?))")
		args = append(args, encodeTime(*f.Evaluable))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tasks", err)
	}
	return out, nil
}

// DeleteTask removes a task row. Deleting an absent id is not an error.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, storeErr("delete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete task", err)
	}
	return n > 0, nil
}

// CompareAndSwapStatus atomically moves a task from one status to another.
// The WHERE clause on the current status makes concurrent swaps on the same
// row race safely: exactly one update matches.
func (s *SQLiteStore) CompareAndSwapStatus(ctx context.Context, id string, from, to task.Status, upd task.StatusUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			fired_at = COALESCE(?, fired_at),
			due_at = COALESCE(?, due_at),
			occurrences = COALESCE(?, occurrences),
			last_condition_state = COALESCE(?, last_condition_state)
		WHERE id = ? AND status = ?`,
		string(to),
		timeOrNull(upd.FiredAt),
		timeOrNull(upd.DueAt),
		intOrNull(upd.Occurrences),
		boolOrNull(upd.LastConditionState),
		id, string(from),
	)
	if err != nil {
		return false, storeErr("swap task status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("swap task status", err)
	}
	return n > 0, nil
}

// UpdateEvalState persists evaluator bookkeeping for a task.
func (s *SQLiteStore) UpdateEvalState(ctx context.Context, id string, state task.EvalState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			last_evaluated_at = ?,
			last_condition_state = ?,
			metric_misses = ?,
			needs_review = ?
		WHERE id = ?`,
		encodeTime(state.LastEvaluatedAt),
		boolToInt(state.LastConditionState),
		state.MetricMisses,
		boolToInt(state.NeedsReview),
		id,
	)
	if err != nil {
		return storeErr("update eval state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update eval state", err)
	}
	if n == 0 {
		return investierrors.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var (
		t                            task.Task
		kind, owner, status, trigger string
		linkedNotes, linkedTasks     sql.NullString
		dueAt, evaluatedAt, firedAt  sql.NullString
		createdAt                    string
		condState, needsReview       int
	)
	err := row.Scan(&t.ID, &kind, &owner, &t.Instruction, &t.Ticker, &trigger,
		&status, &linkedNotes, &linkedTasks, &dueAt, &createdAt, &evaluatedAt,
		&firedAt, &condState, &t.MetricMisses, &needsReview, &t.Occurrences)
	if err != nil {
		return task.Task{}, err
	}

	t.Kind = task.Kind(kind)
	t.OwnerAgent = task.Role(owner)
	t.Status = task.Status(status)
	t.LastConditionState = condState != 0
	t.NeedsReview = needsReview != 0

	if err := json.Unmarshal([]byte(trigger), &t.Trigger); err != nil {
		return task.Task{}, fmt.Errorf("decode trigger for %s: %w", t.ID, err)
	}
	if linkedNotes.Valid && linkedNotes.String != "" {
		if err := json.Unmarshal([]byte(linkedNotes.String), &t.LinkedNotes); err != nil {
			return task.Task{}, fmt.Errorf("decode linked notes for %s: %w", t.ID, err)
		}
	}
	if linkedTasks.Valid && linkedTasks.String != "" {
		if err := json.Unmarshal([]byte(linkedTasks.String), &t.LinkedTasks); err != nil {
			return task.Task{}, fmt.Errorf("decode linked tasks for %s: %w", t.ID, err)
		}
	}

	if t.CreatedAt, err = decodeTime(createdAt); err != nil {
		return task.Task{}, err
	}
	if t.DueAt, err = decodeNullTime(dueAt); err != nil {
		return task.Task{}, err
	}
	if t.LastEvaluatedAt, err = decodeNullTime(evaluatedAt); err != nil {
		return task.Task{}, err
	}
	if t.FiredAt, err = decodeNullTime(firedAt); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func storeErr(op string, err error) error {
	return &investierrors.StoreUnavailableError{Op: op, Err: err}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// timeLayout is fixed-width so stored timestamps compare lexicographically
// in SQL the same way they compare chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func decodeNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timeOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func intOrNull(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func boolOrNull(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
