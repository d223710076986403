package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	investierrors "investi/internal/errors"
	"investi/internal/logging"
)

// Filter narrows a task query. Zero-valued fields are ignored.
type Filter struct {
	IDs         []string
	Ticker      string
	Status      *Status
	Kind        *Kind
	NeedsReview *bool
	// DueBefore matches tasks whose DueAt is at or before the given time;
	// conditional tasks (no DueAt) are excluded.
	DueBefore *time.Time
	// Evaluable matches every pending task the scheduler must look at this
	// cycle: all conditionals plus time-based tasks due at or before the
	// given instant.
	Evaluable *time.Time
}

// StatusUpdate carries the fields a status transition writes alongside the
// new status. Nil fields are left untouched.
type StatusUpdate struct {
	FiredAt            *time.Time
	DueAt              *time.Time
	Occurrences        *int
	LastConditionState *bool
}

// EvalState is the per-cycle evaluator bookkeeping persisted with a task.
type EvalState struct {
	LastEvaluatedAt    time.Time
	LastConditionState bool
	MetricMisses       int
	NeedsReview        bool
}

// Store is the persistence contract the registry runs on. Implementations
// must make CompareAndSwapStatus atomic: of two concurrent swaps on one id,
// exactly one observes the expected status and wins.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, f Filter) ([]Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to Status, upd StatusUpdate) (bool, error)
	UpdateEvalState(ctx context.Context, id string, state EvalState) error
}

// ErrDuplicateConditional rejects a conditional task that matches a pending
// one on ticker, metric, operator, and threshold.
var ErrDuplicateConditional = errors.New("equivalent conditional task already pending")

// Spec describes a task to create. The trigger variant matching Kind must be
// set; everything else about the union shape is rejected with InvalidTrigger.
type Spec struct {
	Kind        Kind     `json:"kind" validate:"required"`
	OwnerAgent  Role     `json:"owner_agent" validate:"required"`
	Instruction string   `json:"instruction" validate:"required,min=3"`
	Ticker      string   `json:"ticker,omitempty"`
	LinkedNotes []string `json:"linked_note_ids,omitempty"`
	LinkedTasks []string `json:"linked_task_ids,omitempty"`

	OneTime     *OneTimeTrigger     `json:"one_time,omitempty"`
	Recurring   *RecurringTrigger   `json:"recurring,omitempty"`
	Conditional *ConditionalTrigger `json:"conditional,omitempty"`
}

// Registry owns task identity, validation, and the status state machine.
// All task mutation in the system goes through it.
type Registry struct {
	store    Store
	validate *validator.Validate
	logger   logging.Logger
	now      func() time.Time
}

// NewRegistry creates a Registry on the given store.
func NewRegistry(store Store, logger logging.Logger) *Registry {
	return &Registry{
		store:    store,
		validate: validator.New(),
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the registry clock. Test hook.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Create validates the spec, assigns an id, and persists the task as
// pending. The trigger shape must match the kind; violations surface as
// InvalidTrigger and nothing is persisted.
func (r *Registry) Create(ctx context.Context, spec Spec) (Task, error) {
	if err := r.validate.Struct(spec); err != nil {
		return Task{}, investierrors.NewInvalidTrigger("spec validation failed: %v", err)
	}

	now := r.now()
	trigger, dueAt, err := r.buildTrigger(spec, now)
	if err != nil {
		return Task{}, err
	}

	if spec.Kind == KindConditional {
		if err := r.rejectDuplicateConditional(ctx, spec); err != nil {
			return Task{}, err
		}
	}

	t := Task{
		ID:          uuid.NewString(),
		Kind:        spec.Kind,
		OwnerAgent:  spec.OwnerAgent,
		Instruction: spec.Instruction,
		Ticker:      strings.ToUpper(strings.TrimSpace(spec.Ticker)),
		Trigger:     trigger,
		Status:      StatusPending,
		LinkedNotes: spec.LinkedNotes,
		LinkedTasks: spec.LinkedTasks,
		DueAt:       dueAt,
		CreatedAt:   now,
	}

	if err := r.store.CreateTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("persist task: %w", err)
	}
	r.logger.Info("Created %s task %s (owner=%s ticker=%s)", t.Kind, t.ID, t.OwnerAgent, t.Ticker)
	return t, nil
}

// buildTrigger checks the union shape against the kind and computes the
// initial due time.
func (r *Registry) buildTrigger(spec Spec, now time.Time) (Trigger, *time.Time, error) {
	variants := 0
	if spec.OneTime != nil {
		variants++
	}
	if spec.Recurring != nil {
		variants++
	}
	if spec.Conditional != nil {
		variants++
	}
	if variants != 1 {
		return Trigger{}, nil, investierrors.NewInvalidTrigger("exactly one trigger variant required, got %d", variants)
	}

	switch spec.Kind {
	case KindOneTime:
		if spec.OneTime == nil {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("kind one_time requires a one_time trigger")
		}
		at := spec.OneTime.At.UTC()
		if !at.After(now) {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("one_time timestamp %s is not in the future", at.Format(time.RFC3339))
		}
		trig := Trigger{Kind: KindOneTime, OneTime: &OneTimeTrigger{At: at}}
		return trig, &at, nil

	case KindRecurring:
		if spec.Recurring == nil {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("kind recurring requires a recurring trigger")
		}
		rec := *spec.Recurring
		if !rec.Cadence.IsValid() {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("unsupported cadence %q", rec.Cadence)
		}
		if rec.EndDate != nil && rec.MaxOccurrences > 0 {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("end_date and max_occurrences are mutually exclusive")
		}
		if rec.MaxOccurrences < 0 {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("max_occurrences must be positive, got %d", rec.MaxOccurrences)
		}
		first, err := FirstOccurrence(&rec, now)
		if err != nil {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("%v", err)
		}
		if rec.EndDate != nil && first.After(*rec.EndDate) {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("end_date %s precedes the first occurrence", rec.EndDate.Format(time.RFC3339))
		}
		trig := Trigger{Kind: KindRecurring, Recurring: &rec}
		return trig, &first, nil

	case KindConditional:
		if spec.Conditional == nil {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("kind conditional requires a conditional trigger")
		}
		cond := *spec.Conditional
		if !cond.Metric.IsValid() {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("unsupported metric %q", cond.Metric)
		}
		if !cond.Operator.IsValid() {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("unsupported operator %q", cond.Operator)
		}
		if cond.Metric.RequiresTicker() && strings.TrimSpace(spec.Ticker) == "" {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("metric %q requires a ticker", cond.Metric)
		}
		if !cond.Metric.RequiresTicker() && strings.TrimSpace(spec.Ticker) != "" {
			return Trigger{}, nil, investierrors.NewInvalidTrigger("metric %q is account-wide and does not take a ticker", cond.Metric)
		}
		trig := Trigger{Kind: KindConditional, Conditional: &cond}
		return trig, nil, nil

	default:
		return Trigger{}, nil, investierrors.NewInvalidTrigger("unknown kind %q", spec.Kind)
	}
}

func (r *Registry) rejectDuplicateConditional(ctx context.Context, spec Spec) error {
	pending := StatusPending
	kind := KindConditional
	existing, err := r.store.ListTasks(ctx, Filter{
		Ticker: strings.ToUpper(strings.TrimSpace(spec.Ticker)),
		Status: &pending,
		Kind:   &kind,
	})
	if err != nil {
		return fmt.Errorf("duplicate check: %w", err)
	}
	for _, t := range existing {
		c := t.Trigger.Conditional
		if c == nil {
			continue
		}
		if c.Metric == spec.Conditional.Metric &&
			c.Operator == spec.Conditional.Operator &&
			c.Threshold == spec.Conditional.Threshold {
			return fmt.Errorf("%w: task %s", ErrDuplicateConditional, t.ID)
		}
	}
	return nil
}

// Get returns tasks matching the filter in stable created_at order.
func (r *Registry) Get(ctx context.Context, f Filter) ([]Task, error) {
	return r.store.ListTasks(ctx, f)
}

// GetByID returns a single task, or ErrNotFound.
func (r *Registry) GetByID(ctx context.Context, id string) (Task, error) {
	return r.store.GetTask(ctx, id)
}

// Remove deletes a task. Removing an unknown or already-removed id returns
// false, never an error.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	removed, err := r.store.DeleteTask(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		r.logger.Info("Removed task %s", id)
	}
	return removed, nil
}

// RemoveBatch removes several tasks, reporting per-id outcomes.
func (r *Registry) RemoveBatch(ctx context.Context, ids []string) (map[string]bool, error) {
	results := make(map[string]bool, len(ids))
	for _, id := range ids {
		removed, err := r.Remove(ctx, id)
		if err != nil {
			return results, err
		}
		results[id] = removed
	}
	return results, nil
}

// Transition moves a task to a new status, enforcing the state machine and
// serializing concurrent attempts: of two racing transitions only one wins,
// the other observes InvalidTransition.
func (r *Registry) Transition(ctx context.Context, id string, to Status, upd StatusUpdate) error {
	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Kind, t.Status, to) {
		return &investierrors.InvalidTransitionError{TaskID: id, From: string(t.Status), To: string(to)}
	}
	swapped, err := r.store.CompareAndSwapStatus(ctx, id, t.Status, to, upd)
	if err != nil {
		return err
	}
	if !swapped {
		// Lost the race: someone else moved the task first.
		return &investierrors.InvalidTransitionError{TaskID: id, From: string(t.Status), To: string(to)}
	}
	r.logger.Debug("Task %s: %s -> %s", id, t.Status, to)
	return nil
}

// Reschedule moves a pending task's due time without firing it, used when
// catch-up policy skips missed recurring windows. The update only lands if
// the task is still pending.
func (r *Registry) Reschedule(ctx context.Context, id string, due time.Time) error {
	swapped, err := r.store.CompareAndSwapStatus(ctx, id, StatusPending, StatusPending, StatusUpdate{DueAt: &due})
	if err != nil {
		return err
	}
	if !swapped {
		return &investierrors.InvalidTransitionError{TaskID: id, From: string(StatusPending), To: string(StatusPending)}
	}
	r.logger.Debug("Task %s rescheduled to %s", id, due.Format(time.RFC3339))
	return nil
}

// RollbackFire undoes a fired claim whose handoff failed, restoring pending
// so the next cycle retries. This is dispatch compensation, not a domain
// transition, so it applies to every kind.
func (r *Registry) RollbackFire(ctx context.Context, id string) error {
	swapped, err := r.store.CompareAndSwapStatus(ctx, id, StatusFired, StatusPending, StatusUpdate{})
	if err != nil {
		return err
	}
	if !swapped {
		return &investierrors.InvalidTransitionError{TaskID: id, From: string(StatusFired), To: string(StatusPending)}
	}
	r.logger.Warn("Task %s fire rolled back, will retry next cycle", id)
	return nil
}

// Cancel is explicit removal-by-status: pending -> cancelled. It has no
// effect on deliveries already handed off.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	return r.Transition(ctx, id, StatusCancelled, StatusUpdate{})
}

// MarkEvaluated persists evaluator bookkeeping after a cycle touches a task.
func (r *Registry) MarkEvaluated(ctx context.Context, id string, state EvalState) error {
	return r.store.UpdateEvalState(ctx, id, state)
}
