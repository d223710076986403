// Package dispatch hands fired tasks to their owner agents with at-most-once
// delivery semantics.
package dispatch

import (
	"context"
	"fmt"
	"time"

	investierrors "investi/internal/errors"
	"investi/internal/logging"
	"investi/internal/notify"
	"investi/internal/task"
)

// CatchUpPolicy decides what happens to a recurring task whose window was
// missed by more than a full cadence step (downtime, long outage).
type CatchUpPolicy string

const (
	// CatchUpSkip advances the schedule past now without firing.
	CatchUpSkip CatchUpPolicy = "skip"
	// CatchUpFire fires once immediately, then resumes the schedule.
	CatchUpFire CatchUpPolicy = "fire"
)

// Envelope is the delivery handed to an agent when a task fires.
type Envelope struct {
	TaskID      string    `json:"task_id"`
	Kind        task.Kind `json:"kind"`
	OwnerAgent  task.Role `json:"owner_agent"`
	Instruction string    `json:"instruction"`
	Ticker      string    `json:"ticker,omitempty"`
	Reason      string    `json:"reason"`
	Observed    *float64  `json:"observed,omitempty"`
	FiredAt     time.Time `json:"fired_at"`
	LinkedNotes []string  `json:"linked_note_ids,omitempty"`
}

// Invoker accepts a delivery for asynchronous execution. Submit must return
// promptly: acceptance means the envelope is queued, not completed.
type Invoker interface {
	Submit(ctx context.Context, env Envelope) error
}

// FireContext carries what the evaluator observed when it decided to fire.
type FireContext struct {
	Reason   string
	Observed *float64
}

// Dispatcher claims fired tasks and hands them to the invoker. The claim is
// a compare-and-swap on status, so a task fires at most once no matter how
// many loops or replicas evaluate it.
type Dispatcher struct {
	registry *task.Registry
	invoker  Invoker
	notifier notify.Notifier
	catchUp  CatchUpPolicy
	logger   logging.Logger
	now      func() time.Time
}

// New creates a Dispatcher. notifier may be nil.
func New(registry *task.Registry, invoker Invoker, notifier notify.Notifier, catchUp CatchUpPolicy, logger logging.Logger) *Dispatcher {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if catchUp != CatchUpFire {
		catchUp = CatchUpSkip
	}
	return &Dispatcher{
		registry: registry,
		invoker:  invoker,
		notifier: notifier,
		catchUp:  catchUp,
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the dispatcher clock. Test hook.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch fires one task. Losing the claim race is not an error; a failed
// handoff rolls the claim back and surfaces as DeliveryFailure so the next
// cycle retries.
func (d *Dispatcher) Dispatch(ctx context.Context, t task.Task, fire FireContext) error {
	now := d.now()

	if t.Kind == task.KindRecurring && d.catchUp == CatchUpSkip {
		if skipped, err := d.skipMissedWindow(ctx, t, now); err != nil || skipped {
			return err
		}
	}

	// Claim: pending -> fired. Exactly one dispatcher wins.
	if err := d.registry.Transition(ctx, t.ID, task.StatusFired, task.StatusUpdate{FiredAt: &now}); err != nil {
		if investierrors.IsInvalidTransition(err) {
			d.logger.Debug("Task %s already claimed, skipping", t.ID)
			return nil
		}
		return err
	}

	env := Envelope{
		TaskID:      t.ID,
		Kind:        t.Kind,
		OwnerAgent:  t.OwnerAgent,
		Instruction: t.Instruction,
		Ticker:      t.Ticker,
		Reason:      fire.Reason,
		Observed:    fire.Observed,
		FiredAt:     now,
		LinkedNotes: t.LinkedNotes,
	}
	if err := d.invoker.Submit(ctx, env); err != nil {
		rbErr := d.settle(ctx, func(ctx context.Context) error {
			return d.registry.RollbackFire(ctx, t.ID)
		})
		if rbErr != nil {
			d.logger.Error("Rollback of task %s failed after handoff error: %v", t.ID, rbErr)
		}
		return &investierrors.DeliveryFailureError{TaskID: t.ID, Err: err}
	}
	d.logger.Info("Dispatched task %s to %s: %s", t.ID, t.OwnerAgent, fire.Reason)

	d.announce(ctx, t, fire)

	return d.afterFire(ctx, t, now)
}

// skipMissedWindow advances a recurring task whose due time is more than one
// cadence step stale. Reports true when the fire was skipped.
func (d *Dispatcher) skipMissedWindow(ctx context.Context, t task.Task, now time.Time) (bool, error) {
	rec := t.Trigger.Recurring
	if t.DueAt == nil {
		return false, nil
	}
	next := task.NextOccurrence(rec.Cadence, *t.DueAt)
	if next.After(now) {
		return false, nil
	}
	for !next.After(now) {
		next = task.NextOccurrence(rec.Cadence, next)
	}
	if rec.EndConditionMet(next, t.Occurrences) {
		err := d.registry.Transition(ctx, t.ID, task.StatusExpired, task.StatusUpdate{})
		return true, err
	}
	d.logger.Info("Task %s missed its window, advancing to %s without firing", t.ID, next.Format(time.RFC3339))
	return true, d.registry.Reschedule(ctx, t.ID, next)
}

// settle retries a post-claim status write through transient store errors.
// Failing here would strand the task in fired, so it is worth a few quick
// attempts before giving up to the next cycle's operator-visible error.
func (d *Dispatcher) settle(ctx context.Context, fn func(ctx context.Context) error) error {
	cfg := investierrors.RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.25,
	}
	return investierrors.RetryWithLog(ctx, cfg, fn, d.logger)
}

// afterFire settles the post-dispatch status for the kind: one_time stays
// fired, conditional re-arms with the condition marked true, recurring
// advances or expires.
func (d *Dispatcher) afterFire(ctx context.Context, t task.Task, firedAt time.Time) error {
	switch t.Kind {
	case task.KindOneTime:
		return nil

	case task.KindConditional:
		armed := true
		return d.settle(ctx, func(ctx context.Context) error {
			return d.registry.Transition(ctx, t.ID, task.StatusPending, task.StatusUpdate{LastConditionState: &armed})
		})

	case task.KindRecurring:
		rec := t.Trigger.Recurring
		occ := t.Occurrences + 1
		next := firedAt
		if t.DueAt != nil {
			next = *t.DueAt
		}
		next = task.NextOccurrence(rec.Cadence, next)
		for !next.After(firedAt) {
			next = task.NextOccurrence(rec.Cadence, next)
		}
		if rec.EndConditionMet(next, occ) {
			return d.settle(ctx, func(ctx context.Context) error {
				return d.registry.Transition(ctx, t.ID, task.StatusExpired, task.StatusUpdate{Occurrences: &occ})
			})
		}
		return d.settle(ctx, func(ctx context.Context) error {
			return d.registry.Transition(ctx, t.ID, task.StatusPending, task.StatusUpdate{DueAt: &next, Occurrences: &occ})
		})
	}
	return nil
}

func (d *Dispatcher) announce(ctx context.Context, t task.Task, fire FireContext) {
	msg := fmt.Sprintf("🔔 Task fired: %s\nAgent: %s\nWhy: %s", t.Instruction, t.OwnerAgent, fire.Reason)
	if err := d.notifier.Send(ctx, msg); err != nil {
		d.logger.Warn("Fire notification for task %s failed: %v", t.ID, err)
	}
}
