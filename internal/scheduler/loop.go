package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"investi/internal/dispatch"
	investierrors "investi/internal/errors"
	"investi/internal/logging"
	"investi/internal/market"
	"investi/internal/notify"
	"investi/internal/task"
	"investi/internal/telemetry"
)

const defaultReviewThreshold = 3

// LoopConfig configures the poll loop and its maintenance jobs.
type LoopConfig struct {
	// CheckInterval is the poll cadence.
	CheckInterval time.Duration
	// ReviewThreshold is how many consecutive unavailable-metric holds flag
	// a conditional task for review.
	ReviewThreshold int
	// ReviewSweepSchedule is a cron expression re-announcing flagged tasks.
	// Empty disables the sweep.
	ReviewSweepSchedule string
	// DigestSchedule is a cron expression for the pending-task digest.
	// Empty disables the digest.
	DigestSchedule string
}

// Loop polls pending tasks on a fixed cadence, evaluates them against one
// snapshot per scope, and dispatches fires. Cycles never overlap and never
// block on agent completion: dispatch is an enqueue, not an execution.
type Loop struct {
	registry   *task.Registry
	snapshots  *market.SnapshotService
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier
	metrics    *telemetry.Metrics
	config     LoopConfig
	logger     logging.Logger
	cron       *cron.Cron

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	now      func() time.Time
}

// New creates a stopped Loop. notifier and metrics may be nil.
func New(registry *task.Registry, snapshots *market.SnapshotService, dispatcher *dispatch.Dispatcher,
	notifier notify.Notifier, metrics *telemetry.Metrics, config LoopConfig, logger logging.Logger) *Loop {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.ReviewThreshold <= 0 {
		config.ReviewThreshold = defaultReviewThreshold
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &Loop{
		registry:   registry,
		snapshots:  snapshots,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    metrics,
		config:     config,
		logger:     logging.OrNop(logger),
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the loop clock. Test hook.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// Start launches the poll goroutine and the maintenance cron. The first
// cycle runs immediately.
func (l *Loop) Start(ctx context.Context) error {
	if err := l.registerMaintenance(ctx); err != nil {
		return err
	}
	l.cron.Start()

	go func() {
		defer close(l.done)
		defer l.cron.Stop()

		ticker := time.NewTicker(l.config.CheckInterval)
		defer ticker.Stop()

		l.runCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				l.logger.Info("Scheduler loop stopping: context cancelled")
				return
			case <-l.stopCh:
				l.logger.Info("Scheduler loop stopping")
				return
			case <-ticker.C:
				l.runCycle(ctx)
			}
		}
	}()
	l.logger.Info("Scheduler loop started (interval %s)", l.config.CheckInterval)
	return nil
}

// Stop signals the loop to exit. Use Done to wait for the final cycle.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Done closes after the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) registerMaintenance(ctx context.Context) error {
	if l.config.ReviewSweepSchedule != "" {
		if _, err := l.cron.AddFunc(l.config.ReviewSweepSchedule, func() { l.reviewSweep(ctx) }); err != nil {
			return fmt.Errorf("register review sweep: %w", err)
		}
	}
	if l.config.DigestSchedule != "" {
		if _, err := l.cron.AddFunc(l.config.DigestSchedule, func() { l.digest(ctx) }); err != nil {
			return fmt.Errorf("register digest: %w", err)
		}
	}
	return nil
}

// runCycle is one poll pass. A store failure skips the whole cycle: pending
// tasks stay durable and the next tick retries. Everything else is isolated
// per task.
func (l *Loop) runCycle(ctx context.Context) {
	start := l.now()

	tasks, err := l.registry.Get(ctx, task.Filter{Evaluable: &start})
	if err != nil {
		if investierrors.IsStoreUnavailable(err) {
			l.logger.Warn("Cycle skipped, store unavailable: %v", err)
		} else {
			l.logger.Error("Cycle skipped, task load failed: %v", err)
		}
		return
	}

	snapshots := l.collectSnapshots(ctx, tasks)
	for _, t := range tasks {
		l.evaluateOne(ctx, t, start, snapshots[t.Scope()])
	}

	l.metrics.RecordCycle(ctx, l.now().Sub(start), len(tasks))
	l.logger.Debug("Cycle done: %d tasks in %s", len(tasks), l.now().Sub(start).Round(time.Millisecond))
}

// collectSnapshots fetches each distinct scope once so every condition on a
// scope is judged against the same data. A failed fetch yields an empty
// snapshot, which evaluates as a metric miss.
func (l *Loop) collectSnapshots(ctx context.Context, tasks []task.Task) map[string]market.Snapshot {
	snapshots := make(map[string]market.Snapshot)
	for _, t := range tasks {
		if t.Kind != task.KindConditional {
			continue
		}
		scope := t.Scope()
		if _, seen := snapshots[scope]; seen {
			continue
		}
		snap, err := l.snapshots.Snapshot(ctx, scope)
		if err != nil {
			l.logger.Warn("Snapshot for %s unavailable this cycle: %v", scope, err)
			snap = market.Snapshot{Scope: scope}
		}
		snapshots[scope] = snap
	}
	return snapshots
}

// evaluateOne runs one task through the evaluator and acts on the decision.
// Panics and errors stay contained to the task.
func (l *Loop) evaluateOne(ctx context.Context, t task.Task, now time.Time, snap market.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic evaluating task %s: %v", t.ID, r)
		}
	}()

	decision := Evaluate(t, now, snap)
	l.metrics.RecordEvaluation(ctx, string(t.Kind), decision.Action.String())

	switch decision.Action {
	case ActionFire:
		l.fire(ctx, t, now, decision)
	case ActionExpire:
		if err := l.registry.Transition(ctx, t.ID, task.StatusExpired, task.StatusUpdate{}); err != nil {
			l.logger.Warn("Failed to expire task %s: %v", t.ID, err)
		} else {
			l.logger.Info("Task %s expired: %s", t.ID, decision.Reason)
			state := task.EvalState{LastEvaluatedAt: now, NeedsReview: t.NeedsReview}
			if err := l.registry.MarkEvaluated(ctx, t.ID, state); err != nil {
				l.logger.Warn("Failed to record evaluation of task %s: %v", t.ID, err)
			}
		}
	case ActionHold:
		l.hold(ctx, t, now, decision)
	}
}

func (l *Loop) fire(ctx context.Context, t task.Task, now time.Time, decision Decision) {
	err := l.dispatcher.Dispatch(ctx, t, dispatch.FireContext{
		Reason:   decision.Reason,
		Observed: decision.Observed,
	})
	if err != nil {
		l.metrics.RecordDispatchFailure(ctx, string(t.Kind))
		l.logger.Warn("Dispatch of task %s failed: %v", t.ID, err)
		// Leave the persisted condition state alone: the edge that fired
		// must stay observable so the retry can fire on it next cycle.
		return
	}
	// The dispatcher armed the condition state; settle the counters.
	// Non-conditional kinds only carry the evaluation time.
	state := task.EvalState{LastEvaluatedAt: now, LastConditionState: t.Kind == task.KindConditional}
	if err := l.registry.MarkEvaluated(ctx, t.ID, state); err != nil {
		l.logger.Warn("Failed to record evaluation of task %s: %v", t.ID, err)
	}
}

func (l *Loop) hold(ctx context.Context, t task.Task, now time.Time, decision Decision) {
	if t.Kind != task.KindConditional {
		state := task.EvalState{LastEvaluatedAt: now}
		if err := l.registry.MarkEvaluated(ctx, t.ID, state); err != nil {
			l.logger.Warn("Failed to record evaluation of task %s: %v", t.ID, err)
		}
		return
	}

	misses := 0
	needsReview := t.NeedsReview
	if decision.MetricMiss {
		l.metrics.RecordMetricMiss(ctx, t.Ticker)
		misses = t.MetricMisses + 1
		if misses >= l.config.ReviewThreshold && !needsReview {
			needsReview = true
			l.announceReview(ctx, t, misses)
		}
	} else {
		// Data is back; the flag clears and the counter restarts.
		needsReview = false
	}

	state := task.EvalState{
		LastEvaluatedAt:    now,
		LastConditionState: decision.ConditionMet,
		MetricMisses:       misses,
		NeedsReview:        needsReview,
	}
	if err := l.registry.MarkEvaluated(ctx, t.ID, state); err != nil {
		l.logger.Warn("Failed to record evaluation of task %s: %v", t.ID, err)
	}
}

func (l *Loop) announceReview(ctx context.Context, t task.Task, misses int) {
	cond := t.Trigger.Conditional
	msg := fmt.Sprintf("⚠️ Task needs review: %s\nMetric %s for %s unavailable %d cycles in a row. The task keeps holding and will not expire on its own.",
		t.Instruction, cond.Metric, t.Scope(), misses)
	l.logger.Warn("Task %s flagged for review after %d metric misses", t.ID, misses)
	if err := l.notifier.Send(ctx, msg); err != nil {
		l.logger.Warn("Review notification for task %s failed: %v", t.ID, err)
	}
}

// reviewSweep re-announces every flagged conditional so a quiet failure does
// not stay forgotten between fires.
func (l *Loop) reviewSweep(ctx context.Context) {
	review := true
	pending := task.StatusPending
	flagged, err := l.registry.Get(ctx, task.Filter{Status: &pending, NeedsReview: &review})
	if err != nil {
		l.logger.Warn("Review sweep skipped: %v", err)
		return
	}
	if len(flagged) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ %d task(s) awaiting review:\n", len(flagged))
	for _, t := range flagged {
		fmt.Fprintf(&b, "- %s (%s, %d misses)\n", t.Instruction, t.Scope(), t.MetricMisses)
	}
	if err := l.notifier.Send(ctx, b.String()); err != nil {
		l.logger.Warn("Review sweep notification failed: %v", err)
	}
}

// digest summarizes the pending book.
func (l *Loop) digest(ctx context.Context) {
	pending := task.StatusPending
	tasks, err := l.registry.Get(ctx, task.Filter{Status: &pending})
	if err != nil {
		l.logger.Warn("Digest skipped: %v", err)
		return
	}
	counts := map[task.Kind]int{}
	for _, t := range tasks {
		counts[t.Kind]++
	}
	msg := fmt.Sprintf("📋 Pending tasks: %d total (%d one-time, %d recurring, %d conditional)",
		len(tasks), counts[task.KindOneTime], counts[task.KindRecurring], counts[task.KindConditional])
	if err := l.notifier.Send(ctx, msg); err != nil {
		l.logger.Warn("Digest notification failed: %v", err)
	}
}
