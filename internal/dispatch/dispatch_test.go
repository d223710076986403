package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	investierrors "investi/internal/errors"
	"investi/internal/store"
	"investi/internal/task"
)

var dispatchNow = time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)

// recordingInvoker captures submitted envelopes and can be made to fail.
type recordingInvoker struct {
	mu        sync.Mutex
	envelopes []Envelope
	fail      bool
}

func (i *recordingInvoker) Submit(_ context.Context, env Envelope) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fail {
		return fmt.Errorf("queue full")
	}
	i.envelopes = append(i.envelopes, env)
	return nil
}

func (i *recordingInvoker) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.envelopes)
}

// recordingNotifier captures sent messages.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Send(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

type fixture struct {
	store    *store.SQLiteStore
	registry *task.Registry
	invoker  *recordingInvoker
	notifier *recordingNotifier
}

func setup(t *testing.T, policy CatchUpPolicy) (*fixture, *Dispatcher) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "investi.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		store:    s,
		registry: task.NewRegistry(s, nil).WithClock(func() time.Time { return dispatchNow }),
		invoker:  &recordingInvoker{},
		notifier: &recordingNotifier{},
	}
	d := New(f.registry, f.invoker, f.notifier, policy, nil).
		WithClock(func() time.Time { return dispatchNow })
	return f, d
}

// seed inserts a task directly, bypassing registry validation so tests can
// place due times in the past.
func (f *fixture) seed(t *testing.T, tk task.Task) task.Task {
	t.Helper()
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = dispatchNow.Add(-time.Hour)
	}
	if tk.Status == "" {
		tk.Status = task.StatusPending
	}
	if err := f.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return tk
}

func oneTimeTask(id string, at time.Time) task.Task {
	return task.Task{
		ID: id, Kind: task.KindOneTime, OwnerAgent: task.RoleAnalyst,
		Instruction: "Review the earnings call", Ticker: "NVDA",
		Trigger: task.Trigger{Kind: task.KindOneTime, OneTime: &task.OneTimeTrigger{At: at}},
		DueAt:   &at,
	}
}

func recurringTask(id string, due time.Time, trig task.RecurringTrigger) task.Task {
	return task.Task{
		ID: id, Kind: task.KindRecurring, OwnerAgent: task.RolePortfolioManager,
		Instruction: "Morning portfolio review",
		Trigger:     task.Trigger{Kind: task.KindRecurring, Recurring: &trig},
		DueAt:       &due,
	}
}

func conditionalTask(id string) task.Task {
	return task.Task{
		ID: id, Kind: task.KindConditional, OwnerAgent: task.RoleTrader,
		Instruction: "Trim the position past the target", Ticker: "NVDA",
		Trigger: task.Trigger{Kind: task.KindConditional,
			Conditional: &task.ConditionalTrigger{Metric: task.MetricPrice, Operator: task.OpAbove, Threshold: 150}},
	}
}

func TestDispatchOneTime(t *testing.T) {
	f, d := setup(t, CatchUpSkip)
	ctx := context.Background()
	tk := f.seed(t, oneTimeTask("t1", dispatchNow.Add(-time.Minute)))

	observed := 151.0
	if err := d.Dispatch(ctx, tk, FireContext{Reason: "timestamp reached", Observed: &observed}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, err := f.registry.GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFired || got.FiredAt == nil {
		t.Errorf("after dispatch: status=%s firedAt=%v", got.Status, got.FiredAt)
	}
	if f.invoker.count() != 1 {
		t.Fatalf("invoker got %d envelopes, want 1", f.invoker.count())
	}
	env := f.invoker.envelopes[0]
	if env.TaskID != "t1" || env.OwnerAgent != task.RoleAnalyst || env.Observed == nil {
		t.Errorf("envelope = %+v", env)
	}
	if len(f.notifier.messages) != 1 {
		t.Errorf("notifier got %d messages, want 1", len(f.notifier.messages))
	}
}

func TestDispatchHandoffFailureRollsBack(t *testing.T) {
	f, d := setup(t, CatchUpSkip)
	ctx := context.Background()
	tk := f.seed(t, oneTimeTask("t1", dispatchNow.Add(-time.Minute)))

	f.invoker.fail = true
	err := d.Dispatch(ctx, tk, FireContext{Reason: "timestamp reached"})
	var deliveryErr *investierrors.DeliveryFailureError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("dispatch error = %v, want DeliveryFailure", err)
	}

	got, _ := f.registry.GetByID(ctx, "t1")
	if got.Status != task.StatusPending {
		t.Fatalf("after rollback: status = %s, want pending", got.Status)
	}

	// Next cycle retries and succeeds.
	f.invoker.fail = false
	if err := d.Dispatch(ctx, got, FireContext{Reason: "timestamp reached"}); err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
	got, _ = f.registry.GetByID(ctx, "t1")
	if got.Status != task.StatusFired {
		t.Errorf("after retry: status = %s, want fired", got.Status)
	}
}

func TestDispatchConditionalRearms(t *testing.T) {
	f, d := setup(t, CatchUpSkip)
	ctx := context.Background()
	tk := f.seed(t, conditionalTask("t1"))

	observed := 151.0
	if err := d.Dispatch(ctx, tk, FireContext{Reason: "price above 150", Observed: &observed}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := f.registry.GetByID(ctx, "t1")
	if got.Status != task.StatusPending {
		t.Errorf("status = %s, want pending (re-armed)", got.Status)
	}
	if !got.LastConditionState {
		t.Error("last condition state not armed after fire")
	}
}

func TestDispatchRecurringAdvances(t *testing.T) {
	f, d := setup(t, CatchUpSkip)
	ctx := context.Background()
	due := dispatchNow.Add(-time.Minute)
	tk := f.seed(t, recurringTask("t1", due, task.RecurringTrigger{Cadence: task.CadenceDaily, TimeOfDay: "09:29:00"}))

	if err := d.Dispatch(ctx, tk, FireContext{Reason: "occurrence due"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got, _ := f.registry.GetByID(ctx, "t1")
	if got.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Occurrences != 1 {
		t.Errorf("occurrences = %d, want 1", got.Occurrences)
	}
	if got.DueAt == nil || !got.DueAt.After(dispatchNow) {
		t.Errorf("next due = %v, want after now", got.DueAt)
	}
	wantNext := due.AddDate(0, 0, 1)
	if !got.DueAt.Equal(wantNext) {
		t.Errorf("next due = %s, want %s", got.DueAt, wantNext)
	}
}

func TestDispatchRecurringExpiresAtMaxOccurrences(t *testing.T) {
	f, d := setup(t, CatchUpSkip)
	ctx := context.Background()
	due := dispatchNow.Add(-time.Minute)
	tk := recurringTask("t1", due, task.RecurringTrigger{Cadence: task.CadenceDaily, TimeOfDay: "09:29:00", MaxOccurrences: 3})
	tk.Occurrences = 2
	tk = f.seed(t, tk)

	if err := d.Dispatch(ctx, tk, FireContext{Reason: "occurrence due"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.invoker.count() != 1 {
		t.Fatalf("third occurrence did not fire")
	}
	got, _ := f.registry.GetByID(ctx, "t1")
	if got.Status != task.StatusExpired {
		t.Errorf("status = %s, want expired after final occurrence", got.Status)
	}
	if got.Occurrences != 3 {
		t.Errorf("occurrences = %d, want 3", got.Occurrences)
	}
}

func TestDispatchRecurringMissedWindowSkips(t *testing.T) {
	f, d := setup(t, CatchUpSkip)
	ctx := context.Background()
	due := dispatchNow.AddDate(0, 0, -3)
	tk := f.seed(t, recurringTask("t1", due, task.RecurringTrigger{Cadence: task.CadenceDaily, TimeOfDay: "09:30:00"}))

	if err := d.Dispatch(ctx, tk, FireContext{Reason: "occurrence due"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.invoker.count() != 0 {
		t.Fatal("missed window fired under skip policy")
	}
	got, _ := f.registry.GetByID(ctx, "t1")
	if got.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.DueAt == nil || !got.DueAt.After(dispatchNow) {
		t.Errorf("due not advanced past now: %v", got.DueAt)
	}
	if got.Occurrences != 0 {
		t.Errorf("skip counted an occurrence: %d", got.Occurrences)
	}
}

func TestDispatchRecurringMissedWindowFiresUnderFirePolicy(t *testing.T) {
	f, d := setup(t, CatchUpFire)
	ctx := context.Background()
	due := dispatchNow.AddDate(0, 0, -3)
	tk := f.seed(t, recurringTask("t1", due, task.RecurringTrigger{Cadence: task.CadenceDaily, TimeOfDay: "09:30:00"}))

	if err := d.Dispatch(ctx, tk, FireContext{Reason: "occurrence due"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.invoker.count() != 1 {
		t.Fatal("missed window did not fire under fire policy")
	}
	got, _ := f.registry.GetByID(ctx, "t1")
	if got.DueAt == nil || !got.DueAt.After(dispatchNow) {
		t.Errorf("next due not past now: %v", got.DueAt)
	}
	if got.Occurrences != 1 {
		t.Errorf("occurrences = %d, want 1", got.Occurrences)
	}
}

func TestDispatchLostClaimIsNotAnError(t *testing.T) {
	f, d := setup(t, CatchUpSkip)
	ctx := context.Background()
	tk := oneTimeTask("t1", dispatchNow.Add(-time.Minute))
	tk.Status = task.StatusFired
	tk = f.seed(t, tk)
	// The caller evaluated a stale pending copy.
	tk.Status = task.StatusPending

	if err := d.Dispatch(ctx, tk, FireContext{Reason: "timestamp reached"}); err != nil {
		t.Fatalf("dispatch of already-claimed task: %v", err)
	}
	if f.invoker.count() != 0 {
		t.Error("already-claimed task was handed off again")
	}
}
