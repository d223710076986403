// Package scheduler polls pending tasks, evaluates their triggers, and hands
// fired tasks to the dispatcher.
package scheduler

import (
	"fmt"
	"time"

	"investi/internal/market"
	"investi/internal/task"
)

// Action is the evaluator's verdict for one task in one cycle.
type Action int

const (
	// ActionHold leaves the task pending.
	ActionHold Action = iota
	// ActionFire hands the task to the dispatcher.
	ActionFire
	// ActionExpire retires a recurring task whose end condition was met
	// before it could fire again.
	ActionExpire
)

func (a Action) String() string {
	switch a {
	case ActionHold:
		return "hold"
	case ActionFire:
		return "fire"
	case ActionExpire:
		return "expire"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating one task against one snapshot.
type Decision struct {
	Action Action
	// Observed is the metric value a conditional fire was judged on.
	Observed *float64
	// ConditionMet is the predicate value this cycle, persisted as the
	// task's last condition state for edge detection.
	ConditionMet bool
	// MetricMiss reports that the condition's metric was unavailable.
	MetricMiss bool
	Reason     string
}

// Evaluate decides what happens to a pending task this cycle. It is pure:
// all state lives on the task, all market data in the snapshot. A failed
// snapshot arrives as one with no values, which reads as a metric miss.
func Evaluate(t task.Task, now time.Time, snap market.Snapshot) Decision {
	switch t.Kind {
	case task.KindOneTime:
		return evaluateOneTime(t, now)
	case task.KindRecurring:
		return evaluateRecurring(t, now)
	case task.KindConditional:
		return evaluateConditional(t, snap)
	default:
		return Decision{Action: ActionHold, Reason: fmt.Sprintf("unknown kind %q", t.Kind)}
	}
}

func evaluateOneTime(t task.Task, now time.Time) Decision {
	at := t.Trigger.OneTime.At
	if now.Before(at) {
		return Decision{Action: ActionHold, Reason: "not yet due"}
	}
	// A missed window still fires; one_time tasks never expire.
	return Decision{Action: ActionFire, Reason: "timestamp reached"}
}

func evaluateRecurring(t task.Task, now time.Time) Decision {
	rec := t.Trigger.Recurring
	if t.DueAt == nil {
		return Decision{Action: ActionHold, Reason: "no due time"}
	}
	due := *t.DueAt

	// End condition reached before this occurrence fires.
	if rec.EndConditionMet(due, t.Occurrences) {
		return Decision{Action: ActionExpire, Reason: "end condition met"}
	}
	if now.Before(due) {
		return Decision{Action: ActionHold, Reason: "not yet due"}
	}
	return Decision{Action: ActionFire, Reason: "occurrence due"}
}

func evaluateConditional(t task.Task, snap market.Snapshot) Decision {
	cond := t.Trigger.Conditional
	observed, ok := snap.Value(cond.Metric)
	if !ok {
		// Unavailable data is a hold, never a failure. The loop counts
		// consecutive misses toward the review flag.
		return Decision{
			Action:       ActionHold,
			ConditionMet: t.LastConditionState,
			MetricMiss:   true,
			Reason:       fmt.Sprintf("metric %s unavailable", cond.Metric),
		}
	}

	met := false
	switch cond.Operator {
	case task.OpAbove:
		met = observed > cond.Threshold
	case task.OpBelow:
		met = observed < cond.Threshold
	}

	// Edge triggered: fire only on the false -> true crossing. A predicate
	// that stays true across cycles fires once until it goes false again.
	if met && !t.LastConditionState {
		return Decision{
			Action:       ActionFire,
			Observed:     &observed,
			ConditionMet: true,
			Reason:       fmt.Sprintf("%s %s %s %v (observed %v)", t.Ticker, cond.Metric, cond.Operator, cond.Threshold, observed),
		}
	}
	return Decision{
		Action:       ActionHold,
		Observed:     &observed,
		ConditionMet: met,
		Reason:       "condition not newly met",
	}
}
