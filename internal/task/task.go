// Package task defines the task model, trigger variants, and the status
// state machine, plus the Registry that owns all task mutation.
package task

import (
	"fmt"
	"time"
)

// Kind discriminates the trigger variant a task carries.
type Kind string

const (
	KindOneTime     Kind = "one_time"
	KindRecurring   Kind = "recurring"
	KindConditional Kind = "conditional"
)

var validKinds = map[Kind]bool{
	KindOneTime:     true,
	KindRecurring:   true,
	KindConditional: true,
}

// IsValid returns true if the kind is one of the recognized values.
func (k Kind) IsValid() bool { return validKinds[k] }

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusFired:     true,
	StatusExpired:   true,
	StatusCancelled: true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool { return validStatuses[s] }

// Role identifies an agent in the collaboration hierarchy.
type Role string

const (
	RolePortfolioManager Role = "portfolio_manager"
	RoleTrader           Role = "trader"
	RoleAnalyst          Role = "analyst"
	RoleTechnicalAnalyst Role = "technical_analyst"
)

var validRoles = map[Role]bool{
	RolePortfolioManager: true,
	RoleTrader:           true,
	RoleAnalyst:          true,
	RoleTechnicalAnalyst: true,
}

// IsValid returns true if the role is one of the recognized values.
func (r Role) IsValid() bool { return validRoles[r] }

// Metric names a market or portfolio quantity a conditional task watches.
type Metric string

const (
	MetricPrice         Metric = "price"
	MetricPositionPnl   Metric = "position_pnl_pct"
	MetricAllocation    Metric = "position_allocation_pct"
	MetricPositionValue Metric = "position_value"
	MetricCash          Metric = "cash"
	MetricPortfolio     Metric = "portfolio_value"
	MetricVolume        Metric = "volume"
)

var validMetrics = map[Metric]bool{
	MetricPrice:         true,
	MetricPositionPnl:   true,
	MetricAllocation:    true,
	MetricPositionValue: true,
	MetricCash:          true,
	MetricPortfolio:     true,
	MetricVolume:        true,
}

// IsValid returns true if the metric is one of the seven supported names.
func (m Metric) IsValid() bool { return validMetrics[m] }

// tickerScoped metrics require a symbol; the rest are account-wide.
var tickerScoped = map[Metric]bool{
	MetricPrice:         true,
	MetricPositionPnl:   true,
	MetricAllocation:    true,
	MetricPositionValue: true,
	MetricVolume:        true,
}

// RequiresTicker reports whether the metric is scoped to a symbol.
func (m Metric) RequiresTicker() bool { return tickerScoped[m] }

// Operator is the comparison direction of a conditional trigger.
type Operator string

const (
	OpAbove Operator = "above"
	OpBelow Operator = "below"
)

// IsValid returns true for the two supported operators.
func (o Operator) IsValid() bool { return o == OpAbove || o == OpBelow }

// Cadence is the repeat interval of a recurring trigger.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
	CadenceYearly  Cadence = "yearly"
)

var validCadences = map[Cadence]bool{
	CadenceDaily:   true,
	CadenceWeekly:  true,
	CadenceMonthly: true,
	CadenceYearly:  true,
}

// IsValid returns true if the cadence is one of the recognized values.
func (c Cadence) IsValid() bool { return validCadences[c] }

// OneTimeTrigger fires once at an absolute UTC timestamp.
type OneTimeTrigger struct {
	At time.Time `json:"at"`
}

// RecurringTrigger fires repeatedly at TimeOfDay on the given cadence.
type RecurringTrigger struct {
	Cadence   Cadence `json:"cadence"`
	TimeOfDay string  `json:"time_of_day"` // UTC HH:MM:SS
	// At most one end condition may be set.
	EndDate        *time.Time `json:"end_date,omitempty"`
	MaxOccurrences int        `json:"max_occurrences,omitempty"`
}

// ConditionalTrigger fires when a metric crosses a threshold, edge-triggered.
type ConditionalTrigger struct {
	Metric    Metric   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
}

// Trigger is a closed tagged union over the three trigger variants. Exactly
// the field matching Kind is non-nil; Validate enforces the shape.
type Trigger struct {
	Kind        Kind                `json:"kind"`
	OneTime     *OneTimeTrigger     `json:"one_time,omitempty"`
	Recurring   *RecurringTrigger   `json:"recurring,omitempty"`
	Conditional *ConditionalTrigger `json:"conditional,omitempty"`
}

// Task is a stored unit of deferred or conditional work.
type Task struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	OwnerAgent  Role     `json:"owner_agent"`
	Instruction string   `json:"instruction"`
	Ticker      string   `json:"ticker,omitempty"`
	Trigger     Trigger  `json:"trigger"`
	Status      Status   `json:"status"`
	LinkedNotes []string `json:"linked_note_ids,omitempty"`
	LinkedTasks []string `json:"linked_task_ids,omitempty"`

	// DueAt is the next time-based fire point: the absolute timestamp for
	// one_time tasks, the next occurrence for recurring ones, nil for
	// conditional tasks.
	DueAt *time.Time `json:"due_at,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	FiredAt         *time.Time `json:"fired_at,omitempty"`

	// Evaluator state persisted with the task. LastConditionState is the
	// previous cycle's predicate result for conditional tasks; losing it
	// across a restart would cause false re-fires on sustained conditions.
	LastConditionState bool `json:"last_condition_state,omitempty"`
	// MetricMisses counts consecutive cycles the metric was unavailable.
	MetricMisses int `json:"metric_misses,omitempty"`
	// NeedsReview flags a conditional task whose metric has been
	// unavailable for several cycles (e.g. the position was closed).
	NeedsReview bool `json:"needs_review,omitempty"`
	// Occurrences counts completed fires of a recurring task.
	Occurrences int `json:"occurrences,omitempty"`
}

// CanTransition reports whether the status edge from -> to is legal for a
// task of the given kind. Terminal states have no outgoing edges. fired is
// terminal for one_time; recurring and conditional tasks loop back to
// pending after dispatch (recurring with an advanced occurrence, conditional
// re-armed for the next threshold crossing).
func CanTransition(kind Kind, from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusFired || to == StatusExpired || to == StatusCancelled
	case StatusFired:
		switch to {
		case StatusPending:
			return kind == KindRecurring || kind == KindConditional
		case StatusExpired:
			return kind == KindRecurring
		}
	}
	return false
}

// NextOccurrence advances a recurring fire time by one cadence step.
func NextOccurrence(c Cadence, from time.Time) time.Time {
	switch c {
	case CadenceDaily:
		return from.AddDate(0, 0, 1)
	case CadenceWeekly:
		return from.AddDate(0, 0, 7)
	case CadenceMonthly:
		return from.AddDate(0, 1, 0)
	case CadenceYearly:
		return from.AddDate(1, 0, 0)
	}
	return from
}

// FirstOccurrence computes the first fire time of a recurring trigger: the
// next UTC occurrence of TimeOfDay strictly after now.
func FirstOccurrence(t *RecurringTrigger, now time.Time) (time.Time, error) {
	tod, err := time.Parse("15:04:05", t.TimeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time_of_day %q: %w", t.TimeOfDay, err)
	}
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), now.Day(),
		tod.Hour(), tod.Minute(), tod.Second(), 0, time.UTC)
	if !first.After(now) {
		first = first.AddDate(0, 0, 1)
	}
	return first, nil
}

// EndConditionMet reports whether a recurring trigger has run its course
// given the next occurrence time and the number of completed fires.
func (t *RecurringTrigger) EndConditionMet(next time.Time, occurrences int) bool {
	if t.MaxOccurrences > 0 && occurrences >= t.MaxOccurrences {
		return true
	}
	if t.EndDate != nil && next.After(*t.EndDate) {
		return true
	}
	return false
}

// Scope returns the snapshot scope key for the task: its ticker when set,
// otherwise the account-wide scope.
func (t *Task) Scope() string {
	if t.Ticker != "" {
		return t.Ticker
	}
	return "account"
}
