// Package market supplies metric snapshots to the condition evaluator.
package market

import (
	"context"
	"time"

	"investi/internal/task"
)

// AccountScope is the snapshot scope for account-wide metrics.
const AccountScope = "account"

// Provider is the upstream source of metric values. Implementations wrap a
// market data feed and the portfolio ledger.
type Provider interface {
	// TickerMetrics returns every ticker-scoped metric for one symbol.
	TickerMetrics(ctx context.Context, ticker string) (map[task.Metric]float64, error)
	// AccountMetrics returns the account-wide metrics.
	AccountMetrics(ctx context.Context) (map[task.Metric]float64, error)
}

// Snapshot is one consistent read of a scope's metrics. All conditions on
// the same scope within a cycle are judged against the same snapshot.
type Snapshot struct {
	Scope   string
	TakenAt time.Time
	Values  map[task.Metric]float64
}

// Value returns a metric from the snapshot, reporting whether it is present.
func (s Snapshot) Value(m task.Metric) (float64, bool) {
	v, ok := s.Values[m]
	return v, ok
}
