package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"investi/internal/task"
)

// Position is one holding in the simulated book.
type Position struct {
	Shares    float64
	CostBasis float64 // per-share
}

// SimProvider is an in-process Provider backed by a seeded random walk and a
// static position book. It exists so the engine runs end to end without any
// market data credentials; swap in a real feed adapter for live use.
type SimProvider struct {
	mu        sync.Mutex
	rng       *rand.Rand
	prices    map[string]float64
	positions map[string]Position
	cash      float64
	drift     float64
}

// NewSimProvider seeds the walk. prices maps ticker to starting price.
func NewSimProvider(seed int64, prices map[string]float64, positions map[string]Position, cash float64) *SimProvider {
	p := make(map[string]float64, len(prices))
	for t, v := range prices {
		p[t] = v
	}
	pos := make(map[string]Position, len(positions))
	for t, v := range positions {
		pos[t] = v
	}
	return &SimProvider{
		rng:       rand.New(rand.NewSource(seed)),
		prices:    p,
		positions: pos,
		cash:      cash,
		drift:     0.002,
	}
}

// TickerMetrics advances the ticker's walk one step and reports its metrics.
func (p *SimProvider) TickerMetrics(_ context.Context, ticker string) (map[task.Metric]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[ticker]
	if !ok {
		return nil, fmt.Errorf("unknown ticker %s", ticker)
	}
	price *= 1 + p.drift*p.rng.NormFloat64()
	p.prices[ticker] = price

	values := map[task.Metric]float64{
		task.MetricPrice:  price,
		task.MetricVolume: float64(1_000_000 + p.rng.Intn(9_000_000)),
	}
	if pos, held := p.positions[ticker]; held {
		value := pos.Shares * price
		values[task.MetricPositionValue] = value
		if pos.CostBasis > 0 {
			values[task.MetricPositionPnl] = (price - pos.CostBasis) / pos.CostBasis * 100
		}
		if total := p.portfolioValueLocked(); total > 0 {
			values[task.MetricAllocation] = value / total * 100
		}
	}
	return values, nil
}

// AccountMetrics reports cash and total portfolio value.
func (p *SimProvider) AccountMetrics(context.Context) (map[task.Metric]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[task.Metric]float64{
		task.MetricCash:      p.cash,
		task.MetricPortfolio: p.portfolioValueLocked(),
	}, nil
}

func (p *SimProvider) portfolioValueLocked() float64 {
	total := p.cash
	for ticker, pos := range p.positions {
		total += pos.Shares * p.prices[ticker]
	}
	return total
}
