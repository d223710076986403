package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	investierrors "investi/internal/errors"
	"investi/internal/logging"
	"investi/internal/task"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 10 * time.Second
)

// ServiceConfig configures snapshot caching and upstream protection.
type ServiceConfig struct {
	// CacheSize is the maximum number of scope snapshots held.
	CacheSize int
	// CacheTTL is how long a snapshot stays fresh. Shorter than the poll
	// interval means every cycle sees live data; longer smooths bursts.
	CacheTTL time.Duration
	// Breaker guards the upstream provider. Zero values take defaults.
	Breaker investierrors.CircuitBreakerConfig
}

type cachedSnapshot struct {
	snapshot Snapshot
	storedAt time.Time
}

// SnapshotService reads scope snapshots through a TTL cache, deduplicating
// concurrent fetches per scope and failing fast while the provider breaker
// is open.
type SnapshotService struct {
	provider Provider
	cache    *lru.Cache[string, cachedSnapshot]
	ttl      time.Duration
	group    singleflight.Group
	breaker  *investierrors.CircuitBreaker
	logger   logging.Logger
	now      func() time.Time
}

// NewSnapshotService wraps a provider. Zero config values take defaults.
func NewSnapshotService(provider Provider, config ServiceConfig, logger logging.Logger) (*SnapshotService, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = defaultCacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}
	breakerCfg := investierrors.DefaultCircuitBreakerConfig()
	if config.Breaker.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = config.Breaker.FailureThreshold
	}
	if config.Breaker.Timeout > 0 {
		breakerCfg.Timeout = config.Breaker.Timeout
	}

	cache, err := lru.New[string, cachedSnapshot](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}
	return &SnapshotService{
		provider: provider,
		cache:    cache,
		ttl:      config.CacheTTL,
		breaker:  investierrors.NewCircuitBreaker("market-provider", breakerCfg),
		logger:   logging.OrNop(logger),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the service clock. Test hook.
func (s *SnapshotService) WithClock(now func() time.Time) *SnapshotService {
	s.now = now
	return s
}

// Snapshot returns a consistent snapshot for the scope: a ticker symbol or
// AccountScope. Concurrent callers for the same scope share one fetch.
// Provider failures surface as MetricUnavailable so the evaluator holds.
func (s *SnapshotService) Snapshot(ctx context.Context, scope string) (Snapshot, error) {
	scope = normalizeScope(scope)

	if entry, ok := s.cache.Get(scope); ok {
		if s.now().Sub(entry.storedAt) < s.ttl {
			return entry.snapshot, nil
		}
		s.cache.Remove(scope)
	}

	v, err, _ := s.group.Do(scope, func() (any, error) {
		return s.fetch(ctx, scope)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (s *SnapshotService) fetch(ctx context.Context, scope string) (Snapshot, error) {
	var values map[task.Metric]float64
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var fetchErr error
		if scope == AccountScope {
			values, fetchErr = s.provider.AccountMetrics(ctx)
		} else {
			values, fetchErr = s.provider.TickerMetrics(ctx, scope)
		}
		return fetchErr
	})
	if err != nil {
		s.logger.Warn("Snapshot fetch for %s failed: %v", scope, err)
		if !errors.Is(err, investierrors.ErrMetricUnavailable) {
			err = fmt.Errorf("fetch %s: %v: %w", scope, err, investierrors.ErrMetricUnavailable)
		}
		return Snapshot{}, err
	}

	snap := Snapshot{Scope: scope, TakenAt: s.now(), Values: values}
	s.cache.Add(scope, cachedSnapshot{snapshot: snap, storedAt: snap.TakenAt})
	return snap, nil
}

// BreakerState exposes the provider breaker state for health reporting.
func (s *SnapshotService) BreakerState() investierrors.CircuitState {
	return s.breaker.State()
}

func normalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" || strings.EqualFold(scope, AccountScope) {
		return AccountScope
	}
	return strings.ToUpper(scope)
}
