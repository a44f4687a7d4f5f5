package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/recordstore"
	"github.com/johndauphine/stack-migrate/internal/stats"
)

// HealthCheckResult reports connectivity to the stack's record stores.
type HealthCheckResult struct {
	Timestamp string          `json:"timestamp"`
	Healthy   bool            `json:"healthy"`
	Source    StoreHealth     `json:"source"`
	Target    *StoreHealth    `json:"target,omitempty"`
	Workers   stats.PoolStats `json:"workers"`
}

// StoreHealth is the outcome of checking one store.
type StoreHealth struct {
	DBType      string           `json:"db_type"`
	Connected   bool             `json:"connected"`
	LatencyMs   int64            `json:"latency_ms"`
	RecordCount int64            `json:"record_count"`
	Error       string           `json:"error,omitempty"`
	Pool        *stats.PoolStats `json:"pool,omitempty"`
}

// Per-store timeout.
const checkTimeout = 30 * time.Second

// HealthCheck tests connectivity to the source and target stores.
// Stores are checked in parallel, each with its own timeout, so one slow
// store cannot exhaust the other's budget.
func (o *Orchestrator) HealthCheck(ctx context.Context, userID int64) (*HealthCheckResult, error) {
	if err := o.requireAdmin(ctx, userID); err != nil {
		return nil, err
	}

	result := &HealthCheckResult{Timestamp: time.Now().Format(time.RFC3339)}
	if o.target != nil {
		result.Target = &StoreHealth{}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		result.Source = checkStore(ctx, o.source)
	}()
	if o.target != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			*result.Target = checkStore(ctx, o.target)
		}()
	}
	wg.Wait()

	result.Workers = o.pool.PoolStats()
	result.Healthy = result.Source.Connected && (result.Target == nil || result.Target.Connected)
	return result, nil
}

func checkStore(ctx context.Context, s recordstore.Store) StoreHealth {
	h := StoreHealth{DBType: s.DBType()}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		h.Error = err.Error()
	} else {
		h.Connected = true
		for _, t := range migration.Types() {
			tc, err := s.Count(ctx, t)
			if err != nil {
				log.Debug("health check: counting %s: %v", t, err)
				continue
			}
			h.RecordCount += tc.Count
		}
	}
	h.LatencyMs = time.Since(start).Milliseconds()
	if ps, ok := stats.Of(s); ok {
		h.Pool = &ps
	}
	return h
}
