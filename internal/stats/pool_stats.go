// Package stats reports utilization of the connection and worker pools.
package stats

import "fmt"

// PoolStats contains pool statistics for logging and health checks.
// This provides a unified view of database connection pools and the
// background worker pool.
type PoolStats struct {
	Name       string `json:"name"`         // "postgres", "mssql", "sqlite" or "workers"
	MaxConns   int    `json:"max"`          // Maximum concurrent connections or tasks
	Active     int    `json:"active"`       // Currently in use
	Idle       int    `json:"idle"`         // Currently idle
	WaitCount  int64  `json:"wait_count"`   // Total number of times a caller waited for a slot
	WaitTimeMs int64  `json:"wait_time_ms"` // Total time spent waiting (milliseconds)
}

// Reporter is implemented by anything that can report pool statistics.
type Reporter interface {
	PoolStats() PoolStats
}

// Of returns r's statistics if v implements Reporter.
func Of(v any) (PoolStats, bool) {
	r, ok := v.(Reporter)
	if !ok {
		return PoolStats{}, false
	}
	return r.PoolStats(), true
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits (%.1fms avg)",
		s.Name, s.Active, s.MaxConns, s.Idle,
		s.WaitCount, float64(s.WaitTimeMs)/float64(max(s.WaitCount, 1)))
}
