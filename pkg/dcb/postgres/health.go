package postgres

import "fmt"

// ConnectionPoolHealth snapshots the underlying pgxpool for readiness
// probes and diagnostics.
type ConnectionPoolHealth struct {
	TotalConns        int32
	IdleConns         int32
	AcquiredConns     int32
	ConstructingConns int32
	Healthy           bool
	Message           string
}

// CheckConnectionPoolHealth reports whether the pool currently holds any
// connections at all; a pool with zero connections under load usually
// means the database is unreachable rather than idle.
func (es *eventStore) CheckConnectionPoolHealth() ConnectionPoolHealth {
	stats := es.pool.Stat()
	return ConnectionPoolHealth{
		TotalConns:        stats.TotalConns(),
		IdleConns:         stats.IdleConns(),
		AcquiredConns:     stats.AcquiredConns(),
		ConstructingConns: stats.ConstructingConns(),
		Healthy:           stats.TotalConns() > 0,
		Message:           fmt.Sprintf("pool has %d total connections (%d idle, %d acquired)", stats.TotalConns(), stats.IdleConns(), stats.AcquiredConns()),
	}
}
