package parvec

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Sync-family call sites run thousands of times during an iterative solve, so
// implementations should be cheap and must be safe for reuse across calls.
type MetricsCollector interface {
	// RecordSync is called after each synchronization round.
	// policy is the receive-merge policy, blocks is the number of blocks
	// received across all peers, duration is the total time taken,
	// err is nil if successful.
	RecordSync(policy Policy, blocks int, duration time.Duration, err error)

	// RecordAssign is called after each import from a native vector
	// (including the synchronization it triggers).
	RecordAssign(duration time.Duration, err error)

	// RecordExport is called after each export to a native vector.
	RecordExport(duration time.Duration)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordSync(Policy, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordAssign(time.Duration, error)           {}
func (NoopMetricsCollector) RecordExport(time.Duration)                  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	SyncCount      atomic.Int64
	SyncErrors     atomic.Int64
	SyncBlocks     atomic.Int64
	SyncTotalNanos atomic.Int64
	AssignCount    atomic.Int64
	AssignErrors   atomic.Int64
	ExportCount    atomic.Int64
}

// RecordSync implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSync(_ Policy, blocks int, duration time.Duration, err error) {
	b.SyncCount.Add(1)
	b.SyncBlocks.Add(int64(blocks))
	b.SyncTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SyncErrors.Add(1)
	}
}

// RecordAssign implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAssign(_ time.Duration, err error) {
	b.AssignCount.Add(1)
	if err != nil {
		b.AssignErrors.Add(1)
	}
}

// RecordExport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordExport(time.Duration) {
	b.ExportCount.Add(1)
}

// Stats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) Stats() BasicMetricsStats {
	return BasicMetricsStats{
		SyncCount:    b.SyncCount.Load(),
		SyncErrors:   b.SyncErrors.Load(),
		SyncBlocks:   b.SyncBlocks.Load(),
		SyncAvgNanos: b.avgSyncNanos(),
		AssignCount:  b.AssignCount.Load(),
		AssignErrors: b.AssignErrors.Load(),
		ExportCount:  b.ExportCount.Load(),
	}
}

func (b *BasicMetricsCollector) avgSyncNanos() int64 {
	count := b.SyncCount.Load()
	if count == 0 {
		return 0
	}
	return b.SyncTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	SyncCount    int64
	SyncErrors   int64
	SyncBlocks   int64
	SyncAvgNanos int64
	AssignCount  int64
	AssignErrors int64
	ExportCount  int64
}
