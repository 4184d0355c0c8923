package vecproj

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems;
// metrics/prometheus provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordIngest is called after each raw vector ingestion.
	RecordIngest(duration time.Duration, err error)

	// RecordProject is called after each projection of a raw vector.
	RecordProject(duration time.Duration, err error)

	// RecordQuery is called after each top-k query. stale reports whether
	// the result was served from a Stale index.
	RecordQuery(k int, stale bool, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordBuild is called after each index build attempt.
	RecordBuild(records int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(time.Duration, error)           {}
func (NoopMetricsCollector) RecordProject(time.Duration, error)          {}
func (NoopMetricsCollector) RecordQuery(int, bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)           {}
func (NoopMetricsCollector) RecordBuild(int, time.Duration, error)       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and the CLI's status output.
type BasicMetricsCollector struct {
	IngestCount       atomic.Int64
	IngestErrors      atomic.Int64
	ProjectCount      atomic.Int64
	ProjectErrors     atomic.Int64
	ProjectTotalNanos atomic.Int64
	QueryCount        atomic.Int64
	QueryErrors       atomic.Int64
	QueryStale        atomic.Int64
	QueryTotalNanos   atomic.Int64
	DeleteCount       atomic.Int64
	DeleteErrors      atomic.Int64
	BuildCount        atomic.Int64
	BuildErrors       atomic.Int64
	BuildRecords      atomic.Int64
	BuildTotalNanos   atomic.Int64
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(_ time.Duration, err error) {
	b.IngestCount.Add(1)
	if err != nil {
		b.IngestErrors.Add(1)
	}
}

// RecordProject implements MetricsCollector.
func (b *BasicMetricsCollector) RecordProject(duration time.Duration, err error) {
	b.ProjectCount.Add(1)
	b.ProjectTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ProjectErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(_ int, stale bool, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
		return
	}
	if stale {
		b.QueryStale.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(records int, duration time.Duration, err error) {
	b.BuildCount.Add(1)
	b.BuildTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BuildErrors.Add(1)
		return
	}
	b.BuildRecords.Add(int64(records))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		IngestCount:     b.IngestCount.Load(),
		IngestErrors:    b.IngestErrors.Load(),
		ProjectCount:    b.ProjectCount.Load(),
		ProjectErrors:   b.ProjectErrors.Load(),
		ProjectAvgNanos: avg(b.ProjectTotalNanos.Load(), b.ProjectCount.Load()),
		QueryCount:      b.QueryCount.Load(),
		QueryErrors:     b.QueryErrors.Load(),
		QueryStale:      b.QueryStale.Load(),
		QueryAvgNanos:   avg(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		DeleteCount:     b.DeleteCount.Load(),
		DeleteErrors:    b.DeleteErrors.Load(),
		BuildCount:      b.BuildCount.Load(),
		BuildErrors:     b.BuildErrors.Load(),
		BuildRecords:    b.BuildRecords.Load(),
		BuildAvgNanos:   avg(b.BuildTotalNanos.Load(), b.BuildCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	IngestCount     int64 `json:"ingest_count"`
	IngestErrors    int64 `json:"ingest_errors"`
	ProjectCount    int64 `json:"project_count"`
	ProjectErrors   int64 `json:"project_errors"`
	ProjectAvgNanos int64 `json:"project_avg_nanos"`
	QueryCount      int64 `json:"query_count"`
	QueryErrors     int64 `json:"query_errors"`
	QueryStale      int64 `json:"query_stale"`
	QueryAvgNanos   int64 `json:"query_avg_nanos"`
	DeleteCount     int64 `json:"delete_count"`
	DeleteErrors    int64 `json:"delete_errors"`
	BuildCount      int64 `json:"build_count"`
	BuildErrors     int64 `json:"build_errors"`
	BuildRecords    int64 `json:"build_records"`
	BuildAvgNanos   int64 `json:"build_avg_nanos"`
}
