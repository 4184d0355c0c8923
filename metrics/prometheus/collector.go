// Package prometheus exports engine metrics through client_golang.
//
//	reg := prometheus.NewRegistry()
//	mc, _ := vpprom.New(reg)
//	eng, _ := vecproj.New(st, vecproj.WithMetricsCollector(mc))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prometheus

import (
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Operation label values.
const (
	OpIngest  = "ingest"
	OpProject = "project"
	OpQuery   = "query"
	OpDelete  = "delete"
	OpBuild   = "build"
)

// Options configures a Collector.
type Options struct {
	// Namespace prefixes every metric name. Default "vecproj".
	Namespace string
	// Buckets are the latency histogram buckets in seconds.
	// Default prometheus.DefBuckets.
	Buckets []float64
}

// Collector implements vecproj.MetricsCollector.
type Collector struct {
	ops          *prom.CounterVec
	latency      *prom.HistogramVec
	staleQueries prom.Counter
	queryK       prom.Histogram
	buildRecords prom.Gauge
}

// New creates a Collector and registers its metrics with reg.
func New(reg prom.Registerer, optFns ...func(o *Options)) (*Collector, error) {
	opts := Options{
		Namespace: "vecproj",
		Buckets:   prom.DefBuckets,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	c := &Collector{
		ops: prom.NewCounterVec(prom.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "operations_total",
			Help:      "Engine operations by kind and outcome.",
		}, []string{"op", "success"}),
		latency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   opts.Buckets,
		}, []string{"op"}),
		staleQueries: prom.NewCounter(prom.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "stale_queries_total",
			Help:      "Queries answered from a Stale index.",
		}),
		queryK: prom.NewHistogram(prom.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "query_k",
			Help:      "Requested k per query.",
			Buckets:   prom.ExponentialBuckets(1, 4, 6),
		}),
		buildRecords: prom.NewGauge(prom.GaugeOpts{
			Namespace: opts.Namespace,
			Name:      "last_build_records",
			Help:      "Records in the most recently built snapshot.",
		}),
	}

	for _, m := range []prom.Collector{c.ops, c.latency, c.staleQueries, c.queryK, c.buildRecords} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) observe(op string, d time.Duration, err error) {
	c.ops.WithLabelValues(op, strconv.FormatBool(err == nil)).Inc()
	c.latency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordIngest implements vecproj.MetricsCollector.
func (c *Collector) RecordIngest(d time.Duration, err error) { c.observe(OpIngest, d, err) }

// RecordProject implements vecproj.MetricsCollector.
func (c *Collector) RecordProject(d time.Duration, err error) { c.observe(OpProject, d, err) }

// RecordQuery implements vecproj.MetricsCollector.
func (c *Collector) RecordQuery(k int, stale bool, d time.Duration, err error) {
	c.observe(OpQuery, d, err)
	if err != nil {
		return
	}
	c.queryK.Observe(float64(k))
	if stale {
		c.staleQueries.Inc()
	}
}

// RecordDelete implements vecproj.MetricsCollector.
func (c *Collector) RecordDelete(d time.Duration, err error) { c.observe(OpDelete, d, err) }

// RecordBuild implements vecproj.MetricsCollector.
func (c *Collector) RecordBuild(records int, d time.Duration, err error) {
	c.observe(OpBuild, d, err)
	if err == nil {
		c.buildRecords.Set(float64(records))
	}
}
