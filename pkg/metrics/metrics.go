package metrics

import (
	"context"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/lending"
)

// PoolMetrics tracks Prometheus metrics for a lending pool
type PoolMetrics struct {
	// Committed operations
	Operations     *prometheus.CounterVec
	Volume         *prometheus.CounterVec
	LastEventSeq   prometheus.Gauge
	LeverageFilled prometheus.Histogram

	// Pool state
	Price            prometheus.Gauge
	Positions        prometheus.Gauge
	OpenLoans        prometheus.Gauge
	TotalAvailable   prometheus.Gauge
	TotalOutstanding prometheus.Gauge
	TotalCollateral  prometheus.Gauge
	TotalClaimable   prometheus.Gauge

	// API
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// System
	MemoryUsage prometheus.Gauge
	Goroutines  prometheus.Gauge

	registry *prometheus.Registry
	logger   log.Logger
}

// StatsSource reads a pool summary. *lending.Pool satisfies it.
type StatsSource interface {
	Stats() lending.Stats
}

// NewPoolMetrics creates a new metrics collector
func NewPoolMetrics(namespace string) *PoolMetrics {
	registry := prometheus.NewRegistry()

	m := &PoolMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed pool events by kind",
		}, []string{"kind"}),
		Volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_total",
			Help:      "Value token moved by committed events, in base units",
		}, []string{"kind"}),
		LastEventSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_event_seq",
			Help:      "Sequence number of the last published event",
		}),
		LeverageFilled: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leverage_collateral_units",
			Help:      "Collateral bought per leveraged buy",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 12),
		}),
		Price: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price",
			Help:      "Last broadcast price of the collateral token",
		}),
		Positions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "positions",
			Help:      "Lend positions on the ledger",
		}),
		OpenLoans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_loans",
			Help:      "Open loans",
		}),
		TotalAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available",
			Help:      "Value token available to borrow",
		}),
		TotalOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding",
			Help:      "Principal owed by open loans",
		}),
		TotalCollateral: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collateral",
			Help:      "Collateral token held for open loans",
		}),
		TotalClaimable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "claimable",
			Help:      "Repayments waiting to be claimed",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "API requests by method and outcome",
		}, []string{"method", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"method"}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Memory usage in bytes",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		}),
		registry: registry,
		logger:   log.Root().New("module", "metrics"),
	}

	registry.MustRegister(
		m.Operations,
		m.Volume,
		m.LastEventSeq,
		m.LeverageFilled,
		m.Price,
		m.Positions,
		m.OpenLoans,
		m.TotalAvailable,
		m.TotalOutstanding,
		m.TotalCollateral,
		m.TotalClaimable,
		m.Requests,
		m.RequestDuration,
		m.MemoryUsage,
		m.Goroutines,
	)
	for _, k := range events.Kinds {
		m.Operations.WithLabelValues(string(k))
	}

	return m
}

// Registry exposes the collector's registry.
func (m *PoolMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *PoolMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the Prometheus metrics server
func (m *PoolMetrics) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

// Publish counts a committed pool event. It never touches the pool, so it is
// safe to call while the pool lock is held.
func (m *PoolMetrics) Publish(ev events.Event) {
	kind := string(ev.Kind)
	m.Operations.WithLabelValues(kind).Inc()
	m.LastEventSeq.Set(float64(ev.Seq))

	switch ev.Kind {
	case events.PriceUpdate:
		m.Price.Set(toFloat(ev.Price))
	case events.Leverage:
		m.LeverageFilled.Observe(toFloat(ev.Collateral))
	case events.Lend, events.NewLoan, events.Repay, events.Liquidate, events.Withdraw, events.Claim, events.WriteOff:
		if ev.Amount != nil {
			m.Volume.WithLabelValues(kind).Add(toFloat(ev.Amount))
		}
	}
}

// RecordRequest records one API call.
func (m *PoolMetrics) RecordRequest(method string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Requests.WithLabelValues(method, outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// UpdateStats sets the pool state gauges.
func (m *PoolMetrics) UpdateStats(st lending.Stats) {
	m.Positions.Set(float64(st.Positions))
	m.OpenLoans.Set(float64(st.OpenLoans))
	m.TotalAvailable.Set(toFloat(st.TotalAvailable))
	m.TotalOutstanding.Set(toFloat(st.TotalOutstanding))
	m.TotalCollateral.Set(toFloat(st.TotalCollateral))
	m.TotalClaimable.Set(toFloat(st.TotalClaimable))
	if st.Price != nil {
		m.Price.Set(toFloat(st.Price))
	}
}

// CollectPoolMetrics refreshes the state gauges from source until ctx ends.
func (m *PoolMetrics) CollectPoolMetrics(ctx context.Context, source StatsSource, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	m.UpdateStats(source.Stats())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateStats(source.Stats())
		}
	}
}

// CollectSystemMetrics collects system-level metrics
func (m *PoolMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.MemoryUsage.Set(float64(memStats.Alloc))
			m.Goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// LogMetrics logs current metrics for debugging
func (m *PoolMetrics) LogMetrics(st lending.Stats) {
	m.logger.Info("Pool Metrics",
		"positions", st.Positions,
		"open_loans", st.OpenLoans,
		"closed_loans", st.ClosedLoans,
		"available", st.TotalAvailable,
		"outstanding", st.TotalOutstanding,
		"collateral", st.TotalCollateral,
		"price", st.Price,
	)
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
