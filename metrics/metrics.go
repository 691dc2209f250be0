/*
Package metrics exposes Prometheus metrics for the ledger and the API.

PURPOSE:
  Collector implements inventory.Recorder and pricing.Recorder, so the
  engine and the pricing service report into it without importing
  Prometheus. Instrument wraps the HTTP router.

METRICS:
  fuel_ledger_entries_total{kind}                  appended entries
  fuel_ledger_clamped_total{product}               outflows clamped at zero
  fuel_ledger_movement_failures_total{kind,reason} rejected or failed movements
  fuel_ledger_balance{warehouse_id,product}        balance after the last entry
  fuel_ledger_average_cost{warehouse_id,product}   average cost after the last entry
  fuel_ledger_reconcile_mismatch{warehouse_id,product} 1 when replay disagrees with the stored position
  fuel_price_overlaps_total{mode,outcome}          overlaps found on save
  http_requests_total{method,route,status}
  http_request_duration_seconds{method,route,status}
  http_in_flight_requests
*/
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/fuel-ledger/inventory"
	"github.com/warp/fuel-ledger/pricing"
)

// Collector owns a private registry.
type Collector struct {
	registry *prometheus.Registry

	entries  *prometheus.CounterVec
	clamped  *prometheus.CounterVec
	failures *prometheus.CounterVec
	overlaps *prometheus.CounterVec
	balance  *prometheus.GaugeVec
	cost     *prometheus.GaugeVec
	mismatch *prometheus.GaugeVec

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var (
	_ inventory.Recorder = (*Collector)(nil)
	_ pricing.Recorder   = (*Collector)(nil)
)

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuel_ledger_entries_total",
			Help: "Ledger entries appended, by kind.",
		}, []string{"kind"}),
		clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuel_ledger_clamped_total",
			Help: "Outflows clamped at zero balance, by product.",
		}, []string{"product"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuel_ledger_movement_failures_total",
			Help: "Movements that did not commit, by kind and reason.",
		}, []string{"kind", "reason"}),
		overlaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuel_price_overlaps_total",
			Help: "Price saves that found overlapping active records.",
		}, []string{"mode", "outcome"}),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fuel_ledger_balance",
			Help: "Position balance after the latest entry.",
		}, []string{"warehouse_id", "product"}),
		cost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fuel_ledger_average_cost",
			Help: "Position average cost after the latest entry.",
		}, []string{"warehouse_id", "product"}),
		mismatch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fuel_ledger_reconcile_mismatch",
			Help: "1 when the replayed position differs from the stored one.",
		}, []string{"warehouse_id", "product"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.entries, c.clamped, c.failures, c.overlaps, c.balance, c.cost, c.mismatch,
		c.httpInFlight, c.httpRequestsTotal, c.httpRequestDuration,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// RECORDERS
// =============================================================================

func (c *Collector) EntryAppended(e inventory.Entry) {
	c.entries.WithLabelValues(string(e.Kind)).Inc()
	c.balance.WithLabelValues(string(e.WarehouseID), string(e.Product)).Set(e.BalanceAfter.InexactFloat64())
	c.cost.WithLabelValues(string(e.WarehouseID), string(e.Product)).Set(e.AverageCostAfter.InexactFloat64())
	if e.Warning() != nil {
		c.clamped.WithLabelValues(string(e.Product)).Inc()
	}
}

func (c *Collector) MovementFailed(kind inventory.Kind, err error) {
	c.failures.WithLabelValues(string(kind), reason(err)).Inc()
}

// Reconciled records the outcome of a replay check for one pair.
func (c *Collector) Reconciled(key inventory.PairKey, matches bool) {
	v := 0.0
	if !matches {
		v = 1
	}
	c.mismatch.WithLabelValues(string(key.WarehouseID), string(key.Product)).Set(v)
}

func (c *Collector) OverlapDetected(mode pricing.Mode, blocked bool, count int) {
	outcome := "saved"
	if blocked {
		outcome = "blocked"
	}
	c.overlaps.WithLabelValues(string(mode), outcome).Inc()
}

func reason(err error) string {
	switch {
	case errors.Is(err, inventory.ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, inventory.ErrValidation):
		return "validation"
	case errors.Is(err, inventory.ErrNotFound):
		return "not_found"
	case errors.Is(err, inventory.ErrConcurrentModification):
		return "conflict"
	}
	return "internal"
}

// =============================================================================
// HTTP
// =============================================================================

// Instrument measures requests. The route label is chi's pattern, so
// /warehouses/{id} stays one series.
func (c *Collector) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := strconv.Itoa(sw.code)
		c.httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		c.httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
