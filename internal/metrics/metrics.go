// Package metrics adapts Prometheus client_golang vectors into the
// ClientStats/ServerStats/AddressStats sinks the pool core consumes
// (spec.md §6), plus a handful of process-level gauges for the admin API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for dbbouncer and is the factory
// for the per-pool/per-address stats sinks the pool core writes into.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolHealth         *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	checkoutDuration *prometheus.HistogramVec
	checkoutErrors   *prometheus.CounterVec
	banErrors        *prometheus.CounterVec
	addressErrors    *prometheus.CounterVec

	serverTested       *prometheus.CounterVec
	serverActive       *prometheus.CounterVec
	serverIdle         *prometheus.CounterVec
	serverDisconnects  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbbouncer_connections_active", Help: "Active backend sessions per pool/address"},
			[]string{"pool", "user", "address"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbbouncer_connections_idle", Help: "Idle backend sessions per pool/address"},
			[]string{"pool", "user", "address"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbbouncer_connections_total", Help: "Total backend sessions per pool/address"},
			[]string{"pool", "user", "address"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbbouncer_connections_waiting", Help: "Clients waiting for checkout per pool"},
			[]string{"pool", "user"},
		),
		poolHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbbouncer_pool_health", Help: "1 if the pool has validated at least one endpoint"},
			[]string{"pool", "user"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_pool_exhausted_total", Help: "Times a pool returned AllServersDown"},
			[]string{"pool", "user"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbouncer_health_check_duration_seconds",
				Help:    "Duration of periodic background health-check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"pool", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_health_check_errors_total", Help: "Health check failures by address"},
			[]string{"pool", "address"},
		),
		checkoutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbouncer_checkout_duration_seconds",
				Help:    "Time from waiting to a successful checkout",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"pool", "user", "application_name"},
		),
		checkoutErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_checkout_errors_total", Help: "EndpointPool checkout failures"},
			[]string{"pool", "user"},
		),
		banErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_ban_errors_total", Help: "Bans recorded by client checkout attempts"},
			[]string{"pool", "user"},
		),
		addressErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_address_errors_total", Help: "Errors attributed to a specific address"},
			[]string{"pool", "address"},
		),
		serverTested: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_server_tested_total", Help: "Forced health checks run against a session"},
			[]string{"pool", "address"},
		),
		serverActive: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_server_active_total", Help: "Sessions transitioned to active by application"},
			[]string{"pool", "application_name"},
		),
		serverIdle: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_server_idle_total", Help: "Sessions returned idle to an endpoint pool"},
			[]string{"pool", "address"},
		),
		serverDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dbbouncer_server_disconnects_total", Help: "Sessions closed"},
			[]string{"pool", "address"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.checkoutDuration,
		c.checkoutErrors,
		c.banErrors,
		c.addressErrors,
		c.serverTested,
		c.serverActive,
		c.serverIdle,
		c.serverDisconnects,
	)

	return c
}

// SetPoolHealth sets the validated gauge for a pool.
func (c *Collector) SetPoolHealth(poolName, user string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.poolHealth.WithLabelValues(poolName, user).Set(val)
}

// PoolExhausted increments the AllServersDown counter for a pool.
func (c *Collector) PoolExhausted(poolName, user string) {
	c.poolExhausted.WithLabelValues(poolName, user).Inc()
}

// UpdateEndpointStats updates the per-address gauge metrics.
func (c *Collector) UpdateEndpointStats(poolName, user, address string, active, idle, total int) {
	c.connectionsActive.WithLabelValues(poolName, user, address).Set(float64(active))
	c.connectionsIdle.WithLabelValues(poolName, user, address).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(poolName, user, address).Set(float64(total))
}

// UpdateWaiting updates the waiting-clients gauge for a pool.
func (c *Collector) UpdateWaiting(poolName, user string, waiting int) {
	c.connectionsWaiting.WithLabelValues(poolName, user).Set(float64(waiting))
}

// HealthCheckCompleted records a health-check probe duration and result.
func (c *Collector) HealthCheckCompleted(poolName string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(poolName, status).Observe(d.Seconds())
}

// RemovePool deletes every metric series tagged with poolName.
func (c *Collector) RemovePool(poolName string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.poolHealth.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.checkoutDuration.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.checkoutErrors.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.banErrors.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.addressErrors.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.serverTested.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.serverActive.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.serverIdle.DeletePartialMatch(prometheus.Labels{"pool": poolName})
	c.serverDisconnects.DeletePartialMatch(prometheus.Labels{"pool": poolName})
}
