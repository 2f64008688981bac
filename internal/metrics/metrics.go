// Package metrics exposes counters from the ACL engine, connection
// pool, and session manager as Prometheus gauges and counters, read at
// scrape time rather than duplicated into a second set of atomics. No
// HTB scheduler metric is registered; Sources.QoS is not read.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/riftproxy/socksentry/internal/acl"
	"github.com/riftproxy/socksentry/internal/pool"
	"github.com/riftproxy/socksentry/internal/qos/htb"
	"github.com/riftproxy/socksentry/internal/session"
)

// Sources is the set of process-wide singletons metrics reads from.
type Sources struct {
	ACL     *acl.Engine
	Pool    *pool.Pool
	QoS     *htb.Scheduler
	Session *session.Manager
}

// register wraps prometheus.Register so re-registering the same
// collector (e.g. across repeated InitPrometheus calls in tests)
// returns the existing collector instead of panicking.
func register(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// InitPrometheus registers every gauge/counter under namespace with the
// default registry; registration alone wires the /metrics endpoint.
func InitPrometheus(namespace string, src Sources) {
	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "acl_users",
		Help:      "Number of users with compiled ACL rules",
	}, func() float64 { return float64(src.ACL.UserCount()) }))

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "acl_groups",
		Help:      "Number of groups with compiled ACL rules",
	}, func() float64 { return float64(src.ACL.GroupCount()) }))

	register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acl_decisions_allowed_total",
		Help:      "Total connections allowed by the ACL engine",
	}, func() float64 { return float64(src.ACL.Stats().Allowed) }))

	register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acl_decisions_blocked_total",
		Help:      "Total connections blocked by the ACL engine",
	}, func() float64 { return float64(src.ACL.Stats().Blocked) }))

	register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_hits_total",
		Help:      "Idle connections reused from the pool",
	}, func() float64 { return float64(src.Pool.Stats().PoolHits) }))

	register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_misses_total",
		Help:      "Pool lookups that required a fresh dial",
	}, func() float64 { return float64(src.Pool.Stats().PoolMisses) }))

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_connections_in_use",
		Help:      "Connections currently checked out of the pool",
	}, func() float64 { return float64(src.Pool.Stats().ConnectionsInUse) }))

	register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_evictions_total",
		Help:      "Idle connections evicted to respect the global cap",
	}, func() float64 { return float64(src.Pool.Stats().Evicted) }))

	register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently in the active map",
	}, func() float64 { return float64(src.Session.ActiveCount()) }))
}
