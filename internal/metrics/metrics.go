// Package metrics provides Prometheus metrics for the belltest server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// manager holds every collector. A custom registry keeps the scrape
// output limited to our own series.
type manager struct {
	playerConnections   prometheus.Gauge
	observerConnections prometheus.Gauge
	activeTeams         prometheus.Gauge
	roundsCompleted     prometheus.Counter
	roundsScheduled     prometheus.Counter
	reconnects          prometheus.Counter
	cacheHits           prometheus.Counter
	cacheStale          prometheus.Counter
	cacheMisses         prometheus.Counter
	broadcastTicks      prometheus.Counter
	statsRecompute      prometheus.Histogram
	storeErrors         prometheus.Counter
}

var registry = prometheus.NewRegistry()

var global = newManager(registry)

func newManager(reg prometheus.Registerer) *manager {
	auto := promauto.With(reg)
	return &manager{
		playerConnections: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: "belltest",
			Name:      "player_connections",
			Help:      "Currently connected player sockets",
		}),
		observerConnections: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: "belltest",
			Name:      "observer_connections",
			Help:      "Currently connected dashboard sockets",
		}),
		activeTeams: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: "belltest",
			Name:      "active_teams",
			Help:      "Teams with both slots occupied",
		}),
		roundsCompleted: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "belltest",
			Name:      "rounds_completed_total",
			Help:      "Rounds where both slots answered",
		}),
		roundsScheduled: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "belltest",
			Name:      "rounds_scheduled_total",
			Help:      "Rounds dealt to teams",
		}),
		reconnects: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "belltest",
			Name:      "reconnects_total",
			Help:      "Successful token reconnections",
		}),
		cacheHits: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "belltest",
			Name:      "cache_hits_total",
			Help:      "Cache reads that returned a valid value",
		}),
		cacheStale: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "belltest",
			Name:      "cache_stale_total",
			Help:      "Cache reads that returned a stale value",
		}),
		cacheMisses: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "belltest",
			Name:      "cache_misses_total",
			Help:      "Cache reads with nothing resident",
		}),
		broadcastTicks: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "belltest",
			Name:      "broadcast_ticks_total",
			Help:      "Dashboard broadcast loop iterations that sent data",
		}),
		statsRecompute: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "belltest",
			Name:      "stats_recompute_seconds",
			Help:      "Time spent recomputing a team statistics report",
			Buckets:   prometheus.DefBuckets,
		}),
		storeErrors: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "belltest",
			Name:      "store_errors_total",
			Help:      "Persistence operations that failed",
		}),
	}
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// UpdatePlayerConnections sets the live player socket count.
func UpdatePlayerConnections(n int) {
	global.playerConnections.Set(float64(n))
}

// UpdateObserverConnections sets the live dashboard socket count.
func UpdateObserverConnections(n int) {
	global.observerConnections.Set(float64(n))
}

// UpdateActiveTeams sets the count of fully paired teams.
func UpdateActiveTeams(n int) {
	global.activeTeams.Set(float64(n))
}

// RecordRoundScheduled counts a dealt round.
func RecordRoundScheduled() {
	global.roundsScheduled.Inc()
}

// RecordRoundCompleted counts a fully answered round.
func RecordRoundCompleted() {
	global.roundsCompleted.Inc()
}

// RecordReconnect counts a successful token reconnection.
func RecordReconnect() {
	global.reconnects.Inc()
}

// RecordCacheHit counts a valid cache read.
func RecordCacheHit() {
	global.cacheHits.Inc()
}

// RecordCacheStale counts a stale cache read.
func RecordCacheStale() {
	global.cacheStale.Inc()
}

// RecordCacheMiss counts an empty cache read.
func RecordCacheMiss() {
	global.cacheMisses.Inc()
}

// RecordBroadcastTick counts a dashboard broadcast.
func RecordBroadcastTick() {
	global.broadcastTicks.Inc()
}

// RecordStatsRecompute records the duration of one report computation.
func RecordStatsRecompute(seconds float64) {
	global.statsRecompute.Observe(seconds)
}

// RecordStoreError counts a failed persistence operation.
func RecordStoreError() {
	global.storeErrors.Inc()
}
