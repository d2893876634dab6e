// Package metrics exposes a custom prometheus registry for the Order
// Management Core. Grounded on metrics/metrics.go's shape: a package-level
// Registry built with prometheus.NewRegistry (never the default global
// registry), metric vectors declared with promauto.With(Registry), a single
// mutex guarding composite updates, and Update*/Record*/Set* exported
// functions rather than handing out the raw vectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the custom prometheus registry for ordercore metrics.
	Registry = prometheus.NewRegistry()

	mu sync.RWMutex

	// ============================================
	// Command Service
	// ============================================

	CommandsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "command",
			Name:      "total",
			Help:      "Total commands submitted or registered, by execution type and outcome",
		},
		[]string{"execution_type", "outcome"}, // outcome: "success", "failed"
	)

	CommandFailuresByTag = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "command",
			Name:      "failures_total",
			Help:      "Failed commands by failure tag",
		},
		[]string{"tag"},
	)

	CommandSubmitDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ordercore",
			Subsystem: "command",
			Name:      "submit_duration_seconds",
			Help:      "Time from Submit/Register call to CommandOutcome return",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"execution_type"},
	)

	// ============================================
	// Execution Guard
	// ============================================

	GuardBlocksTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "guard",
			Name:      "blocks_total",
			Help:      "ENTRY attempts blocked by the Execution Guard, by tier",
		},
		[]string{"tier"}, // "memory", "repository", "broker"
	)

	GuardPendingCount = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ordercore",
			Subsystem: "guard",
			Name:      "pending_count",
			Help:      "Current size of the Execution Guard's in-flight memory set",
		},
	)

	GuardActiveStrategiesCount = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ordercore",
			Subsystem: "guard",
			Name:      "active_strategies_count",
			Help:      "Current number of strategies with an open position",
		},
	)

	// ============================================
	// Risk Manager
	// ============================================

	RiskDailyPnL = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ordercore",
			Subsystem: "risk",
			Name:      "daily_pnl",
			Help:      "Current daily realized P&L",
		},
	)

	RiskCanExecute = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ordercore",
			Subsystem: "risk",
			Name:      "can_execute",
			Help:      "1 if new ENTRYs are currently permitted, 0 if blocked",
		},
	)

	RiskForceExitsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "risk",
			Name:      "force_exits_total",
			Help:      "Total number of risk-driven force-exit requests raised",
		},
	)

	// ============================================
	// Order Watcher
	// ============================================

	WatcherCycleDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ordercore",
			Subsystem: "watcher",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one Order Watcher pass",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pass"}, // "reconcile", "process_open_intents", "monitor_sl_target"
	)

	WatcherShadowRecordsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "watcher",
			Name:      "shadow_records_total",
			Help:      "Total BROKER_ONLY shadow records created for unmatched broker orders",
		},
	)

	WatcherSLTargetFiresTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "watcher",
			Name:      "sl_target_fires_total",
			Help:      "Stop-loss/target/trailing breaches that emitted an EXIT",
		},
		[]string{"reason"}, // "stop_loss", "target", "trailing"
	)

	// ============================================
	// Consumers
	// ============================================

	IntentsProcessedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "consumer",
			Name:      "intents_processed_total",
			Help:      "Intents processed by a consumer loop, by type and terminal status",
		},
		[]string{"intent_type", "status"}, // status: "completed", "failed"
	)

	IntentQueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ordercore",
			Subsystem: "consumer",
			Name:      "queue_depth",
			Help:      "Pending intent rows, by type",
		},
		[]string{"intent_type"},
	)

	// ============================================
	// Adjustment Engine
	// ============================================

	AdjustmentRulesFiredTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "adjustment",
			Name:      "rules_fired_total",
			Help:      "Adjustment rules fired, by strategy and action",
		},
		[]string{"strategy", "action"},
	)

	AdjustmentFailuresTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "adjustment",
			Name:      "failures_total",
			Help:      "ADJUSTMENT_FAILED occurrences, by strategy and action",
		},
		[]string{"strategy", "action"},
	)

	StrategyCombinedPnL = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ordercore",
			Subsystem: "adjustment",
			Name:      "strategy_combined_pnl",
			Help:      "Current combined P&L per running strategy",
		},
		[]string{"strategy"},
	)

	// ============================================
	// Broker Adapter
	// ============================================

	BrokerCallDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ordercore",
			Subsystem: "broker",
			Name:      "call_duration_seconds",
			Help:      "Duration of a single Broker Adapter call",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"call"}, // "place_order", "get_order_book", "get_positions", "get_ltp"
	)

	BrokerCallErrorsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ordercore",
			Subsystem: "broker",
			Name:      "call_errors_total",
			Help:      "Broker Adapter call errors, by call",
		},
		[]string{"call"},
	)
)

// RecordCommandOutcome updates every command-path metric after a
// Submit/Register call returns.
func RecordCommandOutcome(executionType, tag string, success bool, durationSeconds float64) {
	mu.Lock()
	defer mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failed"
	}
	CommandsTotal.WithLabelValues(executionType, outcome).Inc()
	if !success && tag != "" {
		CommandFailuresByTag.WithLabelValues(tag).Inc()
	}
	CommandSubmitDuration.WithLabelValues(executionType).Observe(durationSeconds)
}

// RecordGuardBlock increments the block counter for the tier that denied an
// ENTRY attempt ("memory", "repository", or "broker").
func RecordGuardBlock(tier string) {
	GuardBlocksTotal.WithLabelValues(tier).Inc()
}

// SetGuardSnapshot updates the current in-flight and active-strategy counts.
func SetGuardSnapshot(pending, activeStrategies int) {
	GuardPendingCount.Set(float64(pending))
	GuardActiveStrategiesCount.Set(float64(activeStrategies))
}

// SetRiskSnapshot updates the daily P&L and execution-permission gauges.
func SetRiskSnapshot(dailyPnL float64, canExecute bool) {
	RiskDailyPnL.Set(dailyPnL)
	val := 0.0
	if canExecute {
		val = 1.0
	}
	RiskCanExecute.Set(val)
}

// RecordForceExit increments the risk-driven force-exit counter.
func RecordForceExit() {
	RiskForceExitsTotal.Inc()
}

// RecordWatcherCycle observes the duration of one Watcher pass.
func RecordWatcherCycle(pass string, durationSeconds float64) {
	WatcherCycleDuration.WithLabelValues(pass).Observe(durationSeconds)
}

// RecordShadowRecord increments the BROKER_ONLY shadow-record counter.
func RecordShadowRecord() {
	WatcherShadowRecordsTotal.Inc()
}

// RecordSLTargetFire increments the stop-loss/target/trailing breach counter.
func RecordSLTargetFire(reason string) {
	WatcherSLTargetFiresTotal.WithLabelValues(reason).Inc()
}

// RecordIntentProcessed increments the terminal-status counter for one
// consumer-processed intent.
func RecordIntentProcessed(intentType, status string) {
	IntentsProcessedTotal.WithLabelValues(intentType, status).Inc()
}

// SetIntentQueueDepth updates the pending-count gauge for one intent type.
func SetIntentQueueDepth(intentType string, depth int) {
	IntentQueueDepth.WithLabelValues(intentType).Set(float64(depth))
}

// RecordAdjustmentFire increments the rule-fired counter for a strategy/action.
func RecordAdjustmentFire(strategy, action string) {
	AdjustmentRulesFiredTotal.WithLabelValues(strategy, action).Inc()
}

// RecordAdjustmentFailure increments the ADJUSTMENT_FAILED counter for a
// strategy/action.
func RecordAdjustmentFailure(strategy, action string) {
	AdjustmentFailuresTotal.WithLabelValues(strategy, action).Inc()
}

// SetStrategyCombinedPnL updates the current combined P&L gauge for a
// running strategy.
func SetStrategyCombinedPnL(strategy string, pnl float64) {
	StrategyCombinedPnL.WithLabelValues(strategy).Set(pnl)
}

// RecordBrokerCall observes the duration of a Broker Adapter call and, if
// hasError is true, increments its error counter.
func RecordBrokerCall(call string, durationSeconds float64, hasError bool) {
	BrokerCallDuration.WithLabelValues(call).Observe(durationSeconds)
	if hasError {
		BrokerCallErrorsTotal.WithLabelValues(call).Inc()
	}
}

// Init registers the standard Go process/runtime collectors alongside the
// metrics above.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// NewServer builds (but does not start) the scrape listener for Registry.
// It is a bare *http.Server, not a gin.Engine, since /metrics is its only
// route; the caller drives Start/Stop the same way it drives the ops HTTP
// surface in internal/httpapi.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}
