package procmgr

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	// Slot lifecycle metrics
	stateTransitions *prometheus.CounterVec
	spawns           *prometheus.CounterVec
	spawnFailures    *prometheus.CounterVec
	exits            *prometheus.CounterVec

	// Load policy metrics
	victims    *prometheus.CounterVec
	loadFactor *prometheus.GaugeVec
	badClasses *prometheus.GaugeVec

	// Signal channel metrics
	signals        *prometheus.CounterVec
	runningDynamic prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "fcgi_pm"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_state_transitions_total",
			Help:      "Total number of process slot state transitions",
		},
		[]string{"class", "from_state", "to_state"},
	)

	pmc.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_spawns_total",
			Help:      "Total number of worker processes started",
		},
		[]string{"class"},
	)

	pmc.spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_spawn_failures_total",
			Help:      "Total number of failed worker starts",
		},
		[]string{"class", "reason"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Total number of reaped worker processes",
		},
		[]string{"class", "expected"},
	)

	pmc.victims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "victims_total",
			Help:      "Total number of instances selected by the kill policy",
		},
		[]string{"class"},
	)

	pmc.loadFactor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "class_load_factor",
			Help:      "Load factor computed at the last kill policy run",
		},
		[]string{"class"},
	)

	pmc.badClasses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "class_bad",
			Help:      "1 while a class is on failed-start back-off",
		},
		[]string{"class"},
	)

	pmc.signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_messages_total",
			Help:      "Total number of signal messages drained",
		},
		[]string{"op"},
	)

	pmc.runningDynamic = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_dynamic_processes",
			Help:      "Live processes of dynamic classes",
		},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.spawns,
		pmc.spawnFailures,
		pmc.exits,
		pmc.victims,
		pmc.loadFactor,
		pmc.badClasses,
		pmc.signals,
		pmc.runningDynamic,
	)

	return pmc
}

// SlotStateTransition records a slot state transition
func (pmc *PrometheusMetricsCollector) SlotStateTransition(class ClassID, from, to SlotState) {
	pmc.stateTransitions.WithLabelValues(class.Path, from.String(), to.String()).Inc()
}

// ProcessSpawned records a process start
func (pmc *PrometheusMetricsCollector) ProcessSpawned(class ClassID) {
	pmc.spawns.WithLabelValues(class.Path).Inc()
}

// SpawnFailed records a failed start
func (pmc *PrometheusMetricsCollector) SpawnFailed(class ClassID, reason string) {
	pmc.spawnFailures.WithLabelValues(class.Path, reason).Inc()
}

// ProcessExited records a reaped process
func (pmc *PrometheusMetricsCollector) ProcessExited(class ClassID, expected bool) {
	pmc.exits.WithLabelValues(class.Path, strconv.FormatBool(expected)).Inc()
}

// VictimSelected records a kill policy decision
func (pmc *PrometheusMetricsCollector) VictimSelected(class ClassID) {
	pmc.victims.WithLabelValues(class.Path).Inc()
}

// LoadFactor records a computed load factor
func (pmc *PrometheusMetricsCollector) LoadFactor(class ClassID, value float64) {
	pmc.loadFactor.WithLabelValues(class.Path).Set(value)
}

// ClassBad records the circuit breaker state
func (pmc *PrometheusMetricsCollector) ClassBad(class ClassID, bad bool) {
	v := 0.0
	if bad {
		v = 1
	}
	pmc.badClasses.WithLabelValues(class.Path).Set(v)
}

// SignalReceived records a drained signal message
func (pmc *PrometheusMetricsCollector) SignalReceived(op Opcode) {
	pmc.signals.WithLabelValues(op.String()).Inc()
}

// RunningDynamic records the live dynamic process count
func (pmc *PrometheusMetricsCollector) RunningDynamic(n int) {
	pmc.runningDynamic.Set(float64(n))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
