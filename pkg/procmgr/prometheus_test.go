package procmgr

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var promClass = ClassID{Path: "/srv/app"}

// TestPrometheusMetricsCollector_StateTransitions tests state transition metrics
func TestPrometheusMetricsCollector_StateTransitions(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.SlotStateTransition(promClass, SlotReady, SlotStart)
	pmc.SlotStateTransition(promClass, SlotStart, SlotRunning)
	pmc.SlotStateTransition(promClass, SlotReady, SlotStart)

	count, err := testutil.GatherAndCount(pmc.Registry(), "test_slot_state_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
		# HELP test_slot_state_transitions_total Total number of process slot state transitions
		# TYPE test_slot_state_transitions_total counter
		test_slot_state_transitions_total{class="/srv/app",from_state="Ready",to_state="Start"} 2
		test_slot_state_transitions_total{class="/srv/app",from_state="Start",to_state="Running"} 1
	`
	err = testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "test_slot_state_transitions_total")
	assert.NoError(t, err)
}

// TestPrometheusMetricsCollector_Lifecycle tests spawn and exit counters
func TestPrometheusMetricsCollector_Lifecycle(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.ProcessSpawned(promClass)
	pmc.ProcessSpawned(promClass)
	pmc.SpawnFailed(promClass, "exec")
	pmc.ProcessExited(promClass, false)
	pmc.ProcessExited(promClass, true)
	pmc.VictimSelected(promClass)

	assert.Equal(t, 2.0, testutil.ToFloat64(pmc.spawns.WithLabelValues("/srv/app")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.spawnFailures.WithLabelValues("/srv/app", "exec")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.exits.WithLabelValues("/srv/app", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.exits.WithLabelValues("/srv/app", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.victims.WithLabelValues("/srv/app")))
}

// TestPrometheusMetricsCollector_Gauges tests load, breaker and process gauges
func TestPrometheusMetricsCollector_Gauges(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.LoadFactor(promClass, 37.5)
	pmc.ClassBad(promClass, true)
	pmc.RunningDynamic(4)
	pmc.SignalReceived(OpComplete)
	pmc.SignalReceived(OpComplete)

	assert.Equal(t, 37.5, testutil.ToFloat64(pmc.loadFactor.WithLabelValues("/srv/app")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.badClasses.WithLabelValues("/srv/app")))
	assert.Equal(t, 4.0, testutil.ToFloat64(pmc.runningDynamic))
	assert.Equal(t, 2.0, testutil.ToFloat64(pmc.signals.WithLabelValues("complete")))

	pmc.ClassBad(promClass, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(pmc.badClasses.WithLabelValues("/srv/app")))
}

// TestPrometheusMetricsCollector_DefaultNamespace tests the default namespace
func TestPrometheusMetricsCollector_DefaultNamespace(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("")
	pmc.RunningDynamic(1)

	count, err := testutil.GatherAndCount(pmc.Registry(), "fcgi_pm_running_dynamic_processes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
