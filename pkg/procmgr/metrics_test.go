//go:build unix

package procmgr

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMetricsCollector records all metrics calls for testing
type mockMetricsCollector struct {
	mu sync.Mutex

	stateTransitions []stateTransition
	spawns           []ClassID
	spawnFailures    []string
	exits            []bool
	victims          []ClassID
	loadFactors      []float64
	badChanges       []bool
	signals          []Opcode
	runningDynamic   int
}

type stateTransition struct {
	class ClassID
	from  SlotState
	to    SlotState
}

func (m *mockMetricsCollector) SlotStateTransition(class ClassID, from, to SlotState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateTransitions = append(m.stateTransitions, stateTransition{class, from, to})
}

func (m *mockMetricsCollector) ProcessSpawned(class ClassID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawns = append(m.spawns, class)
}

func (m *mockMetricsCollector) SpawnFailed(class ClassID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawnFailures = append(m.spawnFailures, reason)
}

func (m *mockMetricsCollector) ProcessExited(class ClassID, expected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, expected)
}

func (m *mockMetricsCollector) VictimSelected(class ClassID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.victims = append(m.victims, class)
}

func (m *mockMetricsCollector) LoadFactor(class ClassID, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadFactors = append(m.loadFactors, value)
}

func (m *mockMetricsCollector) ClassBad(class ClassID, bad bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badChanges = append(m.badChanges, bad)
}

func (m *mockMetricsCollector) SignalReceived(op Opcode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, op)
}

func (m *mockMetricsCollector) RunningDynamic(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningDynamic = n
}

func (m *mockMetricsCollector) transitions() []stateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stateTransition(nil), m.stateTransitions...)
}

// TestMetrics_SlotLifecycle tests that a victim cycle is reported
func TestMetrics_SlotLifecycle(t *testing.T) {
	mc := &mockMetricsCollector{}
	pm, _, clk := newTestManager(t, nil, WithMetricsCollector(mc))

	startDynamic(t, pm, clk, appClass)
	step(t, pm, clk.Advance(pm.cfg.KillInterval))
	step(t, pm, clk.Advance(time.Second))

	expected := []stateTransition{
		{appClass, SlotReady, SlotStart},
		{appClass, SlotStart, SlotRunning},
		{appClass, SlotRunning, SlotVictim},
		{appClass, SlotVictim, SlotKilled},
	}
	assert.Equal(t, expected, mc.transitions())

	mc.mu.Lock()
	defer mc.mu.Unlock()
	assert.Equal(t, []ClassID{appClass}, mc.spawns)
	assert.Equal(t, []ClassID{appClass}, mc.victims)
	assert.Equal(t, []bool{true}, mc.exits)
	assert.Equal(t, []Opcode{OpStart}, mc.signals)
	require.Len(t, mc.loadFactors, 1)
	assert.Zero(t, mc.loadFactors[0])
	assert.Equal(t, 0, mc.runningDynamic)
}

// TestMetrics_FailuresAndBreaker tests failure metrics
func TestMetrics_FailuresAndBreaker(t *testing.T) {
	mc := &mockMetricsCollector{}
	pm, sp, clk := newTestManager(t, func(cfg *PoolConfig) {
		cfg.MaxFailedStarts = 0
	}, WithMetricsCollector(mc))

	startDynamic(t, pm, clk, appClass)
	sp.handle(0).exit(1)
	step(t, pm, clk.Advance(time.Second))
	step(t, pm, clk.Now())

	sp.setErr(errors.New("no such file"))
	step(t, pm, clk.Advance(pm.cfg.FailedStartsDelay))

	mc.mu.Lock()
	defer mc.mu.Unlock()
	assert.Equal(t, []bool{false}, mc.exits)
	assert.Equal(t, []bool{true}, mc.badChanges)
	assert.Equal(t, []string{"exec"}, mc.spawnFailures)
}

// TestNoopMetricsCollector tests that the no-op collector is safe to call
func TestNoopMetricsCollector(t *testing.T) {
	mc := NewNoopMetricsCollector()
	assert.NotPanics(t, func() {
		mc.SlotStateTransition(appClass, SlotReady, SlotStart)
		mc.ProcessSpawned(appClass)
		mc.SpawnFailed(appClass, "bind")
		mc.ProcessExited(appClass, true)
		mc.VictimSelected(appClass)
		mc.LoadFactor(appClass, 12.5)
		mc.ClassBad(appClass, true)
		mc.SignalReceived(OpComplete)
		mc.RunningDynamic(3)
	})
}
