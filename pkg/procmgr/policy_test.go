//go:build unix

package procmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFactor(t *testing.T) {
	// One instance busy for half of a ten second window
	lf := loadFactor(5_000_000, 1, 10*time.Second)
	assert.InDelta(t, 50.0, lf, 0.001)

	// The same work spread over two instances halves the factor
	assert.InDelta(t, 25.0, loadFactor(5_000_000, 2, 10*time.Second), 0.001)

	// An empty window does not divide by zero
	assert.Equal(t, 100.0*7, loadFactor(7, 1, 0))
}

func TestKeepInstances(t *testing.T) {
	tests := []struct {
		name     string
		connTime int64
		running  int
		lf       float64
		single   float64
		multi    float64
		keep     bool
	}{
		{"idle single instance", 0, 1, 0, 0, 50, false},
		{"busy single instance", 1000, 1, 0.01, 0, 50, true},
		{"single below threshold", 1000, 1, 5, 10, 50, false},
		{"single at threshold", 1000, 1, 10, 10, 50, true},
		{"two instances would overload the survivor", 1000, 2, 30, 0, 50, true},
		{"two instances lightly loaded", 1000, 2, 20, 0, 50, false},
		{"idle multiple instances", 0, 3, 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.keep, keepInstances(tt.connTime, tt.running, tt.lf, tt.single, tt.multi))
		})
	}
}

// Raising connection time can only move a class from victim to kept
func TestKeepInstances_MonotonicInLoad(t *testing.T) {
	for running := 1; running <= 5; running++ {
		kept := false
		for connTime := int64(0); connTime <= 40_000_000; connTime += 500_000 {
			lf := loadFactor(connTime, running, 10*time.Second)
			keep := keepInstances(connTime, running, lf, 10, 50)
			if kept {
				require.True(t, keep, "running=%d connTime=%d", running, connTime)
			}
			kept = keep
		}
		assert.True(t, kept, "running=%d should be kept at full load", running)
	}
}

func newPolicyClass(pm *PoolManager, id ClassID, startTimes ...time.Time) *WorkerClass {
	c := newWorkerClass(pm.cfg.dynamicSpec(id))
	for i, st := range startTimes {
		c.slots[i] = ProcessSlot{
			pid:       2000 + i,
			state:     SlotRunning,
			startTime: st,
			handle:    &fakeHandle{pid: 2000 + i, spawner: newFakeSpawner(), exitOnTerm: true},
		}
	}
	pm.registry.add(c)
	pm.runningDynamic += len(startTimes)
	return c
}

func TestKillPolicy_YoungestVictim(t *testing.T) {
	pm, _, clk := newTestManager(t, nil)
	t0 := clk.Now()
	c := newPolicyClass(pm, appClass, t0.Add(2*time.Second), t0.Add(5*time.Second), t0.Add(time.Second))

	pm.runKillPolicy(t0.Add(pm.cfg.KillInterval))

	assert.Equal(t, []SlotState{SlotRunning, SlotVictim, SlotRunning}, slotStates(c)[:3])
	assert.Equal(t, []SignalKind{SignalTerminate}, c.slots[1].handle.(*fakeHandle).getSignals())
	assert.Equal(t, t0.Add(pm.cfg.KillInterval), pm.lastKill)
}

func TestKillPolicy_TieGoesToHigherSlot(t *testing.T) {
	pm, _, clk := newTestManager(t, nil)
	t0 := clk.Now()
	c := newPolicyClass(pm, appClass, t0, t0)

	pm.runKillPolicy(t0.Add(time.Minute))
	assert.Equal(t, []SlotState{SlotRunning, SlotVictim}, slotStates(c)[:2])
}

func TestKillPolicy_PrefersPendingStart(t *testing.T) {
	pm, _, clk := newTestManager(t, nil)
	t0 := clk.Now()
	c := newPolicyClass(pm, appClass, t0)
	c.slots[1].state = SlotStart

	pm.runKillPolicy(t0.Add(time.Minute))

	assert.Equal(t, SlotRunning, c.slots[0].state)
	assert.Equal(t, SlotReady, c.slots[1].state)
	assert.Empty(t, c.slots[0].handle.(*fakeHandle).getSignals())
}

func TestKillPolicy_OneVictimPerClassAndFloor(t *testing.T) {
	pm, _, clk := newTestManager(t, func(cfg *PoolConfig) {
		cfg.MinProcesses = 2
	})
	t0 := clk.Now()
	a := newPolicyClass(pm, ClassID{Path: "/a"}, t0, t0)
	b := newPolicyClass(pm, ClassID{Path: "/b"}, t0)
	d := newPolicyClass(pm, ClassID{Path: "/d"}, t0)

	pm.runKillPolicy(t0.Add(time.Minute))

	// Four running, floor of two: one victim from /a, one from /b, none from /d
	assert.Equal(t, 1, a.count(SlotVictim))
	assert.Equal(t, 1, a.count(SlotRunning))
	assert.Equal(t, 1, b.count(SlotVictim))
	assert.Equal(t, 1, d.count(SlotRunning))
}

func TestKillPolicy_SkipsStaticClasses(t *testing.T) {
	pm, _, clk := newTestManager(t, nil)
	t0 := clk.Now()
	c := newPolicyClass(pm, appClass, t0)
	c.Directive = DirectiveStatic

	pm.runKillPolicy(t0.Add(time.Hour))
	assert.Equal(t, SlotRunning, c.slots[0].state)
}

func TestKillPolicy_UsesSmoothedConnTime(t *testing.T) {
	pm, _, clk := newTestManager(t, func(cfg *PoolConfig) {
		cfg.SingleInstanceThreshold = 10
	})
	t0 := clk.Now()
	c := newPolicyClass(pm, appClass, t0)

	// Busy for 20% of the window on average, idle in the current window
	c.smoothConnTime = int64(12 * time.Second / time.Microsecond)
	c.totalConnTime = 0
	pm.runKillPolicy(t0.Add(time.Minute))
	assert.Equal(t, SlotRunning, c.slots[0].state)

	c.smoothConnTime = 0
	c.totalConnTime = int64(time.Second / time.Microsecond)
	pm.runKillPolicy(t0.Add(2 * time.Minute))
	assert.Equal(t, SlotVictim, c.slots[0].state)
}

func TestCircuitBreaker_Smoothing(t *testing.T) {
	pm, _, clk := newTestManager(t, func(cfg *PoolConfig) {
		cfg.Gain = 0.25
	})
	t0 := clk.Now()
	c := newPolicyClass(pm, appClass, t0)
	c.totalConnTime = 4000
	c.totalQueueTime = 10

	// Not yet due
	pm.runCircuitBreaker(t0.Add(time.Second))
	assert.Equal(t, int64(4000), c.totalConnTime)

	pm.runCircuitBreaker(t0.Add(pm.cfg.UpdateInterval))
	assert.Equal(t, int64(1000), c.smoothConnTime)
	assert.Zero(t, c.totalConnTime)
	assert.Zero(t, c.totalQueueTime)

	c.totalConnTime = 4000
	pm.runCircuitBreaker(t0.Add(2 * pm.cfg.UpdateInterval))
	assert.Equal(t, int64(1750), c.smoothConnTime)
}

func TestCircuitBreaker_ThresholdAndRecovery(t *testing.T) {
	pm, _, clk := newTestManager(t, nil)
	t0 := clk.Now()
	c := newPolicyClass(pm, appClass, t0)
	c.numFailures = pm.cfg.MaxFailedStarts

	pm.runCircuitBreaker(t0.Add(time.Second))
	assert.False(t, c.bad, "threshold is exclusive")

	c.numFailures++
	pm.runCircuitBreaker(t0.Add(time.Second))
	assert.True(t, c.bad)

	pm.runCircuitBreaker(t0.Add(pm.cfg.RuntimeSuccessInterval - time.Millisecond))
	assert.True(t, c.bad)

	pm.runCircuitBreaker(t0.Add(pm.cfg.RuntimeSuccessInterval))
	assert.False(t, c.bad)
	assert.Zero(t, c.numFailures)
}
