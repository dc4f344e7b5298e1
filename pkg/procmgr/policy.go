//go:build unix

package procmgr

import "time"

// loadFactor is the percentage of the window the instances spent serving
// connections. connTime is in microseconds.
func loadFactor(connTime int64, running int, elapsed time.Duration) float64 {
	window := float64(running)*elapsed.Seconds()*1e6 + 1
	return 100 * float64(connTime) / window
}

// keepInstances reports whether the kill policy leaves a class alone. A class
// that recorded no connection time at all is idle whatever the thresholds.
func keepInstances(connTime int64, running int, lf, single, multi float64) bool {
	if connTime <= 0 {
		return false
	}
	if running == 1 {
		return lf >= single
	}
	adjusted := float64(running) / float64(running-1) * lf
	return adjusted >= multi
}

// runKillPolicy selects at most one victim per dynamic class, never taking
// the running dynamic total to or below MinProcesses
func (pm *PoolManager) runKillPolicy(now time.Time) {
	elapsed := now.Sub(pm.lastKill)
	pm.lastKill = now

	total := 0
	pm.registry.each(func(c *WorkerClass) {
		if c.Directive == DirectiveDynamic {
			total += c.count(SlotRunning)
		}
	})

	victims := 0
	for _, id := range pm.registry.order {
		if total-victims <= pm.cfg.MinProcesses {
			break
		}
		c := pm.registry.classes[id]
		if c.Directive != DirectiveDynamic {
			continue
		}
		n := c.count(SlotRunning)
		if n == 0 {
			continue
		}

		connTime := c.smoothConnTime
		if connTime <= 0 {
			connTime = c.totalConnTime
		}
		lf := loadFactor(connTime, n, elapsed)
		pm.metrics.LoadFactor(c.ID, lf)
		if keepInstances(connTime, n, lf, pm.cfg.SingleInstanceThreshold, pm.cfg.MultiInstanceThreshold) {
			continue
		}

		if i := pendingStart(c); i >= 0 {
			pm.setState(c, &c.slots[i], SlotReady)
			victims++
			pm.logger.Info("cancelled pending start", "class", c.ID.Path, "slot", i, "load_factor", lf)
			continue
		}

		i := youngestRunning(c)
		s := &c.slots[i]
		if err := s.handle.Signal(SignalTerminate); err != nil {
			pm.logger.Warn("terminate failed", "class", c.ID.Path, "pid", s.pid, "error", err)
		}
		pm.setState(c, s, SlotVictim)
		victims++
		pm.metrics.VictimSelected(c.ID)
		pm.logger.Info("selected victim", "class", c.ID.Path, "pid", s.pid, "load_factor", lf)
	}
}

func pendingStart(c *WorkerClass) int {
	for i := range c.slots {
		if c.slots[i].state == SlotStart && c.slots[i].pid <= 0 {
			return i
		}
	}
	return -1
}

// youngestRunning returns the running slot started last; ties go to the
// higher slot index
func youngestRunning(c *WorkerClass) int {
	best := -1
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != SlotRunning {
			continue
		}
		if best < 0 || !s.startTime.Before(c.slots[best].startTime) {
			best = i
		}
	}
	return best
}

// runCircuitBreaker folds the connection window into the moving average every
// UpdateInterval, opens the breaker after too many failed starts and closes
// it once an instance has run for RuntimeSuccessInterval
func (pm *PoolManager) runCircuitBreaker(now time.Time) {
	if now.Sub(pm.lastUpdate) >= pm.cfg.UpdateInterval {
		pm.lastUpdate = now
		gain := pm.cfg.Gain
		pm.registry.each(func(c *WorkerClass) {
			c.smoothConnTime = int64((1-gain)*float64(c.smoothConnTime) + gain*float64(c.totalConnTime))
			c.totalConnTime = 0
			c.totalQueueTime = 0
		})
	}

	pm.registry.each(func(c *WorkerClass) {
		if !c.bad && c.numFailures > pm.cfg.MaxFailedStarts {
			c.bad = true
			pm.metrics.ClassBad(c.ID, true)
			pm.logger.Warn("class marked bad",
				"class", c.ID.Path,
				"error", ErrClassMarkedBad(c.ID, c.numFailures),
				"backoff", pm.cfg.FailedStartsDelay)
		}
		if c.numFailures == 0 && !c.bad {
			return
		}
		for i := range c.slots {
			s := &c.slots[i]
			if s.state == SlotRunning && now.Sub(s.startTime) >= pm.cfg.RuntimeSuccessInterval {
				if c.bad {
					pm.metrics.ClassBad(c.ID, false)
					pm.logger.Info("class recovered", "class", c.ID.Path)
				}
				c.bad = false
				c.numFailures = 0
				return
			}
		}
	})
}
