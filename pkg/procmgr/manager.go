//go:build unix

package procmgr

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// minWait keeps the loop from spinning when an event is already due
const minWait = 5 * time.Millisecond

// PoolManager starts, watches, restarts and load-adaptively kills worker
// processes. All class and slot state is mutated by one loop, either Run or
// direct Step calls; readers go through the WorkerRegistry.
type PoolManager struct {
	cfg      *PoolConfig
	registry *WorkerRegistry
	mailbox  *Mailbox
	spawner  Spawner
	metrics  MetricsCollector
	logger   *slog.Logger

	now     func() time.Time
	modTime func(path string) (time.Time, error)
	bind    func(network, address string, backlog int) (*os.File, error)

	onClass func(id ClassID)

	fatal   chan error
	pending []Message

	runningDynamic int
	lastKill       time.Time
	lastUpdate     time.Time
	parentPid      int
}

// NewPoolManager creates a pool manager for cfg
func NewPoolManager(cfg *PoolConfig, opts ...Option) (*PoolManager, error) {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pm := &PoolManager{
		cfg:     cfg,
		metrics: NewNoopMetricsCollector(),
		logger:  slog.Default(),
		now:     time.Now,
		modTime: fileModTime,
		bind:    bindListener,
		fatal:   make(chan error, 1),
	}

	for _, opt := range opts {
		opt(pm)
	}

	if pm.spawner == nil {
		pm.spawner = NewExecSpawner()
	}
	if pm.mailbox == nil {
		pm.mailbox = NewMailbox(cfg.MailboxSize)
	}
	if pm.registry == nil {
		pm.registry = NewWorkerRegistry(cfg.SocketDir, cfg.ConnectTimeout)
	}
	pm.logger = pm.logger.With("component", "pool-manager")

	start := pm.now()
	pm.lastKill = start
	pm.lastUpdate = start
	if cfg.WatchParent {
		pm.parentPid = unix.Getppid()
	}
	return pm, nil
}

func fileModTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// Registry returns the class directory shared with request handlers
func (pm *PoolManager) Registry() *WorkerRegistry {
	return pm.registry
}

// Mailbox returns the signal channel request handlers post to
func (pm *PoolManager) Mailbox() *Mailbox {
	return pm.mailbox
}

// Post queues a signal message for the loop
func (pm *PoolManager) Post(msg Message) error {
	return pm.mailbox.Post(msg)
}

// Fatal stops Run with err after an orderly shutdown
func (pm *PoolManager) Fatal(err error) {
	select {
	case pm.fatal <- err:
	default:
	}
}

// AddClass declares a static or external class. Static classes get every
// slot scheduled to start on the first loop pass.
func (pm *PoolManager) AddClass(spec ClassSpec) error {
	if spec.ID.Path == "" {
		return ErrInvalidConfiguration("path", spec.ID.Path, "class needs an executable path")
	}
	if spec.Directive == DirectiveDynamic {
		return ErrInvalidConfiguration("directive", spec.Directive.String(), "dynamic classes are created on demand")
	}
	if spec.Address == "" {
		return ErrInvalidConfiguration("address", spec.Address, "static and external classes need a listen address")
	}
	spec = pm.cfg.fillDefaults(spec)

	pm.registry.mu.Lock()
	defer pm.registry.mu.Unlock()

	if pm.registry.get(spec.ID) != nil {
		return ErrInvalidConfiguration("class", spec.ID.String(), "declared twice")
	}
	c := newWorkerClass(spec)
	if c.Directive == DirectiveStatic {
		for i := range c.slots {
			pm.setState(c, &c.slots[i], SlotStart)
		}
	}
	pm.registry.add(c)
	pm.observe(c.ID)
	pm.logger.Info("class declared",
		"class", c.ID.Path,
		"directive", c.Directive.String(),
		"address", c.Address,
		"instances", c.MaxInstances)
	return nil
}

func (pm *PoolManager) observe(id ClassID) {
	if pm.onClass != nil {
		pm.onClass(id)
	}
}

// Run drives the loop until ctx is done or a fatal error arrives, then shuts
// every process down. It returns the fatal error, if any.
func (pm *PoolManager) Run(ctx context.Context) error {
	pm.logger.Info("pool manager started",
		"max_processes", pm.cfg.MaxProcesses,
		"min_processes", pm.cfg.MinProcesses,
		"kill_interval", pm.cfg.KillInterval)

	timer := time.NewTimer(pm.cfg.MaxWait)
	defer timer.Stop()

	var runErr error
loop:
	for {
		next, err := pm.Step(pm.now())
		if err != nil {
			runErr = err
			break
		}

		wait := next.Sub(pm.now())
		if wait > pm.cfg.MaxWait {
			wait = pm.cfg.MaxWait
		}
		if wait < minWait {
			wait = minWait
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			break loop
		case err := <-pm.fatal:
			runErr = err
			break loop
		case msg := <-pm.mailbox.C():
			pm.pending = append(pm.pending, msg)
		case <-pm.spawner.Exited():
		case <-timer.C:
		}
	}

	if runErr != nil {
		pm.logger.Error("pool manager stopping on fatal error", "error", runErr)
	}
	pm.shutdown()
	return runErr
}

// Step runs one pass of the loop at now and returns when the next pass is
// due. The pass schedules starts, drains signals, runs the circuit breaker,
// collects exits and, when due, the kill policy.
func (pm *PoolManager) Step(now time.Time) (time.Time, error) {
	pm.registry.mu.Lock()
	defer pm.registry.mu.Unlock()

	pm.scheduleStarts(now)
	pm.drainSignals(now)
	pm.runCircuitBreaker(now)
	pm.collectExits(now)
	if now.Sub(pm.lastKill) >= pm.cfg.KillInterval ||
		pm.runningDynamic+pm.cfg.ProcessSlack >= pm.cfg.MaxProcesses {
		pm.runKillPolicy(now)
	}
	pm.metrics.RunningDynamic(pm.runningDynamic)

	if pm.cfg.WatchParent {
		if ppid := unix.Getppid(); ppid != pm.parentPid {
			return now, ErrParentLost(pm.parentPid, ppid)
		}
	}
	return pm.nextWake(now), nil
}

func (pm *PoolManager) setState(c *WorkerClass, s *ProcessSlot, to SlotState) {
	if s.state == to {
		return
	}
	pm.metrics.SlotStateTransition(c.ID, s.state, to)
	s.state = to
}

// startTime is the earliest moment a START slot may spawn
func (pm *PoolManager) startTime(c *WorkerClass, s *ProcessSlot) time.Time {
	delay := c.initStartDelay
	if s.pid < 0 {
		delay = c.restartDelay
	}
	if c.bad {
		delay = pm.cfg.FailedStartsDelay
	}
	t := c.restartTime.Add(delay)
	if s.retryAt.After(t) {
		t = s.retryAt
	}
	return t
}

func (pm *PoolManager) retryDelay(c *WorkerClass) time.Duration {
	return max(c.restartDelay, pm.cfg.MinExecRetryDelay)
}

func (pm *PoolManager) atProcessLimit(c *WorkerClass) bool {
	return c.Directive == DirectiveDynamic && pm.runningDynamic >= pm.cfg.MaxProcesses
}

func (pm *PoolManager) scheduleStarts(now time.Time) {
	pm.registry.each(func(c *WorkerClass) {
		if c.Directive == DirectiveExternal {
			return
		}
		for i := range c.slots {
			s := &c.slots[i]
			if s.state != SlotStart || s.pid > 0 {
				continue
			}
			if now.Before(pm.startTime(c, s)) || pm.atProcessLimit(c) {
				continue
			}
			pm.spawn(c, s, i, now)
		}
	})
}

func (pm *PoolManager) spawn(c *WorkerClass, s *ProcessSlot, slot int, now time.Time) {
	if c.listener == nil {
		f, err := pm.bind(c.Network, c.Address, c.ListenQueueDepth)
		if err != nil {
			pm.logger.Error("listen socket bind failed",
				"class", c.ID.Path,
				"error", ErrBindFailed(c.ID, c.Network, c.Address, err))
			pm.metrics.SpawnFailed(c.ID, "bind")
			s.pid = -1
			s.retryAt = now.Add(pm.retryDelay(c))
			return
		}
		c.listener = f
		c.ownsSocket = c.Network == "unix"
	}

	h, err := pm.spawner.Spawn(SpawnRequest{
		Class:    c.ID,
		Args:     c.Args,
		Env:      c.Env,
		Listener: c.listener,
		Wrapper:  pm.cfg.Wrapper,
	})
	if err != nil {
		c.numFailures++
		pm.logger.Error("process start failed",
			"class", c.ID.Path,
			"slot", slot,
			"failures", c.numFailures,
			"error", ErrSpawnFailed(c.ID, err))
		pm.metrics.SpawnFailed(c.ID, "exec")
		s.pid = -1
		s.retryAt = now.Add(pm.retryDelay(c))
		c.restartTime = now
		return
	}

	pm.setState(c, s, SlotRunning)
	s.pid = h.Pid()
	s.handle = h
	s.startTime = now
	c.restartTime = now
	if c.Directive == DirectiveDynamic {
		pm.runningDynamic++
	}
	pm.metrics.ProcessSpawned(c.ID)
	pm.logger.Info("process started", "class", c.ID.Path, "slot", slot, "pid", s.pid)
}

// scheduleOne moves the first free slot of c to START
func (pm *PoolManager) scheduleOne(c *WorkerClass) bool {
	i := c.firstAvailable()
	if i < 0 {
		return false
	}
	pm.setState(c, &c.slots[i], SlotStart)
	return true
}

func (pm *PoolManager) drainSignals(now time.Time) {
	for {
		select {
		case msg := <-pm.mailbox.C():
			pm.pending = append(pm.pending, msg)
			continue
		default:
		}
		break
	}
	for _, msg := range pm.pending {
		pm.handleMessage(msg, now)
	}
	clear(pm.pending)
	pm.pending = pm.pending[:0]
}

func (pm *PoolManager) handleMessage(msg Message, now time.Time) {
	pm.metrics.SignalReceived(msg.Op)
	c := pm.registry.get(msg.Class)

	switch msg.Op {
	case OpStart, OpRestart:
		if c == nil {
			if c = pm.createDynamic(msg.Class); c != nil {
				pm.scheduleOne(c)
			}
			return
		}
		if c.Directive == DirectiveExternal {
			return
		}
		if msg.Op == OpRestart {
			pm.restartClass(c)
		}
		if c.live()+c.count(SlotStart) == 0 {
			pm.scheduleOne(c)
		}

	case OpTimeout:
		pm.logger.Info("request timed out waiting for class", "class", msg.Class.Path)
		if c != nil && c.Directive == DirectiveDynamic && c.count(SlotStart) == 0 && !pm.atProcessLimit(c) {
			if pm.scheduleOne(c) {
				pm.logger.Info("scheduling another instance", "class", c.ID.Path)
			}
		}

	case OpComplete:
		if c == nil {
			return
		}
		c.totalConnTime += msg.RunMicros
		c.totalQueueTime += msg.QueueMicros
	}
}

func (pm *PoolManager) createDynamic(id ClassID) *WorkerClass {
	if pm.runningDynamic >= pm.cfg.MaxProcesses {
		pm.logger.Warn("not creating dynamic class, process limit reached",
			"class", id.Path, "max_processes", pm.cfg.MaxProcesses)
		return nil
	}
	c := newWorkerClass(pm.cfg.dynamicSpec(id))
	f, err := pm.bind(c.Network, c.Address, c.ListenQueueDepth)
	if err != nil {
		pm.logger.Error("listen socket bind failed",
			"class", id.Path,
			"error", ErrBindFailed(id, c.Network, c.Address, err))
		pm.metrics.SpawnFailed(id, "bind")
		return nil
	}
	c.listener = f
	c.ownsSocket = true
	pm.registry.add(c)
	pm.observe(id)
	pm.logger.Info("dynamic class created", "class", id.Path, "address", c.Address)
	return c
}

// restartClass terminates every instance older than the executable on disk.
// Their slots go back to START when the exit is collected.
func (pm *PoolManager) restartClass(c *WorkerClass) {
	mtime, err := pm.modTime(c.ID.Path)
	if err != nil {
		pm.logger.Warn("cannot stat executable for restart", "class", c.ID.Path, "error", err)
		return
	}
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != SlotRunning || !s.startTime.Before(mtime) {
			continue
		}
		if err := s.handle.Signal(SignalTerminate); err != nil {
			pm.logger.Warn("terminate failed", "class", c.ID.Path, "pid", s.pid, "error", err)
		}
		pm.setState(c, s, SlotVictim)
		s.restartPending = true
		pm.logger.Info("restarting stale instance", "class", c.ID.Path, "pid", s.pid)
	}
}

func (pm *PoolManager) collectExits(now time.Time) {
	pm.registry.each(func(c *WorkerClass) {
		for i := range c.slots {
			s := &c.slots[i]
			if s.handle == nil {
				continue
			}
			status, done := s.handle.TryWait()
			if !done {
				continue
			}
			pid := s.pid
			s.pid = -1
			s.handle = nil
			if c.Directive == DirectiveDynamic {
				pm.runningDynamic--
			}

			switch {
			case s.restartPending:
				s.restartPending = false
				pm.metrics.ProcessExited(c.ID, true)
				pm.setState(c, s, SlotStart)
				pm.logger.Info("stale instance exited, starting replacement", "class", c.ID.Path, "pid", pid)

			case s.state == SlotVictim:
				pm.metrics.ProcessExited(c.ID, true)
				pm.setState(c, s, SlotKilled)
				pm.logger.Info("victim exited", "class", c.ID.Path, "pid", pid, "status", status.String())

			default:
				c.numFailures++
				pm.metrics.ProcessExited(c.ID, false)
				pm.logger.Warn("process exited unexpectedly",
					"class", c.ID.Path,
					"failures", c.numFailures,
					"error", ErrProcessCrashed(c.ID, pid, status))
				pm.setState(c, s, pm.afterCrash(c))
			}
		}
	})
}

// afterCrash decides where a slot goes after an unexpected exit. It runs
// while the crashed slot still counts as running.
func (pm *PoolManager) afterCrash(c *WorkerClass) SlotState {
	switch c.Directive {
	case DirectiveStatic:
		return SlotStart
	case DirectiveDynamic:
		others := c.count(SlotRunning) - 1
		if pm.cfg.AutoRestart || (others == 0 && pm.cfg.SingleInstanceThreshold == 0) {
			return SlotStart
		}
	}
	return SlotReady
}

func (pm *PoolManager) nextWake(now time.Time) time.Time {
	next := now.Add(pm.cfg.MaxWait)
	consider := func(t time.Time) {
		if t.Before(next) {
			next = t
		}
	}
	consider(pm.lastKill.Add(pm.cfg.KillInterval))
	consider(pm.lastUpdate.Add(pm.cfg.UpdateInterval))
	pm.registry.each(func(c *WorkerClass) {
		for i := range c.slots {
			s := &c.slots[i]
			switch {
			case s.state == SlotStart && s.pid <= 0 && !pm.atProcessLimit(c) && c.Directive != DirectiveExternal:
				consider(pm.startTime(c, s))
			case s.state == SlotRunning && (c.numFailures > 0 || c.bad):
				consider(s.startTime.Add(pm.cfg.RuntimeSuccessInterval))
			}
		}
	})
	return next
}

// shutdown terminates every process group, waits out the grace period,
// kills what is left and removes owned sockets
func (pm *PoolManager) shutdown() {
	pm.mailbox.Close()

	pm.registry.mu.Lock()
	pm.signalAll(SignalTerminate)
	pm.registry.mu.Unlock()

	grace := time.NewTimer(pm.cfg.ShutdownGrace)
	defer grace.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

wait:
	for pm.reapAll() > 0 {
		select {
		case <-pm.spawner.Exited():
		case <-tick.C:
		case <-grace.C:
			pm.registry.mu.Lock()
			n := pm.signalAll(SignalKill)
			pm.registry.mu.Unlock()
			pm.logger.Warn("killed processes that ignored terminate", "count", n)
			break wait
		}
	}

	pm.registry.mu.Lock()
	defer pm.registry.mu.Unlock()
	pm.registry.each(func(c *WorkerClass) {
		if c.listener != nil {
			c.listener.Close()
			c.listener = nil
		}
		if c.ownsSocket {
			if err := os.Remove(c.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
				pm.logger.Warn("cannot remove socket", "class", c.ID.Path, "path", c.Address, "error", err)
			}
		}
	})
	pm.logger.Info("pool manager shutdown complete")
}

func (pm *PoolManager) signalAll(kind SignalKind) int {
	n := 0
	pm.registry.each(func(c *WorkerClass) {
		for i := range c.slots {
			s := &c.slots[i]
			if s.handle == nil {
				continue
			}
			if err := s.handle.Signal(kind); err != nil {
				pm.logger.Warn("signal failed", "class", c.ID.Path, "pid", s.pid, "error", err)
			}
			n++
		}
	})
	return n
}

// reapAll collects exits during shutdown and returns how many remain
func (pm *PoolManager) reapAll() int {
	pm.registry.mu.Lock()
	defer pm.registry.mu.Unlock()
	remaining := 0
	pm.registry.each(func(c *WorkerClass) {
		for i := range c.slots {
			s := &c.slots[i]
			if s.handle == nil {
				continue
			}
			if _, done := s.handle.TryWait(); !done {
				remaining++
				continue
			}
			if c.Directive == DirectiveDynamic {
				pm.runningDynamic--
			}
			s.handle = nil
			s.pid = -1
			pm.setState(c, s, SlotKilled)
		}
	})
	return remaining
}

// HealthCheck represents the health status of the pool manager
type HealthCheck struct {
	TotalClasses     int                    `json:"total_classes"`
	RunningProcesses int                    `json:"running_processes"`
	RunningDynamic   int                    `json:"running_dynamic"`
	BadClasses       int                    `json:"bad_classes"`
	PendingSignals   int                    `json:"pending_signals"`
	Classes          map[string]ClassHealth `json:"classes"`
}

// ClassHealth represents the health status of one class
type ClassHealth struct {
	Directive      Directive    `json:"directive"`
	Address        string       `json:"address"`
	Running        int          `json:"running"`
	Starting       int          `json:"starting"`
	Victims        int          `json:"victims"`
	NumFailures    int          `json:"num_failures"`
	Bad            bool         `json:"bad"`
	SmoothConnTime int64        `json:"smooth_conn_time_us"`
	Slots          []SlotHealth `json:"slots"`
}

// SlotHealth represents one process slot
type SlotHealth struct {
	State  SlotState     `json:"state"`
	Pid    int           `json:"pid"`
	Uptime time.Duration `json:"uptime_ns"`
}

// Health returns the current health status of the pool manager
func (pm *PoolManager) Health() HealthCheck {
	pm.registry.mu.RLock()
	defer pm.registry.mu.RUnlock()

	now := pm.now()
	health := HealthCheck{
		Classes:        make(map[string]ClassHealth),
		RunningDynamic: pm.runningDynamic,
		PendingSignals: pm.mailbox.Len(),
	}

	pm.registry.each(func(c *WorkerClass) {
		health.TotalClasses++
		ch := ClassHealth{
			Directive:      c.Directive,
			Address:        c.Address,
			Running:        c.count(SlotRunning),
			Starting:       c.count(SlotStart),
			Victims:        c.count(SlotVictim),
			NumFailures:    c.numFailures,
			Bad:            c.bad,
			SmoothConnTime: c.smoothConnTime,
		}
		for i := range c.slots {
			s := &c.slots[i]
			sh := SlotHealth{State: s.state, Pid: s.pid}
			if s.state == SlotRunning || s.state == SlotVictim {
				sh.Uptime = now.Sub(s.startTime)
			}
			ch.Slots = append(ch.Slots, sh)
		}
		health.RunningProcesses += ch.Running
		if c.bad {
			health.BadClasses++
		}
		health.Classes[c.ID.String()] = ch
	})
	return health
}
