package procmgr

import (
	"os"
	"time"
)

// Directive says how a worker class came to exist
type Directive int

const (
	// DirectiveStatic - declared up front, always kept running
	DirectiveStatic Directive = iota
	// DirectiveExternal - started by someone else, only addressed here
	DirectiveExternal
	// DirectiveDynamic - created on first demand, scaled by load
	DirectiveDynamic
)

// String returns the string representation of a Directive
func (d Directive) String() string {
	switch d {
	case DirectiveStatic:
		return "static"
	case DirectiveExternal:
		return "external"
	case DirectiveDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (d Directive) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// SlotState is the lifecycle state of one process slot
type SlotState int

const (
	// SlotReady - empty, never used or released
	SlotReady SlotState = iota
	// SlotStart - scheduled to start, no process yet
	SlotStart
	// SlotRunning - a live process occupies the slot
	SlotRunning
	// SlotVictim - terminate sent, waiting for the exit
	SlotVictim
	// SlotKilled - exit collected after being a victim
	SlotKilled
)

// String returns the string representation of a SlotState
func (s SlotState) String() string {
	switch s {
	case SlotReady:
		return "Ready"
	case SlotStart:
		return "Start"
	case SlotRunning:
		return "Running"
	case SlotVictim:
		return "Victim"
	case SlotKilled:
		return "Killed"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// available reports whether a slot can be scheduled for a new start
func (s SlotState) available() bool {
	return s == SlotReady || s == SlotKilled
}

// ClassID identifies a worker class: the executable plus the identity it is
// invoked as. User and Group are empty when not set.
type ClassID struct {
	Path  string
	User  string
	Group string
}

// String returns the class identity for logs and metric labels
func (id ClassID) String() string {
	if id.User == "" && id.Group == "" {
		return id.Path
	}
	return id.Path + " (" + id.User + ":" + id.Group + ")"
}

// ClassSpec is the declared configuration of a worker class
type ClassSpec struct {
	ID        ClassID
	Directive Directive

	// Network is "unix" or "tcp"; Address is a socket path or host:port.
	Network string
	Address string

	Args []string
	Env  []string

	MaxInstances     int
	ListenQueueDepth int
	IdleTimeout      time.Duration
	ConnectTimeout   time.Duration

	// RestartDelay and InitStartDelay take the pool default when nil, so
	// a class can ask for no delay at all.
	RestartDelay   *time.Duration
	InitStartDelay *time.Duration
	KeepConnection bool
}

// ProcessSlot is one allowed concurrent instance of a class
type ProcessSlot struct {
	// pid > 0 is a live process, < 0 one that ran and exited, 0 never started
	pid       int
	state     SlotState
	startTime time.Time

	handle ProcessHandle
	// retryAt holds back a start after a failed spawn
	retryAt time.Time
	// restartPending sends the slot back to START when its victim exits
	restartPending bool
}

// Pid returns the slot's process id
func (s *ProcessSlot) Pid() int { return s.pid }

// State returns the slot's lifecycle state
func (s *ProcessSlot) State() SlotState { return s.state }

// StartTime returns when the current or last process was started
func (s *ProcessSlot) StartTime() time.Time { return s.startTime }

// WorkerClass is a class with its process table and load statistics.
// Only the pool manager loop mutates it.
type WorkerClass struct {
	ClassSpec

	slots []ProcessSlot

	listener   *os.File
	ownsSocket bool

	restartDelay   time.Duration
	initStartDelay time.Duration

	// restartTime is when a process of this class was last started, or when
	// the last exec attempt failed
	restartTime time.Time

	// connection statistics in microseconds
	totalConnTime  int64
	smoothConnTime int64
	totalQueueTime int64

	numFailures int
	bad         bool
}

func newWorkerClass(spec ClassSpec) *WorkerClass {
	c := &WorkerClass{
		ClassSpec: spec,
		slots:     make([]ProcessSlot, spec.MaxInstances),
	}
	if spec.RestartDelay != nil {
		c.restartDelay = *spec.RestartDelay
	}
	if spec.InitStartDelay != nil {
		c.initStartDelay = *spec.InitStartDelay
	}
	return c
}

// count returns how many slots are in the given state
func (c *WorkerClass) count(state SlotState) int {
	n := 0
	for i := range c.slots {
		if c.slots[i].state == state {
			n++
		}
	}
	return n
}

// live returns the number of slots holding a process
func (c *WorkerClass) live() int {
	return c.count(SlotRunning) + c.count(SlotVictim)
}

// firstAvailable returns the first slot that can be scheduled, or -1
func (c *WorkerClass) firstAvailable() int {
	for i := range c.slots {
		if c.slots[i].state.available() {
			return i
		}
	}
	return -1
}

// Slots returns a copy of the process table
func (c *WorkerClass) Slots() []ProcessSlot {
	out := make([]ProcessSlot, len(c.slots))
	copy(out, c.slots)
	return out
}

// NumFailures returns the count of unexpected exits since the last success
func (c *WorkerClass) NumFailures() int { return c.numFailures }

// Bad reports whether the circuit breaker is open for the class
func (c *WorkerClass) Bad() bool { return c.bad }

// SmoothConnTime returns the smoothed connection time in microseconds
func (c *WorkerClass) SmoothConnTime() int64 { return c.smoothConnTime }

// TotalConnTime returns connection time accumulated in the current window
func (c *WorkerClass) TotalConnTime() int64 { return c.totalConnTime }

// TotalQueueTime returns queue time accumulated in the current window
func (c *WorkerClass) TotalQueueTime() int64 { return c.totalQueueTime }
