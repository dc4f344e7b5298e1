package procmgr

// MetricsCollector defines the interface for collecting pool manager metrics
type MetricsCollector interface {
	// SlotStateTransition records a process slot changing state
	SlotStateTransition(class ClassID, from, to SlotState)

	// ProcessSpawned records a successful process start
	ProcessSpawned(class ClassID)

	// SpawnFailed records a failed start; reason is "bind" or "exec"
	SpawnFailed(class ClassID, reason string)

	// ProcessExited records a reaped process
	ProcessExited(class ClassID, expected bool)

	// VictimSelected records a kill policy decision
	VictimSelected(class ClassID)

	// LoadFactor records the load factor computed for a class
	LoadFactor(class ClassID, value float64)

	// ClassBad records the circuit breaker state of a class
	ClassBad(class ClassID, bad bool)

	// SignalReceived records a drained signal message
	SignalReceived(op Opcode)

	// RunningDynamic records the number of live dynamic processes
	RunningDynamic(n int)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) SlotStateTransition(class ClassID, from, to SlotState) {}
func (n *noopMetricsCollector) ProcessSpawned(class ClassID)                          {}
func (n *noopMetricsCollector) SpawnFailed(class ClassID, reason string)              {}
func (n *noopMetricsCollector) ProcessExited(class ClassID, expected bool)            {}
func (n *noopMetricsCollector) VictimSelected(class ClassID)                          {}
func (n *noopMetricsCollector) LoadFactor(class ClassID, value float64)               {}
func (n *noopMetricsCollector) ClassBad(class ClassID, bad bool)                      {}
func (n *noopMetricsCollector) SignalReceived(op Opcode)                              {}
func (n *noopMetricsCollector) RunningDynamic(count int)                              {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
