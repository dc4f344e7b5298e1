package procmgr

import (
	"sync"
	"time"
)

// Endpoint is what a request handling context needs to reach a class
type Endpoint struct {
	Class          ClassID
	Directive      Directive
	Network        string
	Address        string
	ConnectTimeout time.Duration
	// IdleTimeout bounds application silence during a request. It is zero
	// for a class that does not exist yet.
	IdleTimeout    time.Duration
	KeepConnection bool
	// Known is false for a class the manager has not created yet; the
	// address is then the one it will use.
	Known   bool
	Running int
	Bad     bool
}

// WorkerRegistry is the directory of worker classes. The pool manager loop
// is the only writer; request handling contexts read endpoints concurrently.
type WorkerRegistry struct {
	mu      sync.RWMutex
	classes map[ClassID]*WorkerClass
	order   []ClassID

	socketDir      string
	connectTimeout time.Duration
}

// NewWorkerRegistry creates an empty registry. Dynamic class addresses are
// derived under socketDir.
func NewWorkerRegistry(socketDir string, connectTimeout time.Duration) *WorkerRegistry {
	return &WorkerRegistry{
		classes:        make(map[ClassID]*WorkerClass),
		socketDir:      socketDir,
		connectTimeout: connectTimeout,
	}
}

// Lookup returns the endpoint of a known class
func (r *WorkerRegistry) Lookup(id ClassID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[id]
	if !ok {
		return Endpoint{}, false
	}
	return endpointOf(c), true
}

// Resolve returns the endpoint of id, deriving the dynamic address when the
// class does not exist yet
func (r *WorkerRegistry) Resolve(id ClassID) Endpoint {
	if ep, ok := r.Lookup(id); ok {
		return ep
	}
	return Endpoint{
		Class:          id,
		Directive:      DirectiveDynamic,
		Network:        "unix",
		Address:        DynamicSocketPath(r.socketDir, id),
		ConnectTimeout: r.connectTimeout,
	}
}

// Classes returns the known class identities in creation order
func (r *WorkerRegistry) Classes() []ClassID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClassID, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of known classes
func (r *WorkerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func endpointOf(c *WorkerClass) Endpoint {
	return Endpoint{
		Class:          c.ID,
		Directive:      c.Directive,
		Network:        c.Network,
		Address:        c.Address,
		ConnectTimeout: c.ConnectTimeout,
		IdleTimeout:    c.IdleTimeout,
		KeepConnection: c.KeepConnection,
		Known:          true,
		Running:        c.count(SlotRunning),
		Bad:            c.bad,
	}
}

// The methods below are for the manager loop, which holds mu for writing.

func (r *WorkerRegistry) get(id ClassID) *WorkerClass {
	return r.classes[id]
}

func (r *WorkerRegistry) add(c *WorkerClass) {
	r.classes[c.ID] = c
	r.order = append(r.order, c.ID)
}

func (r *WorkerRegistry) each(fn func(c *WorkerClass)) {
	for _, id := range r.order {
		fn(r.classes[id])
	}
}
