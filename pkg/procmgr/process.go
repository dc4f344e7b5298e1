//go:build unix

package procmgr

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalKind is the signal the manager sends a process group
type SignalKind int

const (
	// SignalTerminate asks the process group to exit
	SignalTerminate SignalKind = iota
	// SignalKill forces the process group to exit
	SignalKill
)

func (k SignalKind) signal() syscall.Signal {
	if k == SignalKill {
		return unix.SIGKILL
	}
	return unix.SIGTERM
}

// ExitStatus describes how a process ended
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
	Err      error
}

// String returns a short description for logs
func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return "wait failed: " + s.Err.Error()
	case s.Signaled:
		return "signal " + s.Signal.String()
	default:
		return fmt.Sprintf("exit %d", s.Code)
	}
}

// ProcessHandle is a started process as seen by the manager loop
type ProcessHandle interface {
	// Pid returns the process id, which is also its process group id
	Pid() int
	// Signal sends kind to the process group
	Signal(kind SignalKind) error
	// TryWait returns the exit status once the process has ended
	TryWait() (ExitStatus, bool)
}

// SpawnRequest is everything needed to start one worker process
type SpawnRequest struct {
	Class ClassID
	Args  []string
	Env   []string
	// Listener becomes descriptor 0 of the child
	Listener *os.File
	// Wrapper, when set, runs the executable through a privilege helper
	Wrapper []string
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(req SpawnRequest) (ProcessHandle, error)
	// Exited is signalled, coalesced, whenever a spawned process ends
	Exited() <-chan struct{}
}

// ExecSpawner starts workers with os/exec, each in its own process group
type ExecSpawner struct {
	exited chan struct{}
}

// NewExecSpawner creates the os/exec backed spawner
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{exited: make(chan struct{}, 1)}
}

// Exited implements Spawner
func (s *ExecSpawner) Exited() <-chan struct{} {
	return s.exited
}

// Spawn implements Spawner
func (s *ExecSpawner) Spawn(req SpawnRequest) (ProcessHandle, error) {
	// A wrapper is invoked as: wrapper... user group path args...
	argv := []string{req.Class.Path}
	if len(req.Wrapper) > 0 {
		argv = append(append([]string{}, req.Wrapper...),
			orEmpty(req.Class.User), orEmpty(req.Class.Group), req.Class.Path)
	}
	argv = append(argv, req.Args...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = req.Env
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if req.Listener != nil {
		cmd.Stdin = req.Listener
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &execHandle{pid: cmd.Process.Pid}
	go func() {
		err := cmd.Wait()
		h.finish(err, cmd.ProcessState)
		select {
		case s.exited <- struct{}{}:
		default:
		}
	}()
	return h, nil
}

type execHandle struct {
	pid int

	mu     sync.Mutex
	done   bool
	status ExitStatus
}

func (h *execHandle) Pid() int { return h.pid }

func (h *execHandle) Signal(kind SignalKind) error {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done {
		return nil
	}
	err := unix.Kill(-h.pid, kind.signal())
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (h *execHandle) TryWait() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.done
}

func (h *execHandle) finish(err error, state *os.ProcessState) {
	var st ExitStatus
	if state != nil {
		st.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signaled = true
			st.Signal = ws.Signal()
		}
	} else if err != nil {
		st.Err = err
	}
	h.mu.Lock()
	h.done = true
	h.status = st
	h.mu.Unlock()
}
