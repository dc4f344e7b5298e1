//go:build unix

// Package pooltest runs a real pool manager in integration tests. The test
// binary itself is re-executed as the application process, so no worker
// binary has to be built.
package pooltest

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrepp/prism-fcgi/pkg/fcgi"
	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

// WorkerEnv marks a re-executed test binary as an application process
const WorkerEnv = "POOLTEST_WORKER"

// RunWorkerIfRequested serves h on the inherited listener and exits when the
// process was started as a worker. Call it first thing in TestMain.
func RunWorkerIfRequested(h fcgi.Handler) {
	if os.Getenv(WorkerEnv) == "" {
		return
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("worker", os.Getpid())
	l, err := fcgi.ListenerFromStdin()
	if err != nil {
		logger.Error("worker started without a listener", "error", err)
		os.Exit(3)
	}
	srv := &fcgi.Server{Handler: h, Logger: logger}
	if err := srv.Serve(l); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Config returns a pool configuration with delays short enough for tests and
// a socket directory removed at cleanup
func Config(t testing.TB) *procmgr.PoolConfig {
	t.Helper()
	// os.MkdirTemp keeps socket paths under the sun_path limit
	dir, err := os.MkdirTemp("", "pool")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := procmgr.DefaultPoolConfig()
	cfg.SocketDir = dir
	cfg.InitStartDelay = 10 * time.Millisecond
	cfg.RestartDelay = 50 * time.Millisecond
	cfg.MinExecRetryDelay = 50 * time.Millisecond
	cfg.MaxWait = 50 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

// Worker returns a class identity whose executable is the running test
// binary, and marks the environment spawned processes inherit
func Worker(t testing.TB) procmgr.ClassID {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(WorkerEnv, "1")
	return procmgr.ClassID{Path: exe}
}

// Pool is a pool manager running its loop in the background
type Pool struct {
	*procmgr.PoolManager
	Config *procmgr.PoolConfig

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

// Start runs a pool manager for cfg until the test ends
func Start(t testing.TB, cfg *procmgr.PoolConfig, opts ...procmgr.Option) *Pool {
	t.Helper()
	pm, err := procmgr.NewPoolManager(cfg, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		PoolManager: pm,
		Config:      cfg,
		cancel:      cancel,
		done:        make(chan error, 1),
	}
	go func() {
		p.done <- pm.Run(ctx)
	}()
	t.Cleanup(func() { p.Stop() })
	return p
}

// Stop shuts the pool down and returns what Run returned. It is safe to call
// more than once.
func (p *Pool) Stop() error {
	p.once.Do(func() {
		p.cancel()
		p.err = <-p.done
	})
	return p.err
}

// Running returns the pids of the RUNNING slots of id
func (p *Pool) Running(id procmgr.ClassID) []int {
	var pids []int
	for _, s := range p.Health().Classes[id.String()].Slots {
		if s.State == procmgr.SlotRunning {
			pids = append(pids, s.Pid)
		}
	}
	return pids
}

// WaitRunning waits until id has exactly n running instances and returns
// their pids
func (p *Pool) WaitRunning(t testing.TB, id procmgr.ClassID, n int) []int {
	t.Helper()
	var pids []int
	require.Eventually(t, func() bool {
		pids = p.Running(id)
		return len(pids) == n
	}, 10*time.Second, 20*time.Millisecond, "class %s never reached %d running", id, n)
	return pids
}

// Alive reports whether a process with pid exists
func Alive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

// Crash kills pid the way an unexpected failure would
func Crash(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
