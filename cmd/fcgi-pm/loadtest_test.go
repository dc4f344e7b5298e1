package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/jrepp/prism-fcgi/pkg/fcgi"
	"github.com/jrepp/prism-fcgi/pkg/gateway"
	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

func TestLatencyStats_Percentiles(t *testing.T) {
	s := newLatencyStats(time.Unix(0, 0))
	for i := 0; i < 90; i++ {
		s.success(80*time.Microsecond, 0, 10)
	}
	for i := 0; i < 9; i++ {
		s.success(3*time.Millisecond, 0, 11)
	}
	s.success(2*time.Second, time.Millisecond, 11)
	s.failure()

	assert.Equal(t, 100*time.Microsecond, s.percentile(50))
	assert.Equal(t, 5*time.Millisecond, s.percentile(95))
	assert.Equal(t, 5*time.Millisecond, s.percentile(99))
	assert.Equal(t, time.Second, s.percentile(100))

	var buf bytes.Buffer
	s.report(&buf, time.Unix(10, 0))
	out := buf.String()
	assert.Contains(t, out, "Total Requests:  101")
	assert.Contains(t, out, "Failed:          1")
	assert.Contains(t, out, "Processes:       2")
	assert.Contains(t, out, "90 requests")
}

func TestLatencyStats_Empty(t *testing.T) {
	s := newLatencyStats(time.Now())
	assert.Zero(t, s.percentile(50))

	var buf bytes.Buffer
	s.report(&buf, time.Now())
	assert.NotContains(t, buf.String(), "Latency:")
}

func TestLoadRun(t *testing.T) {
	dir, err := os.MkdirTemp("", "lt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	id := procmgr.ClassID{Path: "/srv/echo"}
	path := procmgr.DynamicSocketPath(dir, id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	srv := &fcgi.Server{
		Logger: slog.New(slog.DiscardHandler),
		Handler: fcgi.HandlerFunc(func(req *fcgi.Request, stdin io.Reader, stdout, stderr io.Writer) uint32 {
			io.Copy(io.Discard, stdin)
			fmt.Fprintf(stdout, "X-Echo-Pid: %d\r\n\r\nok", os.Getpid())
			return 0
		}),
	}
	go srv.Serve(l)

	mb := procmgr.NewMailbox(1024)
	run := &loadRun{
		gw:          gateway.New(procmgr.NewWorkerRegistry(dir, time.Second), mb, gateway.WithLogger(slog.New(slog.DiscardHandler))),
		class:       id,
		body:        "payload",
		pidHeader:   "X-Echo-Pid",
		limiter:     rate.NewLimiter(200, 1),
		concurrency: 4,
		stats:       newLatencyStats(time.Now()),
		logger:      slog.New(slog.DiscardHandler),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var progress bytes.Buffer
	run.Run(ctx, &progress, 0)

	assert.Greater(t, run.stats.ok, int64(10))
	assert.Zero(t, run.stats.failed)
	assert.Equal(t, map[int]int64{os.Getpid(): run.stats.ok}, run.stats.served)

	// every request reported its timings
	completes := 0
	for mb.Len() > 0 {
		if msg := <-mb.C(); msg.Op == procmgr.OpComplete {
			completes++
		}
	}
	assert.Equal(t, int(run.stats.ok), completes)
}
