package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/prism-fcgi/pkg/fcgi"
	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "class", "/srv/app")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "/srv/app", line["class"])

	_, err = newLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	r, err := parseRole("Authorizer")
	require.NoError(t, err)
	assert.Equal(t, fcgi.RoleAuthorizer, r)

	r, err = parseRole("")
	require.NoError(t, err)
	assert.Equal(t, fcgi.RoleResponder, r)

	_, err = parseRole("proxy")
	assert.Error(t, err)
}

func TestLoadPoolConfig(t *testing.T) {
	viper.Set("pool.max_processes", 7)
	viper.Set("pool.min_processes", 2)
	viper.Set("pool.kill_interval", "45s")
	viper.Set("pool.wrapper", []string{"/usr/sbin/suexec"})
	t.Cleanup(func() {
		d := procmgr.DefaultPoolConfig()
		viper.Set("pool.max_processes", d.MaxProcesses)
		viper.Set("pool.min_processes", d.MinProcesses)
		viper.Set("pool.kill_interval", d.KillInterval)
		viper.Set("pool.wrapper", d.Wrapper)
	})

	cfg, err := loadPoolConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxProcesses)
	assert.Equal(t, 2, cfg.MinProcesses)
	assert.Equal(t, 45*time.Second, cfg.KillInterval)
	assert.Equal(t, []string{"/usr/sbin/suexec"}, cfg.Wrapper)
	// untouched keys keep the stock values
	assert.Equal(t, procmgr.DefaultPoolConfig().RestartDelay, cfg.RestartDelay)
	assert.Equal(t, procmgr.DefaultPoolConfig().MailboxSize, cfg.MailboxSize)

	viper.Set("pool.min_processes", 100)
	_, err = loadPoolConfig()
	assert.Error(t, err)
}

func TestLoadPoolConfig_Environment(t *testing.T) {
	bindEnv()
	t.Setenv("FCGI_PM_POOL_MAX_WAIT", "250ms")
	t.Setenv("FCGI_PM_POOL_RUNTIME_SUCCESS_INTERVAL", "1m")
	t.Setenv("FCGI_PM_POOL_MIN_EXEC_RETRY_DELAY", "3s")
	t.Setenv("FCGI_PM_POOL_LISTEN_QUEUE_DEPTH", "16")
	t.Setenv("FCGI_PM_POOL_IDLE_TIMEOUT", "90s")
	t.Setenv("FCGI_PM_POOL_MAILBOX_SIZE", "64")

	cfg, err := loadPoolConfig()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.MaxWait)
	assert.Equal(t, time.Minute, cfg.RuntimeSuccessInterval)
	assert.Equal(t, 3*time.Second, cfg.MinExecRetryDelay)
	assert.Equal(t, 16, cfg.ListenQueueDepth)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 64, cfg.MailboxSize)
}

type fakePool struct {
	mu     sync.Mutex
	health procmgr.HealthCheck
	posted []procmgr.Message
	err    error
}

func (p *fakePool) Health() procmgr.HealthCheck { return p.health }

func (p *fakePool) Post(msg procmgr.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.posted = append(p.posted, msg)
	return nil
}

func newTestAdmin(pool *fakePool) *AdminServer {
	return NewAdminServer("127.0.0.1:0", pool, prometheus.NewRegistry(), slog.New(slog.DiscardHandler))
}

func serve(as *AdminServer, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	as.router.ServeHTTP(w, req)
	return w
}

func TestAdminServer_Health(t *testing.T) {
	pool := &fakePool{health: procmgr.HealthCheck{
		TotalClasses: 1,
		Classes: map[string]procmgr.ClassHealth{
			"/srv/app": {
				Directive: procmgr.DirectiveDynamic,
				Running:   1,
				Slots:     []procmgr.SlotHealth{{State: procmgr.SlotRunning, Pid: 42}},
			},
		},
	}}
	as := newTestAdmin(pool)

	w := serve(as, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"directive":"dynamic"`)
	assert.Contains(t, w.Body.String(), `"state":"Running"`)

	w = serve(as, http.MethodGet, "/classes/srv/app", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pid":42`)

	w = serve(as, http.MethodGet, "/classes/srv/other", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	pool.health.BadClasses = 1
	w = serve(as, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminServer_Signal(t *testing.T) {
	pool := &fakePool{}
	as := newTestAdmin(pool)

	w := serve(as, http.MethodPost, "/signal", `{"op":"complete","path":"/srv/app","queue_us":10,"run_us":2000}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, pool.posted, 1)
	assert.Equal(t, procmgr.Message{
		Op:          procmgr.OpComplete,
		Class:       procmgr.ClassID{Path: "/srv/app"},
		QueueMicros: 10,
		RunMicros:   2000,
	}, pool.posted[0])

	for _, body := range []string{
		`{"op":"stop","path":"/srv/app"}`,
		`{"op":"start"}`,
		`{"op":"start","path":"/srv/has space"}`,
		`not json`,
	} {
		w = serve(as, http.MethodPost, "/signal", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	pool.err = procmgr.ErrMailboxFull
	w = serve(as, http.MethodPost, "/signal", `{"op":"S","path":"/srv/app"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Len(t, pool.posted, 1)
}

func TestAdminServer_Metrics(t *testing.T) {
	metrics := procmgr.NewPrometheusMetricsCollector("fcgi_pm")
	metrics.ProcessSpawned(procmgr.ClassID{Path: "/srv/app"})
	as := NewAdminServer("127.0.0.1:0", &fakePool{}, metrics.Registry(), slog.New(slog.DiscardHandler))

	w := serve(as, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fcgi_pm_")
	assert.Contains(t, w.Body.String(), `/srv/app`)
}
