package procmgr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClassFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "classes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadClassFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "app.fcgi"), []byte("#!/bin/sh\n"), 0o755))

	path := writeClassFile(t, dir, `
classes:
  - path: bin/app.fcgi
    user: www
    group: www
    address: run/app.sock
    instances: 3
    args: [--workers, "2"]
    env:
      B: two
      A: one
    restart_delay: 2s
    keep_connection: true
  - path: /srv/remote
    directive: external
    network: tcp
    address: 10.0.0.5:9000
`)

	cf, err := LoadClassFile(path)
	require.NoError(t, err)
	specs := cf.Specs()
	require.Len(t, specs, 2)

	app := specs[0]
	assert.Equal(t, ClassID{Path: filepath.Join(dir, "bin", "app.fcgi"), User: "www", Group: "www"}, app.ID)
	assert.Equal(t, DirectiveStatic, app.Directive)
	assert.Equal(t, filepath.Join(dir, "run", "app.sock"), app.Address)
	assert.Equal(t, 3, app.MaxInstances)
	assert.Equal(t, []string{"--workers", "2"}, app.Args)
	require.NotNil(t, app.RestartDelay)
	assert.Equal(t, 2*time.Second, *app.RestartDelay)
	assert.Nil(t, app.InitStartDelay, "unset delays take the pool default")
	assert.True(t, app.KeepConnection)
	require.GreaterOrEqual(t, len(app.Env), 2)
	assert.Equal(t, []string{"A=one", "B=two"}, app.Env[len(app.Env)-2:])

	remote := specs[1]
	assert.Equal(t, DirectiveExternal, remote.Directive)
	assert.Equal(t, "tcp", remote.Network)
	assert.Equal(t, "10.0.0.5:9000", remote.Address)
	assert.Nil(t, remote.Env)
}

func TestLoadClassFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(notExec, nil, 0o644))

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing path", "classes: [{address: /tmp/a.sock}]", "classes[0].path"},
		{"missing address", "classes: [{path: /srv/x, directive: external}]", "classes[0].address"},
		{"bad directive", "classes: [{path: /srv/x, address: a, directive: dynamic}]", "classes[0].directive"},
		{"bad network", "classes: [{path: /srv/x, address: a, directive: external, network: udp}]", "classes[0].network"},
		{"missing executable", "classes: [{path: nothing-here, address: a}]", "classes[0].path"},
		{"not executable", "classes: [{path: data.txt, address: a}]", "classes[0].path"},
		{"negative restart delay", "classes: [{path: /srv/x, address: a, directive: external, restart_delay: -1s}]", "classes[0].restart_delay"},
		{"duplicate", "classes: [{path: /srv/x, address: a, directive: external}, {path: /srv/x, address: b, directive: external}]", "classes[1].path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadClassFile(writeClassFile(t, dir, tt.body))
			require.Error(t, err)

			var pe *PoolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Context["field"])
		})
	}

	_, err := LoadClassFile(writeClassFile(t, dir, "classes: [[["))
	assert.ErrorContains(t, err, "parse class file")

	_, err = LoadClassFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read class file")
}

func TestLoadClassFile_ExplicitZeroDelays(t *testing.T) {
	dir := t.TempDir()
	path := writeClassFile(t, dir, `
classes:
  - path: /srv/remote
    directive: external
    address: /tmp/remote.sock
    restart_delay: 0s
    init_start_delay: 0s
`)
	cf, err := LoadClassFile(path)
	require.NoError(t, err)
	spec := cf.Specs()[0]
	require.NotNil(t, spec.RestartDelay)
	require.NotNil(t, spec.InitStartDelay)

	cfg := DefaultPoolConfig()
	spec = cfg.fillDefaults(spec)
	assert.Zero(t, *spec.RestartDelay)
	assert.Zero(t, *spec.InitStartDelay)
}
