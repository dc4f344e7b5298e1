package procmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecWatcher_PostsRestart(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "handler.fcgi")
	require.NoError(t, os.WriteFile(exe, []byte("v1"), 0o755))
	other := filepath.Join(dir, "unrelated")

	mb := NewMailbox(16)
	w, err := NewExecWatcher(mb, 50*time.Millisecond, testLogger())
	require.NoError(t, err)
	defer w.Close()

	id := ClassID{Path: exe, User: "www"}
	require.NoError(t, w.Watch(id))
	require.NoError(t, w.Watch(id))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// A burst of writes is one restart; unrelated files are ignored
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(exe, []byte("v2"), 0o755))
		require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	}

	select {
	case msg := <-mb.C():
		assert.Equal(t, Message{Op: OpRestart, Class: id}, msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no restart posted")
	}

	select {
	case msg := <-mb.C():
		t.Fatalf("unexpected second message %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestExecWatcher_RenameIntoPlace(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "handler.fcgi")
	require.NoError(t, os.WriteFile(exe, []byte("v1"), 0o755))

	mb := NewMailbox(16)
	w, err := NewExecWatcher(mb, 20*time.Millisecond, testLogger())
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Watch(ClassID{Path: exe}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	staged := filepath.Join(dir, ".handler.fcgi.new")
	require.NoError(t, os.WriteFile(staged, []byte("v2"), 0o755))
	require.NoError(t, os.Rename(staged, exe))

	require.Eventually(t, func() bool { return mb.Len() > 0 }, 3*time.Second, 10*time.Millisecond)
	msg := <-mb.C()
	assert.Equal(t, OpRestart, msg.Op)
}

func TestExecWatcher_MissingDirectory(t *testing.T) {
	w, err := NewExecWatcher(NewMailbox(1), time.Millisecond, testLogger())
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.Watch(ClassID{Path: "/nonexistent/dir/handler"}))
}
