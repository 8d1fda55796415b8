package proc_test

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/warelay/internal/agent/proc"
	"github.com/gosuda/warelay/internal/metrics"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func TestRun_CapturesOutput(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	go func() {
		p := spawner.proc(t, 0)
		p.emit(t, `{"type":"result","result":"ok"}`)
		p.emitStderr(t, "warning: slow\n")
		p.exitWith(2)
	}()

	res, err := proc.Run(context.Background(), []string{"claude", "-p", "hi"}, "/w", time.Second, proc.RunWithSpawner(spawner))

	require.NoError(t, err)
	assert.Equal(t, `{"type":"result","result":"ok"}`+"\n", res.Stdout)
	assert.Equal(t, "warning: slow\n", res.Stderr)
	assert.Equal(t, 2, res.Code)
	assert.False(t, res.Killed)
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{}
	go func() {
		p := spawner.proc(t, 0)
		p.emit(t, "partial")
	}()

	res, err := proc.Run(context.Background(), []string{"codex", "exec", "hi"}, "", 100*time.Millisecond, proc.RunWithSpawner(spawner))

	require.ErrorIs(t, err, proc.ErrTimeout)
	assert.True(t, res.Killed)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, int32(1), spawner.proc(t, 0).kills.Load())
}

func TestRun_SpawnFailure(t *testing.T) {
	t.Parallel()

	_, err := proc.Run(context.Background(), []string{"pi"}, "", time.Second, proc.RunWithSpawner(&fakeSpawner{err: errSpawn}))

	require.ErrorIs(t, err, errSpawn)

	_, err = proc.Run(context.Background(), nil, "", time.Second)
	require.ErrorIs(t, err, proc.ErrEmptyCommand)
}

func TestRun_CancelIsNotTimeout(t *testing.T) {
	t.Parallel()

	const command = "claude-cancel-count"
	spawner := &fakeSpawner{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := proc.Run(ctx, []string{command, "-p", "hi"}, "", time.Minute, proc.RunWithSpawner(spawner))

	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, proc.ErrTimeout)
	assert.True(t, res.Killed)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.TurnsTotal.WithLabelValues(command, metrics.OutcomeCancelled)), 0.001)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.TurnsTotal.WithLabelValues(command, metrics.OutcomeTimeout)), 0.001)
}

func TestRun_TimeoutKillsChildShellTree(t *testing.T) {
	t.Parallel()
	requireShell(t)

	start := time.Now()
	res, err := proc.Run(context.Background(), []string{"sh", "-c", "echo started; sleep 3; echo done"}, "", 100*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, proc.ErrTimeout)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, res.Killed)
	assert.Equal(t, "started\n", res.Stdout)
	assert.NotContains(t, res.Stdout, "done")
}

func TestRun_BackgroundChildDoesNotHoldResult(t *testing.T) {
	t.Parallel()
	requireShell(t)

	start := time.Now()
	res, err := proc.Run(context.Background(), []string{"sh", "-c", "sleep 3 & echo hi; exit 4"}, "", 10*time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 4, res.Code)
	assert.False(t, res.Killed)
}
