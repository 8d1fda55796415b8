package proc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/warelay/internal/metrics"
)

// RunOption configures Run.
type RunOption func(*runConfig)

type runConfig struct {
	spawner Spawner
}

// RunWithSpawner replaces the os/exec spawner for a one-shot run.
func RunWithSpawner(s Spawner) RunOption {
	return func(cfg *runConfig) {
		if s != nil {
			cfg.spawner = s
		}
	}
}

// Run executes argv once in cwd and captures its output. A non-zero exit is
// reported in the result, not as an error. On timeout or cancellation the
// process is killed and the partial output is returned with the error.
func Run(ctx context.Context, argv []string, cwd string, timeout time.Duration, opts ...RunOption) (Result, error) {
	cfg := runConfig{spawner: ExecSpawner{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("proc.Run: %w", ErrEmptyCommand)
	}

	command := commandName(argv)
	proc, err := cfg.spawner.Spawn(argv, cwd)
	if err != nil {
		metrics.RecordTurn(command, metrics.OutcomeError, 0)
		return Result{}, fmt.Errorf("proc.Run: spawn %s: %w", command, err)
	}
	metrics.RecordSpawn(command)
	_ = proc.Stdin().Close() // one-shot agents take the prompt from argv

	start := time.Now()

	var (
		stdout, stderr syncBuffer
		readers        sync.WaitGroup
	)
	readers.Go(func() { _, _ = io.Copy(&stdout, proc.Stdout()) })
	readers.Go(func() { _, _ = io.Copy(&stderr, proc.Stderr()) })

	exited := make(chan ExitStatus, 1)
	go func() {
		status := proc.Wait()
		readers.Wait()
		exited <- status
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case status := <-exited:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Code: status.Code, Signal: status.Signal}
		metrics.RecordTurn(command, metrics.OutcomeOK, time.Since(start))
		log.Debug().Str("command", command).Int("code", status.Code).Dur("elapsed", time.Since(start)).Msg("proc.Run: finished")
		return res, nil

	case <-deadline:
		res := killAndCollect(proc, exited, &stdout, &stderr)
		elapsed := time.Since(start)
		metrics.RecordTurn(command, metrics.OutcomeTimeout, elapsed)
		log.Warn().Str("command", command).Dur("elapsed", elapsed).Msg("proc.Run: timed out, process killed")
		return res, &TimeoutError{Elapsed: elapsed}

	case <-ctx.Done():
		res := killAndCollect(proc, exited, &stdout, &stderr)
		metrics.RecordTurn(command, metrics.OutcomeCancelled, time.Since(start))
		return res, fmt.Errorf("proc.Run: %w", ctx.Err())
	}
}

// killGrace bounds how long a killed process may take to report its exit.
const killGrace = 2 * time.Second

// killAndCollect kills proc and waits up to killGrace for it to exit. The
// buffers hold whatever output arrived until then.
func killAndCollect(proc Process, exited <-chan ExitStatus, stdout, stderr *syncBuffer) Result {
	if err := proc.Kill(); err != nil {
		log.Debug().Err(err).Int("pid", proc.Pid()).Msg("proc.Run: kill failed")
	}

	res := Result{Code: -1, Signal: "killed", Killed: true}
	select {
	case status := <-exited:
		res.Code, res.Signal = status.Code, status.Signal
	case <-time.After(killGrace):
		log.Warn().Int("pid", proc.Pid()).Msg("proc.Run: killed process did not exit, abandoning it")
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
