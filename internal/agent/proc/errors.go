package proc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned when a prompt is issued while another is pending.
	ErrBusy = errors.New("proc: request already pending") //nolint:gochecknoglobals // sentinel error

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("proc: timed out") //nolint:gochecknoglobals // sentinel error

	// ErrExited matches every *ExitError.
	ErrExited = errors.New("proc: process exited") //nolint:gochecknoglobals // sentinel error

	// ErrDisposed is returned to a pending request when its client is disposed.
	ErrDisposed = errors.New("proc: client disposed") //nolint:gochecknoglobals // sentinel error

	// ErrEmptyCommand is returned when argv has no binary.
	ErrEmptyCommand = errors.New("proc: empty command") //nolint:gochecknoglobals // sentinel error
)

// TimeoutError reports a request that was killed after running for Elapsed.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("proc: timed out after %s", e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExitError reports a process that exited while a request was pending.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("proc: process exited (code=%d, signal=%s)", e.Code, e.Signal)
	}
	return fmt.Sprintf("proc: process exited (code=%d)", e.Code)
}

func (e *ExitError) Is(target error) bool { return target == ErrExited }
