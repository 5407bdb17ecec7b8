package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"syscall"
	"time"

	"github.com/kvanite/squish/utils"
)

// maxStderrBytes caps how much transcoder stderr is kept for error
// reporting.
const maxStderrBytes = 64 * 1024

// waitDelay bounds how long Wait blocks on pipe teardown after a kill.
const waitDelay = time.Second * 5

// Result captures the outcome of one transcoder invocation.
type Result struct {
	ExitCode int
	Stderr   string
	Elapsed  time.Duration
}

// run executes the command with the pipeline's wall-clock timeout. The
// argument vector is passed to the kernel directly, never through a shell.
// On timeout the whole process group is killed, so no process survives this
// call returning.
func (p *Pipeline) run(ctx context.Context, command Command) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.processingTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command.Binary, command.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid targets the process group, taking down any helper
		// the transcoder spawned.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, &Error{Kind: KindExecution, Message: "creating stderr pipe", err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return Result{}, &Error{
				Kind:    KindToolNotFound,
				Message: fmt.Sprintf("transcoder binary %q not found", command.Binary),
				err:     err,
			}
		}
		return Result{}, &Error{Kind: KindExecution, Message: "starting transcoder", err: err}
	}

	stderrText, readErr := utils.ReadAllLimit(stderrPipe, maxStderrBytes)
	if errors.Is(readErr, utils.ErrIOLimitReached) {
		// Keep draining past the cap so the process can't block on a full
		// stderr pipe and ride out the clock.
		_, _ = io.Copy(io.Discard, stderrPipe)
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	result := Result{Stderr: string(stderrText), Elapsed: elapsed}
	if waitErr == nil {
		return result, nil
	}

	// The deadline takes precedence over whatever exit status the kill
	// produced.
	if ctx.Err() == context.DeadlineExceeded {
		return result, &Error{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("processing timeout after %s", p.processingTimeout),
			err:     waitErr,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &Error{
			Kind:     KindExecution,
			Message:  fmt.Sprintf("transcoder exited with code %d", result.ExitCode),
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
			err:      waitErr,
		}
	}

	return result, &Error{
		Kind:    KindExecution,
		Message: "running transcoder",
		Stderr:  result.Stderr,
		err:     waitErr,
	}
}
