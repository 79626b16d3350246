package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScriptResult is the outcome of a completed script execution.
type ScriptResult struct {
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output"`
}

// ScriptRunner executes remote scripts. Run blocks until the script
// exits or ctx is done; a non-zero exit is reported through ExitStatus,
// not through the error. Start launches a streaming execution.
type ScriptRunner interface {
	Run(ctx context.Context, source string) (ScriptResult, error)
	Start(ctx context.Context, source string) (*Execution, error)
}

// Execution is one live streaming script run. The output channel
// carries chunks in production order and is closed after the process
// exits; Wait then reports the final result.
type Execution struct {
	ID string

	output chan string
	done   chan struct{}
	cancel context.CancelFunc

	result ScriptResult
	err    error
}

// Output is the incremental output channel. Closed on exit.
func (e *Execution) Output() <-chan string {
	return e.output
}

// Wait blocks until the process has exited and returns its result.
func (e *Execution) Wait() (ScriptResult, error) {
	<-e.done
	return e.result, e.err
}

// Cancel terminates the execution. The process is killed after the
// runner's grace period; Wait still returns.
func (e *Execution) Cancel() {
	e.cancel()
}

// ShellRunner runs script source through a shell interpreter on the
// local system.
type ShellRunner struct {
	// Shell is the interpreter argv prefix; the script source is
	// appended as the final argument. Defaults to {"/bin/sh", "-c"}.
	Shell []string

	// GracePeriod bounds how long a cancelled or timed-out process may
	// linger before it is killed outright.
	GracePeriod time.Duration
}

func (r *ShellRunner) command(ctx context.Context, source string) *exec.Cmd {
	shell := r.Shell
	if len(shell) == 0 {
		shell = []string{"/bin/sh", "-c"}
	}
	argv := append(append([]string{}, shell...), source)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if r.GracePeriod > 0 {
		cmd.WaitDelay = r.GracePeriod
	} else {
		cmd.WaitDelay = 5 * time.Second
	}
	return cmd
}

// Run executes source synchronously. Cancellation or deadline expiry of
// ctx kills the process; the context error is returned alongside any
// output captured up to that point.
func (r *ShellRunner) Run(ctx context.Context, source string) (ScriptResult, error) {
	if strings.TrimSpace(source) == "" {
		return ScriptResult{}, errors.New("empty script source")
	}

	cmd := r.command(ctx, source)
	out, err := cmd.CombinedOutput()
	res := ScriptResult{Output: string(out)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitStatus = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run script: %w", err)
	}
	return res, nil
}

// Start launches source and returns a live execution whose combined
// output is delivered incrementally. Cancelling the execution (or ctx)
// kills the process within the grace period; no orphans are left.
func (r *ShellRunner) Start(ctx context.Context, source string) (*Execution, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("empty script source")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := r.command(runCtx, source)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		cancel()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start script: %w", err)
	}

	e := &Execution{
		ID:     uuid.NewString(),
		output: make(chan string, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	// Reader: forward combined output in order until the pipe closes.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				e.output <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	// Waiter: reap the process, then settle the execution.
	go func() {
		err := cmd.Wait()
		pw.Close()
		<-readDone
		close(e.output)

		res := ScriptResult{}
		var finalErr error
		switch {
		case runCtx.Err() != nil:
			finalErr = runCtx.Err()
		case err != nil:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitStatus = exitErr.ExitCode()
			} else {
				finalErr = fmt.Errorf("wait for script: %w", err)
			}
		}

		e.result = res
		e.err = finalErr
		cancel()
		close(e.done)
	}()

	return e, nil
}
