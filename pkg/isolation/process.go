package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// waitDelay bounds how long pipes stay open after the process was killed.
const waitDelay = 2 * time.Second

// interpreterFor returns the command line that runs script on this platform,
// chosen by file extension.
func interpreterFor(script string) []string {
	switch strings.ToLower(filepath.Ext(script)) {
	case ".py":
		if runtime.GOOS == "windows" {
			return []string{"python", script}
		}
		return []string{"python3", script}
	case ".ps1":
		if runtime.GOOS == "windows" {
			return []string{"powershell", "-NoProfile", "-ExecutionPolicy", "Bypass", "-File", script}
		}
		return []string{"pwsh", "-NoProfile", "-File", script}
	case ".bat", ".cmd":
		return []string{"cmd", "/C", script}
	default:
		return []string{"/bin/sh", script}
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads, so that
// output captured so far can be read after a kill.
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

// execOutcome is the raw outcome of one child process.
type execOutcome struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
	err      error
}

// runProcess runs argv with the given timeout, killing the whole process group
// when the deadline expires. onTimeout, if set, runs before the process is
// killed, e.g. to stop a container the process is attached to.
func runProcess(ctx context.Context, argv []string, env []string, timeout time.Duration, onTimeout func()) execOutcome {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var stdout, stderr syncBuffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = env
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return execOutcome{exitCode: 1, err: fmt.Errorf("failed to start %s: %w", argv[0], err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		if timedOut && onTimeout != nil {
			onTimeout()
		}
		killProcessTree(cmd)
		waitErr = <-done
	}

	out := execOutcome{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		timedOut: timedOut,
	}

	switch {
	case timedOut:
		out.exitCode = ExitCodeTimeout
		out.err = fmt.Errorf("script timed out after %s", timeout)
	case runCtx.Err() != nil:
		out.exitCode = 1
		out.err = runCtx.Err()
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.exitCode = exitErr.ExitCode()
		} else {
			out.exitCode = 1
			out.err = waitErr
		}
	}
	return out
}

// toResult converts a process outcome into the uniform result.
// On timeout the output captured so far is kept, each stream prefixed with a
// notice on its own line so change markers still parse.
func toResult(backend string, out execOutcome) Result {
	res := Result{
		Success:  out.err == nil && out.exitCode == 0,
		Stdout:   out.stdout,
		Stderr:   out.stderr,
		ExitCode: out.exitCode,
		Backend:  backend,
	}
	if out.timedOut {
		notice := fmt.Sprintf("[%s] %s\n", backend, out.err)
		res.Stdout = notice + out.stdout
		res.Stderr = notice + out.stderr
	}
	if out.err != nil {
		res.Error = out.err.Error()
	} else if out.exitCode != 0 {
		res.Error = fmt.Sprintf("script exited with code %d", out.exitCode)
	}
	return res
}

// commandExists reports whether name resolves on PATH.
func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// probeCommand runs argv with a short deadline and reports whether it exited zero.
func probeCommand(ctx context.Context, argv ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
}
