// Package isolation runs script files under interchangeable sandboxing backends
// behind a single result contract.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExitCodeTimeout is the exit code reported when a script exceeds its deadline.
const ExitCodeTimeout = 124

// Backend names.
const (
	BackendDirect  = "direct"
	BackendDocker  = "docker"
	BackendChroot  = "chroot"
	BackendVenv    = "venv"
	BackendSandbox = "sandbox"
	BackendSSH     = "ssh"
)

// Request describes one script execution.
type Request struct {
	// ScriptPath is the local path of the script to run.
	ScriptPath string

	// Timeout bounds the execution. Zero means no deadline.
	Timeout time.Duration

	// LeastPrivilege asks the backend to apply its resource and capability limits.
	LeastPrivilege bool

	// Env holds extra KEY=VALUE environment entries for the script.
	Env []string
}

// Result is the uniform outcome of running a script on any backend.
type Result struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`

	// Error describes why the script could not run or did not finish. Empty on success.
	Error string `json:"error,omitempty"`

	// Backend is the backend that actually produced the result, after any fallback.
	Backend string `json:"backend"`
}

// TimedOut reports whether the result is a deadline expiry.
func (r Result) TimedOut() bool {
	return r.ExitCode == ExitCodeTimeout
}

// Backend runs scripts with some degree of isolation.
//
// Run returns a Result for every execution that actually happened, whatever
// the script's exit code. A non-nil error means the backend itself could not
// serve the request; it is wrapped in a *BackendError that says whether the
// registry may fall back to another backend.
type Backend interface {
	// Name returns the registry name of the backend.
	Name() string

	// Available reports whether the backend's prerequisites are present.
	Available(ctx context.Context) bool

	// Run executes the script described by req.
	Run(ctx context.Context, req Request) (Result, error)
}

// BackendError is an infrastructure failure of a backend.
type BackendError struct {
	Backend string

	// Op is the step that failed, e.g. "probe", "prepare", "spawn".
	Op string

	// Fallback reports whether another backend may serve the request instead.
	Fallback bool

	Err error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// unavailable builds the error returned when a backend's prerequisites are missing.
func unavailable(backend string, err error) error {
	return &BackendError{Backend: backend, Op: "probe", Fallback: true, Err: err}
}

// prepareFailed builds the error returned when the isolated environment could not be set up.
func prepareFailed(backend string, fallback bool, err error) error {
	return &BackendError{Backend: backend, Op: "prepare", Fallback: fallback, Err: err}
}

// canFallback reports whether err allows the registry to try another backend.
func canFallback(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Fallback
	}
	return true
}

// ErrUnknownBackend is returned when a backend name is not registered.
var ErrUnknownBackend = errors.New("unknown isolation backend")
