package isolation

import (
	"context"
	"os"
)

// DirectBackend runs scripts as child processes of the current process,
// with no isolation beyond a separate process group.
type DirectBackend struct{}

// NewDirectBackend creates the direct backend.
func NewDirectBackend() *DirectBackend {
	return &DirectBackend{}
}

// Name implements Backend.
func (d *DirectBackend) Name() string { return BackendDirect }

// Available implements Backend. The direct backend is always available.
func (d *DirectBackend) Available(ctx context.Context) bool { return true }

// Run implements Backend. Spawn failures are reported in the result, never
// as an error, so the direct backend is always a safe fallback.
func (d *DirectBackend) Run(ctx context.Context, req Request) (Result, error) {
	env := append(os.Environ(), req.Env...)
	out := runProcess(ctx, interpreterFor(req.ScriptPath), env, req.Timeout, nil)
	return toResult(BackendDirect, out), nil
}
