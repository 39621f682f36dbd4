package isolation

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/autoflow/autoflow/pkg/telemetry"
)

// Registry maps backend names to implementations and falls back to the direct
// backend when a sandboxing backend cannot serve a request.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	fallback string
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry. Backends fall back to "direct" once
// it is registered.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		fallback: BackendDirect,
		logger:   logger.With().Str("component", "isolation").Logger(),
	}
}

// NewDefaultRegistry creates a registry with every local backend registered
// with its default settings.
func NewDefaultRegistry(logger zerolog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NewDirectBackend())
	r.Register(NewDockerBackend(DockerConfig{}))
	r.Register(NewChrootBackend(""))
	r.Register(NewVenvBackend(""))
	r.Register(NewSandboxBackend())
	return r
}

// Register adds or replaces a backend under its own name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// SetFallback changes the backend used when another backend is unavailable.
// An empty name disables fallback.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = name
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Probe reports the availability of every registered backend.
func (r *Registry) Probe(ctx context.Context) map[string]bool {
	names := r.Names()
	out := make(map[string]bool, len(names))
	for _, name := range names {
		b, _ := r.Get(name)
		out[name] = b.Available(ctx)
	}
	return out
}

// Run executes the script on the named backend. If that backend reports an
// infrastructure failure that allows fallback, the script is run on the
// fallback backend instead and a warning is logged. The returned error is
// non-nil only for an unknown backend, a missing script, or a failure no
// backend could absorb.
func (r *Registry) Run(ctx context.Context, name string, req Request) (Result, error) {
	b, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	if _, err := os.Stat(req.ScriptPath); err != nil {
		return Result{}, fmt.Errorf("script not found: %w", err)
	}

	res, err := r.runOn(ctx, b, req)
	if err == nil {
		return res, nil
	}

	r.mu.RLock()
	fallbackName := r.fallback
	r.mu.RUnlock()

	fb, hasFallback := r.Get(fallbackName)
	if !canFallback(err) || !hasFallback || fallbackName == name {
		r.logger.Error().Err(err).Str("backend", name).Str("script", req.ScriptPath).Msg("Isolation backend failed")
		return Result{Backend: name, ExitCode: 1, Error: err.Error()}, err
	}

	r.logger.Warn().
		Err(err).
		Str("backend", name).
		Str("fallback", fallbackName).
		Str("script", req.ScriptPath).
		Msg("Isolation backend unavailable, falling back")
	telemetry.RecordBackendFallback(ctx, name, fallbackName, err.Error())

	res, fbErr := r.runOn(ctx, fb, req)
	if fbErr != nil {
		return Result{Backend: fallbackName, ExitCode: 1, Error: fbErr.Error()}, fbErr
	}
	return res, nil
}

func (r *Registry) runOn(ctx context.Context, b Backend, req Request) (Result, error) {
	var res Result
	err := telemetry.RecordBackendRun(ctx, b.Name(), req.ScriptPath, func(ctx context.Context) (int, error) {
		var runErr error
		res, runErr = b.Run(ctx, req)
		return res.ExitCode, runErr
	})
	if err != nil {
		return Result{}, err
	}
	if res.Backend == "" {
		res.Backend = b.Name()
	}

	r.logger.Debug().
		Str("backend", res.Backend).
		Str("script", req.ScriptPath).
		Int("exit_code", res.ExitCode).
		Bool("success", res.Success).
		Msg("Script finished")
	return res, nil
}
