package isolation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// VenvBackend runs scripts inside a freshly created python virtual
// environment that is removed afterwards.
type VenvBackend struct {
	python string
}

// NewVenvBackend creates a venv backend using the given interpreter,
// python3 (python on windows) when empty.
func NewVenvBackend(python string) *VenvBackend {
	if python == "" {
		python = "python3"
		if runtime.GOOS == "windows" {
			python = "python"
		}
	}
	return &VenvBackend{python: python}
}

// Name implements Backend.
func (v *VenvBackend) Name() string { return BackendVenv }

// Available implements Backend.
func (v *VenvBackend) Available(ctx context.Context) bool {
	return commandExists(v.python) && probeCommand(ctx, v.python, "-c", "import venv") == nil
}

// Run implements Backend.
func (v *VenvBackend) Run(ctx context.Context, req Request) (Result, error) {
	if !v.Available(ctx) {
		return Result{}, unavailable(BackendVenv, fmt.Errorf("%s with the venv module not found", v.python))
	}

	dir, err := os.MkdirTemp("", "autoflow-venv-")
	if err != nil {
		return Result{}, prepareFailed(BackendVenv, true, err)
	}
	defer os.RemoveAll(dir)

	if err := probeCommand(ctx, v.python, "-m", "venv", dir); err != nil {
		return Result{}, prepareFailed(BackendVenv, true, fmt.Errorf("failed to create virtual environment: %w", err))
	}

	bin := filepath.Join(dir, "bin")
	if runtime.GOOS == "windows" {
		bin = filepath.Join(dir, "Scripts")
	}

	script, err := stageVenvScript(dir, req.ScriptPath)
	if err != nil {
		return Result{}, prepareFailed(BackendVenv, true, err)
	}

	env := venvEnv(os.Environ(), dir, bin)
	env = append(env, req.Env...)

	argv := interpreterFor(script)
	if strings.EqualFold(filepath.Ext(script), ".py") {
		argv[0] = filepath.Join(bin, "python")
	}

	out := runProcess(ctx, argv, env, req.Timeout, nil)
	return toResult(BackendVenv, out), nil
}

// stageVenvScript copies the script into the src directory of the
// environment and returns the path of the copy.
func stageVenvScript(dir, script string) (string, error) {
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		return "", err
	}
	staged := filepath.Join(src, filepath.Base(script))
	if err := copyFile(script, staged, 0o755); err != nil {
		return "", fmt.Errorf("failed to copy script into virtual environment: %w", err)
	}
	return staged, nil
}

// venvEnv returns base with VIRTUAL_ENV set and bin prepended to PATH.
func venvEnv(base []string, dir, bin string) []string {
	env := make([]string, 0, len(base)+2)
	path := ""
	for _, kv := range base {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			path = strings.TrimPrefix(kv, "PATH=")
		case strings.HasPrefix(kv, "VIRTUAL_ENV="), strings.HasPrefix(kv, "PYTHONHOME="):
		default:
			env = append(env, kv)
		}
	}
	if path != "" {
		path = bin + string(os.PathListSeparator) + path
	} else {
		path = bin
	}
	return append(env, "VIRTUAL_ENV="+dir, "PATH="+path)
}
