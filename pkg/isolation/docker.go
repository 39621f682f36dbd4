package isolation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// dockerLaunchFailure is the exit code docker uses when it could not start the container.
const dockerLaunchFailure = 125

// DockerConfig configures the docker backend.
type DockerConfig struct {
	// Image is the container image. Defaults to "alpine:3".
	Image string `yaml:"image"`

	// Memory, CPUs and PIDs are applied under least privilege.
	Memory string `yaml:"memory"`
	CPUs   string `yaml:"cpus"`
	PIDs   int    `yaml:"pids"`

	// Network is the container network. Defaults to "none" under least privilege.
	Network string `yaml:"network"`
}

func (c DockerConfig) withDefaults() DockerConfig {
	if c.Image == "" {
		c.Image = "alpine:3"
	}
	if c.Memory == "" {
		c.Memory = "256m"
	}
	if c.CPUs == "" {
		c.CPUs = "1"
	}
	if c.PIDs == 0 {
		c.PIDs = 128
	}
	if c.Network == "" {
		c.Network = "none"
	}
	return c
}

// DockerBackend runs each script in a fresh, removed-on-exit container.
type DockerBackend struct {
	cfg DockerConfig
}

// NewDockerBackend creates a docker backend.
func NewDockerBackend(cfg DockerConfig) *DockerBackend {
	return &DockerBackend{cfg: cfg.withDefaults()}
}

// Name implements Backend.
func (d *DockerBackend) Name() string { return BackendDocker }

// Available implements Backend.
func (d *DockerBackend) Available(ctx context.Context) bool {
	return commandExists("docker") && probeCommand(ctx, "docker", "--version") == nil
}

// Run implements Backend.
func (d *DockerBackend) Run(ctx context.Context, req Request) (Result, error) {
	if !d.Available(ctx) {
		return Result{}, unavailable(BackendDocker, fmt.Errorf("docker CLI not found"))
	}

	// The script is copied so the container never sees the caller's directory.
	stage, err := os.MkdirTemp("", "autoflow-docker-")
	if err != nil {
		return Result{}, prepareFailed(BackendDocker, true, err)
	}
	defer os.RemoveAll(stage)

	name := filepath.Base(req.ScriptPath)
	if err := copyFile(req.ScriptPath, filepath.Join(stage, name), 0o755); err != nil {
		return Result{}, prepareFailed(BackendDocker, true, err)
	}

	container := "autoflow-" + uuid.New().String()
	args := d.buildArgs(container, stage, name, req)

	out := runProcess(ctx, args, os.Environ(), req.Timeout, func() {
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = probeCommand(killCtx, "docker", "kill", container)
	})
	// --rm does not run when the client is killed before the container starts.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = probeCommand(rmCtx, "docker", "rm", "-f", container)
	}()

	if !out.timedOut && out.exitCode == dockerLaunchFailure {
		return Result{}, &BackendError{
			Backend:  BackendDocker,
			Op:       "spawn",
			Fallback: true,
			Err:      fmt.Errorf("container failed to start: %s", strings.TrimSpace(out.stderr)),
		}
	}
	return toResult(BackendDocker, out), nil
}

func (d *DockerBackend) buildArgs(container, stage, script string, req Request) []string {
	args := []string{
		"docker", "run", "--rm",
		"--name", container,
		"-v", stage + ":/autoflow:ro",
		"-w", "/autoflow",
	}
	for _, kv := range req.Env {
		args = append(args, "-e", kv)
	}
	if req.LeastPrivilege {
		args = append(args,
			"--read-only",
			"--cap-drop", "ALL",
			"--security-opt", "no-new-privileges",
			"--memory", d.cfg.Memory,
			"--cpus", d.cfg.CPUs,
			"--pids-limit", fmt.Sprint(d.cfg.PIDs),
			"--network", d.cfg.Network,
			"--tmpfs", "/tmp",
		)
	}
	args = append(args, d.cfg.Image)
	return append(args, containerCommand(script)...)
}

// containerCommand returns the in-container command line for a staged script.
func containerCommand(script string) []string {
	path := "/autoflow/" + script
	switch strings.ToLower(filepath.Ext(script)) {
	case ".py":
		return []string{"python3", path}
	case ".ps1":
		return []string{"pwsh", "-NoProfile", "-File", path}
	default:
		return []string{"/bin/sh", path}
	}
}

// copyFile copies src to dst with the given mode.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
