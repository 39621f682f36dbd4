package isolation

import (
	"context"
	"fmt"
	"os"
)

// SandboxLimits are the resource limits applied under least privilege.
type SandboxLimits struct {
	AddressSpace string `yaml:"address_space"` // --rlimit-as, e.g. "512m"
	CPUSeconds   int    `yaml:"cpu_seconds" validate:"gte=0"`
	FileSize     string `yaml:"file_size"`
	OpenFiles    int    `yaml:"open_files" validate:"gte=0"`
}

// DefaultSandboxLimits returns conservative limits for untrusted scripts.
func DefaultSandboxLimits() SandboxLimits {
	return SandboxLimits{
		AddressSpace: "512m",
		CPUSeconds:   60,
		FileSize:     "64m",
		OpenFiles:    256,
	}
}

// SandboxConfig configures the firejail backend.
type SandboxConfig struct {
	// Binary is the firejail executable. Defaults to "firejail".
	Binary string        `yaml:"binary"`
	Limits SandboxLimits `yaml:"limits"`
}

// SandboxBackend runs scripts under firejail.
type SandboxBackend struct {
	binary string
	limits SandboxLimits
}

// NewSandboxBackend creates a firejail backend with default limits.
func NewSandboxBackend() *SandboxBackend {
	return NewSandboxBackendWithConfig(SandboxConfig{})
}

// NewSandboxBackendWithConfig creates a firejail backend. Zero limits are
// replaced by their defaults.
func NewSandboxBackendWithConfig(cfg SandboxConfig) *SandboxBackend {
	def := DefaultSandboxLimits()
	if cfg.Binary == "" {
		cfg.Binary = "firejail"
	}
	if cfg.Limits.AddressSpace == "" {
		cfg.Limits.AddressSpace = def.AddressSpace
	}
	if cfg.Limits.CPUSeconds == 0 {
		cfg.Limits.CPUSeconds = def.CPUSeconds
	}
	if cfg.Limits.FileSize == "" {
		cfg.Limits.FileSize = def.FileSize
	}
	if cfg.Limits.OpenFiles == 0 {
		cfg.Limits.OpenFiles = def.OpenFiles
	}
	return &SandboxBackend{binary: cfg.Binary, limits: cfg.Limits}
}

// Name implements Backend.
func (s *SandboxBackend) Name() string { return BackendSandbox }

// Available implements Backend.
func (s *SandboxBackend) Available(ctx context.Context) bool {
	return commandExists(s.binary)
}

// Run implements Backend.
func (s *SandboxBackend) Run(ctx context.Context, req Request) (Result, error) {
	if !s.Available(ctx) {
		return Result{}, unavailable(BackendSandbox, fmt.Errorf("%s not found", s.binary))
	}

	argv := append(s.buildArgs(req), interpreterFor(req.ScriptPath)...)
	out := runProcess(ctx, argv, append(os.Environ(), req.Env...), req.Timeout, nil)
	return toResult(BackendSandbox, out), nil
}

// buildArgs keeps the host /tmp visible since scripts are usually staged there.
// Output is captured from the process pipes, so firejail writes no log files.
func (s *SandboxBackend) buildArgs(req Request) []string {
	args := []string{s.binary, "--quiet", "--noprofile"}
	if req.LeastPrivilege {
		args = append(args,
			"--net=none",
			"--caps.drop=all",
			"--nonewprivs",
			"--rlimit-as="+s.limits.AddressSpace,
			fmt.Sprintf("--rlimit-cpu=%d", s.limits.CPUSeconds),
			"--rlimit-fsize="+s.limits.FileSize,
			fmt.Sprintf("--rlimit-nofile=%d", s.limits.OpenFiles),
		)
	}
	return append(args, "--")
}
