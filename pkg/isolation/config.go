package isolation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultScriptTimeout bounds a script run when neither the step nor the
// configuration sets a timeout.
const DefaultScriptTimeout = 10 * time.Minute

// Config selects and tunes the isolation backends.
type Config struct {
	// DefaultBackend is used by steps that do not name a backend.
	DefaultBackend string `yaml:"default_backend" validate:"omitempty,oneof=direct docker chroot venv sandbox ssh"`

	// LeastPrivilege is the default least-privilege flag for steps.
	LeastPrivilege bool `yaml:"least_privilege"`

	// Timeout is the default script timeout.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	Docker  DockerConfig  `yaml:"docker"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Chroot  ChrootConfig  `yaml:"chroot"`
	Venv    VenvConfig    `yaml:"venv"`

	// SSH registers the remote backend when set.
	SSH *SSHConfig `yaml:"ssh,omitempty"`
}

// ChrootConfig configures the chroot backend.
type ChrootConfig struct {
	Shell string `yaml:"shell"`
}

// VenvConfig configures the venv backend.
type VenvConfig struct {
	Python string `yaml:"python"`
}

// DefaultConfig returns the default isolation configuration.
func DefaultConfig() Config {
	return Config{
		DefaultBackend: BackendDirect,
		Timeout:        DefaultScriptTimeout,
		Docker:         DockerConfig{}.withDefaults(),
		Sandbox:        SandboxConfig{Binary: "firejail", Limits: DefaultSandboxLimits()},
		Chroot:         ChrootConfig{Shell: "/bin/sh"},
	}
}

// NewRegistryFromConfig creates a registry with every local backend and, when
// configured, the ssh backend.
func NewRegistryFromConfig(cfg Config, logger zerolog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	r.Register(NewDirectBackend())
	r.Register(NewDockerBackend(cfg.Docker))
	r.Register(NewChrootBackend(cfg.Chroot.Shell))
	r.Register(NewVenvBackend(cfg.Venv.Python))
	r.Register(NewSandboxBackendWithConfig(cfg.Sandbox))

	if cfg.SSH != nil {
		if err := cfg.SSH.Validate(); err != nil {
			return nil, fmt.Errorf("invalid ssh backend configuration: %w", err)
		}
		r.Register(NewSSHBackend(*cfg.SSH))
	}

	if cfg.DefaultBackend != "" {
		if _, ok := r.Get(cfg.DefaultBackend); !ok {
			return nil, fmt.Errorf("default backend %q: %w", cfg.DefaultBackend, ErrUnknownBackend)
		}
	}
	return r, nil
}
