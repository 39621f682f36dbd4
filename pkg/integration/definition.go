package integration

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/autoflow/autoflow/pkg/recovery"
	"github.com/autoflow/autoflow/pkg/workflow"
)

// Operation is what a definition does to the target system.
type Operation string

const (
	OperationInstall Operation = "install"
	OperationVerify  Operation = "verify"
	OperationRemove  Operation = "remove"
	OperationCustom  Operation = "custom"
)

// Reserved node names added by the pipeline.
const (
	StepExecute  = "execute"
	StepVerify   = "verify"
	NodeRollback = "rollback"
)

// Step is one script of a definition.
type Step struct {
	// Name is unique within the definition.
	Name string `yaml:"name" json:"name" validate:"required,ne=rollback"`

	// Script is the path of the script to run.
	Script string `yaml:"script" json:"script" validate:"required"`

	// Backend is the isolation backend. Empty means the pipeline default.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Timeout bounds one script run. Zero means the pipeline default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`

	// Retries are executor-level attempts made before recovery is consulted.
	Retries    int           `yaml:"retries,omitempty" json:"retries,omitempty" validate:"gte=0"`
	RetryDelay time.Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty" validate:"gte=0"`

	// Optional steps may fail without blocking the steps after them.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`

	// After lists the steps that must succeed first.
	After []string `yaml:"after,omitempty" json:"after,omitempty"`

	LeastPrivilege bool `yaml:"least_privilege,omitempty" json:"least_privilege,omitempty"`

	// Env is added to the script environment.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// OnFailure forces a recovery strategy instead of letting the coordinator choose.
	OnFailure recovery.Strategy `yaml:"on_failure,omitempty" json:"on_failure,omitempty" validate:"omitempty,oneof=rollback continue abort"`
}

// Definition is a named set of script steps.
type Definition struct {
	Name      string    `yaml:"name" json:"name" validate:"required"`
	Operation Operation `yaml:"operation" json:"operation" validate:"omitempty,oneof=install verify remove custom"`
	Steps     []Step    `yaml:"steps" json:"steps" validate:"required,min=1,dive"`

	// Source is the file the definition was loaded from, if any.
	Source string `yaml:"-" json:"source,omitempty"`
}

var validate = validator.New()

// Validate checks field constraints, unique step names and that every After
// reference names a step of the definition.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return workflow.NewPermanentError(fmt.Sprintf("invalid definition %q", d.Name), err).
			WithCode(workflow.ErrCodeValidation)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if seen[s.Name] {
			return workflow.NewPermanentError(fmt.Sprintf("duplicate step %q in definition %q", s.Name, d.Name), nil).
				WithCode(workflow.ErrCodeValidation)
		}
		seen[s.Name] = true
	}
	for _, s := range d.Steps {
		for _, dep := range s.After {
			if !seen[dep] {
				return workflow.NewPermanentError(fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep), nil).
					WithCode(workflow.ErrCodeValidation).
					WithNode(s.Name)
			}
		}
	}
	return nil
}

// StepByName returns the named step.
func (d *Definition) StepByName(name string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// StandardDefinition builds the definition of a standard operation: the
// script runs as "execute" and, when verifyScript is set, is checked by a
// "verify" step. A verify operation runs script as its only step.
func StandardDefinition(op Operation, script, verifyScript string) (*Definition, error) {
	if script == "" {
		return nil, workflow.NewPermanentError("script is required", nil).WithCode(workflow.ErrCodeValidation)
	}

	base := strings.TrimSuffix(filepath.Base(script), filepath.Ext(script))
	def := &Definition{
		Name:      fmt.Sprintf("%s-%s", op, base),
		Operation: op,
	}

	switch op {
	case OperationVerify:
		def.Steps = []Step{{Name: StepVerify, Script: script}}
	case OperationInstall, OperationRemove:
		def.Steps = []Step{{Name: StepExecute, Script: script}}
		if verifyScript != "" {
			def.Steps = append(def.Steps, Step{Name: StepVerify, Script: verifyScript, After: []string{StepExecute}})
		}
	default:
		return nil, workflow.NewPermanentError(fmt.Sprintf("unsupported operation %q", op), nil).
			WithCode(workflow.ErrCodeValidation)
	}

	return def, def.Validate()
}
