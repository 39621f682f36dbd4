package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the script.
	SeverityError Severity = "error"

	// SeverityCritical blocks the script.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set produces violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy module. It must define a deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool     `json:"enabled"`
	Tags    []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one finding of a policy against a script.
type Violation struct {
	Policy   string   `json:"policy"`
	Script   string   `json:"script,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Line is the offending script line, when the policy reports one.
	Line string `json:"line,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against one script.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations holds blocking findings; Warnings holds the rest.
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// DenyReason summarizes the blocking violations in one line.
func (r *Result) DenyReason() string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return strings.Join(msgs, "; ")
}

// ScriptInput is the document policies are evaluated against, available as
// input in Rego.
type ScriptInput struct {
	Script ScriptInfo `json:"script"`

	// Workflow and Step identify where the script runs.
	Workflow string `json:"workflow,omitempty"`
	Step     string `json:"step"`

	// Operation is the integration operation, e.g. "install" or "remove".
	Operation string `json:"operation,omitempty"`

	Backend        string `json:"backend"`
	LeastPrivilege bool   `json:"least_privilege"`
}

// ScriptInfo describes the script content.
type ScriptInfo struct {
	Path      string   `json:"path"`
	Name      string   `json:"name"`
	Extension string   `json:"extension"`
	Content   string   `json:"content"`
	Lines     []string `json:"lines"`
}

// ReadScript loads a script file into a ScriptInfo.
func ReadScript(path string) (ScriptInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScriptInfo{}, fmt.Errorf("failed to read script: %w", err)
	}
	return NewScriptInfo(path, string(data)), nil
}

// NewScriptInfo builds a ScriptInfo from in-memory content.
func NewScriptInfo(path, content string) ScriptInfo {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	return ScriptInfo{
		Path:      path,
		Name:      filepath.Base(path),
		Extension: strings.ToLower(filepath.Ext(path)),
		Content:   content,
		Lines:     lines,
	}
}

// Bundle is a named collection of policies stored as JSON.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
