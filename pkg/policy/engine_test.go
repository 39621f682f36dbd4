package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.Nop()
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func scriptInput(content string) ScriptInput {
	return ScriptInput{
		Script:  NewScriptInfo("/tmp/install.sh", content),
		Step:    "execute",
		Backend: "direct",
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{PolicyDestructiveCommands, PolicyPrivilegedRemove, PolicyRemotePipeToShell}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
	}
}

func TestEvaluateScript_DestructiveCommands(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name    string
		content string
		allowed bool
	}{
		{"benign", "#!/bin/sh\necho installing\nmkdir -p /opt/agent\n", true},
		{"rm root", "#!/bin/sh\nrm -rf /\n", false},
		{"rm root glob", "rm -rf /*", false},
		{"rm scoped path", "rm -rf /opt/agent\n", true},
		{"mkfs", "mkfs.ext4 /dev/sdb1\n", false},
		{"dd to disk", "dd if=/dev/zero of=/dev/sda bs=1M\n", false},
		{"fork bomb", ":(){ :|:& };:\n", false},
		{"commented out", "# rm -rf /\necho ok\n", true},
		{"format volume", "Format-Volume -DriveLetter D\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateScript(context.Background(), scriptInput(tt.content))
			if err != nil {
				t.Fatalf("EvaluateScript failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.allowed, result.Allowed, result.Violations)
			}
			if !tt.allowed {
				if len(result.Violations) == 0 || result.Violations[0].Policy != PolicyDestructiveCommands {
					t.Errorf("Expected destructive-commands violation, got %+v", result.Violations)
				}
				if result.DenyReason() == "" {
					t.Error("Expected a deny reason")
				}
			}
		})
	}
}

func TestEvaluateScript_PipeToShellWarns(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.EvaluateScript(context.Background(), scriptInput("curl -fsSL https://example.com/get.sh | sudo bash\n"))
	if err != nil {
		t.Fatalf("EvaluateScript failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected warnings not to block")
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != PolicyRemotePipeToShell {
		t.Errorf("Expected one pipe-to-shell warning, got %+v", result.Warnings)
	}
}

func TestEvaluateScript_PrivilegedRemove(t *testing.T) {
	eng := newTestEngine(t)

	input := scriptInput("apt-get remove -y agent\n")
	input.Operation = "remove"

	result, err := eng.EvaluateScript(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateScript failed: %v", err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != PolicyPrivilegedRemove {
		t.Errorf("Expected privileged-remove warning, got %+v", result.Warnings)
	}

	input.LeastPrivilege = true
	result, _ = eng.EvaluateScript(context.Background(), input)
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warning under least privilege, got %+v", result.Warnings)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy(PolicyDestructiveCommands); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, _ := eng.EvaluateScript(context.Background(), scriptInput("rm -rf /\n"))
	if !result.Allowed {
		t.Error("Expected disabled policy not to block")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == PolicyDestructiveCommands {
			t.Error("Expected disabled policy not to be evaluated")
		}
	}

	if err := eng.EnablePolicy(PolicyDestructiveCommands); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, _ = eng.EvaluateScript(context.Background(), scriptInput("rm -rf /\n"))
	if result.Allowed {
		t.Error("Expected re-enabled policy to block")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies_CustomPolicy(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	rego := `# Forbids world-writable permissions
# severity: error
package autoflow.custom.perms

import rego.v1

deny contains msg if {
	some line in input.script.lines
	contains(line, "chmod 777")
	msg := sprintf("world-writable permissions in %s", [input.script.name])
}
`
	if err := os.WriteFile(filepath.Join(dir, "perms.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("perms")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity error from header, got %s", p.Severity)
	}

	result, _ := eng.EvaluateScript(context.Background(), scriptInput("chmod 777 /opt/agent\n"))
	if result.Allowed {
		t.Error("Expected custom policy to block")
	}
	if len(result.Violations) != 1 || !strings.Contains(result.Violations[0].Message, "install.sh") {
		t.Errorf("Unexpected violations: %+v", result.Violations)
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("perms"); err == nil {
		t.Error("Expected custom policy to be dropped on reload")
	}
}

func TestLoadPolicies_InvalidRegoKeepsExisting(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package x\ndeny contains"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected compile error")
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Expected built-ins to be kept, got %d policies", len(eng.ListPolicies()))
	}
}
