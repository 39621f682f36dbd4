package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autoflow/autoflow/pkg/changes"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, jsonOutput = "", false, false

	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRollbackScriptFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "changes.json")
	list := []changes.Change{
		{Type: changes.TypeDirectoryCreated, Target: "/opt/agent", Revertible: true},
		{Type: changes.TypeFileCreated, Target: "/opt/agent/agent.conf", Revertible: true},
	}
	data, _ := json.Marshal(list)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "rollback-script", "--changes", path, "--platform", "linux")
	if err != nil {
		t.Fatalf("rollback-script failed: %v", err)
	}

	file := strings.Index(out, "/opt/agent/agent.conf")
	dirIdx := strings.LastIndex(out, "'/opt/agent'")
	if file < 0 || dirIdx < 0 {
		t.Fatalf("Expected both targets in script, got:\n%s", out)
	}
	if file > dirIdx {
		t.Error("Expected newest change to be undone first")
	}
}

func TestRollbackScriptRequiresOneSource(t *testing.T) {
	if _, err := execute(t, "rollback-script"); err == nil {
		t.Error("Expected error without --changes or --run")
	}
	if _, err := execute(t, "rollback-script", "--changes", "a.json", "--run", "x"); err == nil {
		t.Error("Expected error with both --changes and --run")
	}
}

func TestGraphCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.star")
	src := `workflow("agent", [step("install", "install.sh"), step("verify", "verify.sh", after=["install"])], operation="install")`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "graph", path)
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	for _, want := range []string{"digraph", `"install"`, `"verify"`, `"rollback"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in output, got:\n%s", want, out)
		}
	}
}

func TestIntegrateValidatesArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown operation", []string{"integrate", "upgrade", "--script", "x.sh"}},
		{"install without script", []string{"integrate", "install"}},
		{"verify without script", []string{"integrate", "verify"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestDefinitionVars(t *testing.T) {
	vars := definitionVars(map[string]string{"count": "3"})
	if vars["count"] != "3" {
		t.Errorf("Expected count=3, got %v", vars["count"])
	}
}
