package changes

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestParse_ValidBlocksWithTrailingGarbage(t *testing.T) {
	output := strings.Join([]string{
		"Installing agent...",
		"CHANGE_JSON_BEGIN",
		`{"type": "file_created", "target": "/opt/agent/agent.conf", "revertible": true, "backup_file": null}`,
		"CHANGE_JSON_END",
		"some progress output",
		"CHANGE_JSON_BEGIN",
		`{"type": "service_started", "target": "agent", "revertible": true, "backup_file": null}`,
		"CHANGE_JSON_END",
		"CHANGE_JSON_BEGIN",
		`{"type": "file_created", "target": `,
		"CHANGE_JSON_END",
		"CHANGE_JSON_BEGIN",
		"never terminated",
	}, "\n")

	changes := Parse(output)
	if len(changes) != 2 {
		t.Fatalf("Expected 2 changes, got %d: %+v", len(changes), changes)
	}
	if changes[0].Type != TypeFileCreated || changes[0].Target != "/opt/agent/agent.conf" {
		t.Errorf("Unexpected first change: %+v", changes[0])
	}
	if changes[1].Type != TypeServiceStarted || changes[1].Target != "agent" {
		t.Errorf("Unexpected second change: %+v", changes[1])
	}
	if changes[0].BackupFile != nil {
		t.Errorf("Expected nil backup file, got %v", *changes[0].BackupFile)
	}
}

func TestParse_OversizedLineBetweenBlocks(t *testing.T) {
	output := Marker(Change{Type: TypeFileCreated, Target: "/a", Revertible: true}) +
		strings.Repeat("x", 5*1024*1024) + "\n" +
		Marker(Change{Type: TypeFileCreated, Target: "/b", Revertible: true})

	changes := Parse(output)
	if len(changes) != 2 {
		t.Fatalf("Expected 2 changes, got %d", len(changes))
	}
	if changes[0].Target != "/a" || changes[1].Target != "/b" {
		t.Errorf("Unexpected targets: %s, %s", changes[0].Target, changes[1].Target)
	}
}

func TestParse_CRLFAndNoTrailingNewline(t *testing.T) {
	output := "CHANGE_JSON_BEGIN\r\n" +
		`{"type": "directory_created", "target": "/opt/agent", "revertible": true}` + "\r\n" +
		"CHANGE_JSON_END"

	changes := Parse(output)
	if len(changes) != 1 || changes[0].Target != "/opt/agent" {
		t.Errorf("Expected one directory change, got %+v", changes)
	}
}

func TestParse_NoMarkers(t *testing.T) {
	if got := Parse("hello\nworld\n"); len(got) != 0 {
		t.Errorf("Expected no changes, got %+v", got)
	}
	if got := Parse(""); got == nil {
		t.Error("Expected empty slice, got nil")
	}
}

func TestParse_BeginRestartsBlock(t *testing.T) {
	output := "CHANGE_JSON_BEGIN\ngarbage\nCHANGE_JSON_BEGIN\n" +
		`{"type":"directory_created","target":"/srv/app","revertible":true}` +
		"\nCHANGE_JSON_END\n"

	changes := Parse(output)
	if len(changes) != 1 || changes[0].Type != TypeDirectoryCreated {
		t.Errorf("Expected one directory_created change, got %+v", changes)
	}
}

func TestParse_MissingType(t *testing.T) {
	output := "CHANGE_JSON_BEGIN\n{\"target\":\"/x\"}\nCHANGE_JSON_END\n"
	if got := Parse(output); len(got) != 0 {
		t.Errorf("Expected change without type to be dropped, got %+v", got)
	}
}

func TestMarker_ParsesBack(t *testing.T) {
	backup := "/var/backups/hosts.bak"
	in := Change{Type: TypeFileModified, Target: "/etc/hosts", Revertible: true, BackupFile: &backup}

	out := Parse("before\n" + Marker(in) + "after\n")
	if len(out) != 1 {
		t.Fatalf("Expected 1 change, got %d", len(out))
	}
	if out[0].BackupFile == nil || *out[0].BackupFile != backup {
		t.Errorf("Expected backup file %s, got %v", backup, out[0].BackupFile)
	}
}

func TestLedger_AppendOrderAndClear(t *testing.T) {
	l := NewLedger(Change{Type: TypeFileCreated, Target: "a"})
	l.Append(Change{Type: TypeFileCreated, Target: "b"}, Change{Type: TypeFileCreated, Target: "c"})

	got := l.Changes()
	if len(got) != 3 || got[0].Target != "a" || got[2].Target != "c" {
		t.Errorf("Unexpected ledger contents: %+v", got)
	}

	// Changes returns a copy.
	got[0].Target = "mutated"
	if l.Changes()[0].Target != "a" {
		t.Error("Expected Changes to return a copy")
	}

	clone := l.Clone()
	l.Clear()
	if !l.IsEmpty() {
		t.Errorf("Expected empty ledger, got %d", l.Len())
	}
	if clone.Len() != 3 {
		t.Errorf("Expected clone to keep 3 changes, got %d", clone.Len())
	}
}

func TestLedger_ConcurrentAppend(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(Change{Type: TypeFileCreated, Target: "x"})
		}()
	}
	wg.Wait()
	if l.Len() != 50 {
		t.Errorf("Expected 50 changes, got %d", l.Len())
	}
}

func TestLedger_JSON(t *testing.T) {
	l := NewLedger(Change{Type: TypeUserCreated, Target: "svc", Revertible: true})
	data, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	restored := NewLedger()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if restored.Len() != 1 || restored.Changes()[0].Target != "svc" {
		t.Errorf("Unexpected restored ledger: %+v", restored.Changes())
	}
}
