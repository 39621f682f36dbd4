// Package changes records the reversible side effects reported by executed
// scripts and synthesizes the platform-specific scripts that undo them.
package changes

import (
	"encoding/json"
	"sync"
)

// Well-known change types emitted by scripts.
const (
	TypeFileCreated        = "file_created"
	TypeFileModified       = "file_modified"
	TypeFileDeleted        = "file_deleted"
	TypeDirectoryCreated   = "directory_created"
	TypeSymlinkCreated     = "symlink_created"
	TypeServiceStarted     = "service_started"
	TypeServiceEnabled     = "service_enabled"
	TypePackageInstalled   = "package_installed"
	TypeUserCreated        = "user_created"
	TypeEnvVarSet          = "env_var_set"
	TypeRegistryKeyCreated = "registry_key_created"
)

// Change is a structured record of one side effect performed by a script.
type Change struct {
	// Type is the change tag, e.g. "file_created".
	Type string `json:"type"`

	// Target is the path, service, package, or other identifier affected.
	Target string `json:"target"`

	// Revertible reports whether the change can be undone automatically.
	Revertible bool `json:"revertible"`

	// BackupFile is the path of a backup taken before the change, if any.
	BackupFile *string `json:"backup_file"`

	// RevertCommand is a pre-computed undo command. It wins over the built-in heuristics.
	RevertCommand string `json:"revert_command,omitempty"`
}

// Ledger is an append-only, concurrency-safe list of changes in emission order.
type Ledger struct {
	mu      sync.RWMutex
	changes []Change
}

// NewLedger creates a ledger seeded with the given changes.
func NewLedger(initial ...Change) *Ledger {
	l := &Ledger{changes: make([]Change, 0, len(initial))}
	l.changes = append(l.changes, initial...)
	return l
}

// Append records changes at the end of the ledger.
func (l *Ledger) Append(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, changes...)
}

// Changes returns a copy of the recorded changes.
func (l *Ledger) Changes() []Change {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Change, len(l.changes))
	copy(out, l.changes)
	return out
}

// Len returns the number of recorded changes.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.changes)
}

// IsEmpty reports whether the ledger holds no changes.
func (l *Ledger) IsEmpty() bool {
	return l.Len() == 0
}

// Clear drops every recorded change. It is called after a successful rollback.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = l.changes[:0]
}

// Clone returns an independent copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	return NewLedger(l.Changes()...)
}

// MarshalJSON encodes the ledger as a JSON array.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Changes())
}

// UnmarshalJSON replaces the ledger contents with a decoded JSON array.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var decoded []Change
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = decoded
	return nil
}
