package snapshot

// ============================================================================
// Run manifest
// Responsibilities:
// 1. Serialize a finished (or cancelled) run to a JSON manifest
// 2. Write atomically (temp file + rename) so a crash never leaves half a file
// 3. Check the schema version on load
// The manifest lets `bundle` run in another process after `generate`.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/prompt-batch/internal/journal"
	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

// SchemaVersion is the manifest format written by this package
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("manifest file is corrupted")
	ErrIncompatibleVersion = errors.New("manifest schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("manifest file not found")
)

// Manager reads and writes one manifest file
type Manager struct {
	path      string
	retention int
	mu        sync.Mutex
}

// NewManager creates a manager for the manifest at path
func NewManager(path string) *Manager {
	return &Manager{
		path:      path,
		retention: journal.DefaultRetention,
	}
}

// SetRetention sets how many backups WriteWithBackup keeps. Zero or less
// keeps journal.DefaultRetention.
func (m *Manager) SetRetention(n int) {
	if n <= 0 {
		n = journal.DefaultRetention
	}
	m.mu.Lock()
	m.retention = n
	m.mu.Unlock()
}

// Write atomically replaces the manifest.
//
// Flow:
// 1. Write to <path>.tmp
// 2. os.Rename over the real file
//
// Parameters:
//   - data: the run to persist; SchemaVer is set here
//
// Returns:
//   - error: marshal, write or rename failure
func (m *Manager) Write(data types.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.RunSnapshot) error {
	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create manifest dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}

// Load reads the manifest.
//
// Returns:
//   - ErrSnapshotNotFound when no run was written yet
//   - ErrCorruptedSnapshot for unparsable content
//   - ErrIncompatibleVersion for a different schema version
func (m *Manager) Load() (types.RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.RunSnapshot

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, ErrSnapshotNotFound
		}
		return data, fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	return data, nil
}

// Exists reports whether a manifest file is present
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the manifest path
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup moves an existing manifest aside with a timestamp suffix
// before writing, so the previous run stays inspectable. Backups beyond the
// retention count are removed, oldest first.
func (m *Manager) WriteWithBackup(data types.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := journal.BackupName(m.path, time.Now())
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old manifest: %w", err)
		}
		if _, err := journal.PruneBackups(m.path, m.retention); err != nil {
			return fmt.Errorf("failed to prune old manifests: %w", err)
		}
	}

	return m.writeLocked(data)
}
