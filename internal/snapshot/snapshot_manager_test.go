package snapshot

// ============================================================================
// Manifest manager tests
// Covers atomic write, load, version check and error handling
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/prompt-batch/pkg/types"
)

func sampleRun(n int) types.RunSnapshot {
	items := make([]types.WorkItem, n)
	for i := range items {
		items[i] = types.WorkItem{
			ID:       types.ItemID(fmt.Sprintf("item-%03d", i+1)),
			Sequence: i + 1,
			Prompt:   fmt.Sprintf("prompt %d", i+1),
			State:    types.StatePending,
		}
	}
	if n > 0 {
		items[0].State = types.StateSucceeded
		items[0].Result = &types.Artifact{Reference: "https://cdn/1.png", References: []string{"https://cdn/1.png"}}
	}
	if n > 1 {
		items[1].State = types.StateFailed
		items[1].Error = "upstream 500"
	}
	return types.RunSnapshot{
		RunID:      "run-1",
		Options:    types.GenerateOptions{}.WithDefaults(),
		WindowSize: 10,
		Items:      items,
		Progress:   types.Progress{Completed: min(n, 2), Total: n},
		StartedAt:  time.Now().UTC().Truncate(time.Millisecond),
		JournalSeq: 42,
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("test_manifest.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_manifest.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	manager := NewManager(path)

	original := sampleRun(3)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.RunID, loaded.RunID)
	assert.Equal(t, original.JournalSeq, loaded.JournalSeq)
	assert.Equal(t, original.Progress, loaded.Progress)
	assert.True(t, original.StartedAt.Equal(loaded.StartedAt))
	require.Len(t, loaded.Items, 3)
	assert.Equal(t, original.Items[0].Result, loaded.Items[0].Result)
	assert.Equal(t, "upstream 500", loaded.Items[1].Error)
	assert.Equal(t, types.StatePending, loaded.Items[2].State)
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleRun(2)))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	next := sampleRun(5)
	next.RunID = "run-2"
	require.NoError(t, manager.Write(next))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, "run-2", loaded.RunID)
	assert.Len(t, loaded.Items, 5)
}

func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "manifest.json")
	require.NoError(t, NewManager(path).Write(sampleRun(1)))
	assert.FileExists(t, path)
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	manager := NewManager(path)

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(sampleRun(1)))
	assert.True(t, manager.Exists())
}

func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id":"x","schema_ver":2}`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id":`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(dir, 0555))

	err := NewManager(filepath.Join(dir, "manifest.json")).Write(sampleRun(1))
	assert.Error(t, err)
}

func TestWriteWithBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	manager := NewManager(path)

	require.NoError(t, manager.WriteWithBackup(sampleRun(1)))
	second := sampleRun(2)
	second.RunID = "run-2"
	require.NoError(t, manager.WriteWithBackup(second))

	backups, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, "run-2", loaded.RunID)
}

func TestWriteWithBackupPrunesOldManifests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	manager := NewManager(path)
	manager.SetRetention(2)

	for i := 1; i <= 5; i++ {
		run := sampleRun(1)
		run.RunID = fmt.Sprintf("run-%d", i)
		require.NoError(t, manager.WriteWithBackup(run))
		time.Sleep(5 * time.Millisecond)
	}

	backups, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, "run-5", loaded.RunID)
}

func TestLargeManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleRun(5000)))
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 5000)
	assert.Equal(t, 5000, loaded.Items[4999].Sequence)
}

func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	manager := NewManager(path)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run := sampleRun(i + 1)
			run.RunID = fmt.Sprintf("run-%d", i)
			assert.NoError(t, manager.Write(run))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.RunID)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "manifest.json"))
	run := sampleRun(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(run)
	}
}
