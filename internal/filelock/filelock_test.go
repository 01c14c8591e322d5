package filelock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteCreatesFileAndParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "structure.json")
	require.NoError(t, AtomicWrite(path, []byte(`{"ok":true}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestAtomicWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, AtomicWrite(path, []byte("first")))
	require.NoError(t, AtomicWrite(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, AtomicWrite(filepath.Join(dir, "a.json"), []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.json", entries[0].Name())
}

func TestLockReleasesForNextHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db.lock")

	first := New(path)
	require.NoError(t, first.Lock())
	require.NoError(t, first.Unlock())

	second := New(path)
	require.NoError(t, second.Lock())
	require.NoError(t, second.Unlock())
}

func TestLockAndWriteSerializesWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.json")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, LockAndWrite(path, []byte("payload")))
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
