package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_DisabledReturnsNoPath(t *testing.T) {
	t.Setenv("TETHER_DEBUG", "")
	t.Setenv("TETHER_DEBUG_FILE", "")

	path, err := Initialize(false, "", DefaultMaxLogFiles)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.NotNil(t, Logger)
}

func TestInitialize_CustomFile(t *testing.T) {
	t.Setenv("TETHER_DEBUG", "")
	file := filepath.Join(t.TempDir(), "nested", "tether.log")

	path, err := Initialize(false, file, DefaultMaxLogFiles)
	require.NoError(t, err)
	assert.Equal(t, file, path)

	Logger.Info("hello", "session", "C1:T1")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session":"C1:T1"`)
}

func TestInitialize_EnvDebugFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "env.log")
	t.Setenv("TETHER_DEBUG_FILE", file)

	path, err := Initialize(false, "", DefaultMaxLogFiles)
	require.NoError(t, err)
	assert.Equal(t, file, path)
}

func TestRotateLogs(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.log", "b.log", "c.log", "keep.txt"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mod, mod))
	}

	require.NoError(t, rotateLogs(dir, 2))

	_, err := os.Stat(filepath.Join(dir, "a.log"))
	assert.True(t, os.IsNotExist(err), "oldest log should be removed")
	_, err = os.Stat(filepath.Join(dir, "b.log"))
	assert.True(t, os.IsNotExist(err), "second oldest log should be removed to make room")
	assert.FileExists(t, filepath.Join(dir, "c.log"))
	assert.FileExists(t, filepath.Join(dir, "keep.txt"))
}
