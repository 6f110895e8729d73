package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("MANTORA_PATH_TEST", "/tmp/mantora-path")

	t.Run("tilde", func(t *testing.T) {
		got, err := Expand("~/.mantora/sessions.db")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".mantora", "sessions.db"), got)
	})

	t.Run("bare tilde", func(t *testing.T) {
		got, err := Expand("~")
		require.NoError(t, err)
		assert.Equal(t, home, got)
	})

	t.Run("env", func(t *testing.T) {
		got, err := Expand("$MANTORA_PATH_TEST/db")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/mantora-path/db", got)
	})

	t.Run("empty", func(t *testing.T) {
		got, err := Expand("   ")
		require.NoError(t, err)
		assert.Equal(t, "", got)
	})
}

func TestDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	assert.Equal(t, filepath.Join(home, DirName, "sessions.db"), DefaultDBPath())
	assert.Equal(t, filepath.Join(home, DirName, "config.yaml"), DefaultConfigPath())
}
