package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateCommand_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vidscan.db")
	t.Setenv("REPOSITORY_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema ready (sqlite)")

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestMigrateCommand_InvalidConfig(t *testing.T) {
	t.Setenv("REPOSITORY_DRIVER", "oracle")

	_, err := execute(t, "migrate")
	assert.ErrorContains(t, err, "config error")
}
