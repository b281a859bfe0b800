package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint32(27017), cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.IdleCursorTimeout)
	assert.Equal(t, 3, cfg.FacetConcurrency)
}

func TestEnsureDataDirCreatesMissingDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := Config{DataDir: "/var/lib/mongosqld"}
	require.NoError(t, EnsureDataDir(fs, cfg))

	exists, err := afero.DirExists(fs, cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, exists)
}
