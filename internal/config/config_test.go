package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvAlignStrict, "true")
	t.Setenv(EnvSpeculative, "false")
	t.Setenv(EnvOverride, "2")
	t.Setenv(EnvMaxUnroll, "8")
	t.Setenv(EnvLogFormat, "JSON")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, c.AlignStrict)
	assert.False(t, c.SpeculativeChecks)
	assert.True(t, c.HoistReductions, "unset knobs keep their default")
	assert.Equal(t, ForceOn, c.Override)
	assert.Equal(t, 8, c.MaxUnroll)
	assert.Equal(t, "json", c.LogFormat)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv(EnvOverride, "3")
	_, err := FromEnv()
	assert.ErrorContains(t, err, EnvOverride)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.MaxUnroll = 12
	assert.Error(t, c.Validate())
	c = Default()
	c.VectorBytes = 48
	assert.Error(t, c.Validate())
	c.VectorBytes = 2
	assert.NoError(t, c.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte(EnvMaxUnroll+"=4\n"), 0o644))
	t.Setenv(EnvMaxUnroll, "")
	require.NoError(t, os.Unsetenv(EnvMaxUnroll))

	require.NoError(t, LoadDotEnv(path))
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 4, c.MaxUnroll)

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}

func TestCombinations(t *testing.T) {
	all := Default().Combinations()
	assert.Len(t, all, 48)
	seen := make(map[Config]bool)
	for _, c := range all {
		seen[c] = true
	}
	assert.Len(t, seen, 48)
}
