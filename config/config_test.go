package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenEnvUnset(t *testing.T) {
	t.Setenv("CASCADE_HTTP_ADDR", "")
	t.Setenv("CASCADE_MAX_PARALLEL_SOUNDINGS", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.MaxParallelSoundings)
}

func TestLoadReadsOverriddenEnv(t *testing.T) {
	t.Setenv("CASCADE_HTTP_ADDR", ":9090")
	t.Setenv("CASCADE_MAX_PARALLEL_SOUNDINGS", "16")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 16, cfg.MaxParallelSoundings)
}

func TestLoadRejectsInvalidInt(t *testing.T) {
	t.Setenv("CASCADE_MAX_PARALLEL_SOUNDINGS", "not-a-number")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingEnvFileIsNotAnError(t *testing.T) {
	_, err := Load("/nonexistent/path/.env")
	assert.NoError(t, err)
}
