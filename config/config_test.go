package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedStrategy(t *testing.T) {
	cfg := Default()
	assert.Equal(t, StackWithCOW, cfg.RegisterAllocationMode)
	assert.Equal(t, FewerBranches, cfg.ConditionalBranchingMode)
	assert.Equal(t, BoundsCheckInPlace, cfg.StackCheckMode)
	assert.True(t, cfg.BoundsCheckElimination)
	assert.True(t, cfg.TailCallsOptimised)
	assert.True(t, cfg.EnsureZeroesAfterStack)
	assert.True(t, cfg.RegisterWriteElimination)
}

func TestLoadKeepsDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"register_allocation_mode = \"naive\"\ntail_calls_optimised = false\n",
	), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Naive, cfg.RegisterAllocationMode)
	assert.False(t, cfg.TailCallsOptimised)
	assert.Equal(t, FewerBranches, cfg.ConditionalBranchingMode, "omitted fields keep their defaults")
	assert.Equal(t, Default().StackCapacityWords, cfg.StackCapacityWords)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
