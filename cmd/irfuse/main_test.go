package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/irgraph/internal/testmodels"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("irfuse", pflag.ContinueOnError)
	registerFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig(parseFlags(t))
		require.NoError(t, err)
		assert.Equal(t, "mha", cfg.Model)
		assert.Equal(t, testmodels.DefaultMHAConfig(), cfg.MHAConfig)
		assert.False(t, cfg.Verify)
		assert.Equal(t, uint64(42), cfg.Seed)
	})

	t.Run("flags", func(t *testing.T) {
		cfg, err := loadConfig(parseFlags(t, "--dynamic-batch", "--with-mul", "--variant=select", "--min-nodes=3", "--dynamic-dim=5"))
		require.NoError(t, err)
		assert.True(t, cfg.DynamicBatch)
		assert.True(t, cfg.WithMul)
		assert.Equal(t, testmodels.MHASelect, cfg.Variant)
		assert.Equal(t, 3, cfg.MinNodes)
		assert.Equal(t, 5, cfg.DynamicDim)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "irfuse.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
model: reshape-chain
heads: 4
dtype: f16
hoist: true
delta: 0.01
`), 0o644))
		// Flags set explicitly take precedence over the file.
		cfg, err := loadConfig(parseFlags(t, "--config", path, "--heads=8"))
		require.NoError(t, err)
		assert.Equal(t, "reshape-chain", cfg.Model)
		assert.Equal(t, 8, cfg.Heads)
		assert.Equal(t, "f16", cfg.DType)
		assert.True(t, cfg.Hoist)
		assert.InDelta(t, 0.01, cfg.Delta, 1e-9)
	})

	t.Run("unknown variant", func(t *testing.T) {
		_, err := loadConfig(parseFlags(t, "--variant=sparse"))
		require.ErrorContains(t, err, "unknown MHA variant")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(parseFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
		require.Error(t, err)
	})
}

func TestRun(t *testing.T) {
	for _, args := range [][]string{
		{"--verify"},
		{"--verify", "--variant=fake-quantize", "--dynamic-batch", "--hoist"},
		{"--verify", "--model=reshape-chain", "--dynamic-batch"},
		{"--verify", "--with-mul", "--variant=int8"},
		{"--verify", "--hoist", "--variant=mul-add"},
	} {
		t.Run(args[len(args)-1], func(t *testing.T) {
			cfg, err := loadConfig(parseFlags(t, args...))
			require.NoError(t, err)
			require.NoError(t, run(cfg))
		})
	}

	cfg, err := loadConfig(parseFlags(t, "--model=unknown"))
	require.NoError(t, err)
	require.ErrorContains(t, run(cfg), "unknown model family")
}
