package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Segments, cfg.Segments)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeID: node-1\nsegments: 64\nspareLeader: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, 64, cfg.Segments)
	assert.True(t, cfg.SpareLeader)
}

func TestValidateRequiresNodeIDBindAddrRPCAddr(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg.NodeID = "node-1"
	cfg.BindAddr = "10.0.0.1:7000"
	cfg.RPCAddr = "10.0.0.1:7001"
	cfg.MemberAddr = "10.0.0.1:7002"
	assert.NoError(t, cfg.Validate())
}
