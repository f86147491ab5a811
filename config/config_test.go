package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `OwnerAddress = "0x00000000000000000000000000000000000000aa"`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8645", cfg.RPCAddress)
	require.Equal(t, "127.0.0.1:9464", cfg.MetricsAddress)
	require.Equal(t, "./repod-data", cfg.DataDir)
	require.Equal(t, "local", cfg.Environment)
	require.Equal(t, 1024, cfg.EventBufferSize)
	require.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), cfg.Owner())
}

func TestLoadRespectsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
RPCAddress = "0.0.0.0:9000"
MetricsAddress = "0.0.0.0:9100"
DataDir = "/var/lib/repod"
OwnerAddress = "0x00000000000000000000000000000000000000aa"
Environment = "production"
EventBufferSize = 64
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.RPCAddress)
	require.Equal(t, "0.0.0.0:9100", cfg.MetricsAddress)
	require.Equal(t, "/var/lib/repod", cfg.DataDir)
	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, 64, cfg.EventBufferSize)
}

func TestLoadRequiresOwner(t *testing.T) {
	path := writeConfig(t, `RPCAddress = "127.0.0.1:8645"`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "OwnerAddress")
}

func TestLoadRejectsMalformedOwner(t *testing.T) {
	path := writeConfig(t, `OwnerAddress = "not-an-address"`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a hex address")
}

func TestLoadWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, err := Load(path)
	require.Error(t, err, "a freshly written default has no owner and must not start")
	require.FileExists(t, path)

	// The generated file parses once an owner is set.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	patched := strings.Replace(string(raw), `OwnerAddress = ""`,
		`OwnerAddress = "0x00000000000000000000000000000000000000aa"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(patched), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8645", cfg.RPCAddress)
}
