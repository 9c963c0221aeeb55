package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	home := t.TempDir()
	c, err := Load(LoadOptions{Overrides: map[string]any{"home": home}})
	require.NoError(t, err)
	assert.Equal(t, home, c.Home)
	assert.Equal(t, "127.0.0.1:7447", c.Listen)
	assert.Equal(t, filepath.Join(home, "nearlink.db"), c.Database)
	assert.Equal(t, 15*time.Minute, c.RotateInterval)
	assert.Equal(t, 10*time.Second, c.HandshakeTimeout)
	assert.Equal(t, -90, c.Discovery.MinRSSI)
	assert.Equal(t, 10*time.Second, c.Discovery.Liveness)
	assert.Equal(t, 2*time.Second, c.Discovery.SweepInterval)
	assert.Equal(t, time.Minute, c.Discovery.MaxSession)
	assert.Equal(t, filepath.Join(home, "keys"), c.KeysDir())
}

func TestLayering(t *testing.T) {
	home := t.TempDir()
	yaml := "display_name: Alice\nlisten: 0.0.0.0:9000\ndiscovery:\n  min_rssi: -70\n  liveness: 30s\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, ConfigFileName), []byte(yaml), 0600))
	t.Setenv("NEARLINK_LISTEN", "127.0.0.1:9100")
	t.Setenv("NEARLINK_DISCOVERY_LIVENESS", "45s")

	c, err := Load(LoadOptions{Overrides: map[string]any{"home": home, "display_name": "Flag Alice"}})
	require.NoError(t, err)
	assert.Equal(t, "Flag Alice", c.DisplayName, "overrides beat the file")
	assert.Equal(t, "127.0.0.1:9100", c.Listen, "env beats the file")
	assert.Equal(t, -70, c.Discovery.MinRSSI, "file beats defaults")
	assert.Equal(t, 45*time.Second, c.Discovery.Liveness)
}

func TestExplicitFileMustExist(t *testing.T) {
	_, err := Load(LoadOptions{File: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	_, err := Load(LoadOptions{Overrides: map[string]any{"home": t.TempDir(), "discovery.min_rssi": 5}})
	assert.Error(t, err)
	_, err = Load(LoadOptions{Overrides: map[string]any{"home": t.TempDir(), "rotate_interval": "0s"}})
	assert.Error(t, err)
}
