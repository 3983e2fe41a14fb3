package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, "LC", cfg.Scan.NamePrefix)
	assert.Equal(t, ":8080", cfg.Web.Addr)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
adapter_id: 1
scan:
  timeout: 3s
  name_prefix: LION
coordinator:
  reconnect_delay: 250ms
mqtt:
  enabled: true
  broker: tcp://broker:1883
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.AdapterID)
	assert.Equal(t, 3*time.Second, cfg.Scan.Timeout)
	assert.Equal(t, "LION", cfg.Scan.NamePrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordinator.ReconnectDelay)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	// untouched sections keep defaults
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://db:27017")
	t.Setenv("LIONCHIEF_STORE_DRIVER", "mongo")
	t.Setenv("MQTT_BROKER", "tcp://ha:1883")
	t.Setenv("LIONCHIEF_ADAPTER", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, "mongodb://db:27017", cfg.Store.MongoURI)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://ha:1883", cfg.MQTT.Broker)
	assert.Equal(t, 2, cfg.AdapterID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
	}{
		{"unknown driver", func(c *AppConfig) { c.Store.Driver = "redis" }},
		{"mongo without uri", func(c *AppConfig) { c.Store.Driver = "mongo" }},
		{"sqlite without path", func(c *AppConfig) { c.Store.Path = "" }},
		{"negative adapter", func(c *AppConfig) { c.AdapterID = -1 }},
		{"zero scan timeout", func(c *AppConfig) { c.Scan.Timeout = 0 }},
		{"zero burst", func(c *AppConfig) { c.Coordinator.CommandBurst = 0 }},
		{"mqtt without broker", func(c *AppConfig) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Defaults().Validate())
}
