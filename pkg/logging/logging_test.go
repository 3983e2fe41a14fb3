package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lionchief-bridge/pkg/config"
)

func TestNewJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	logger, closer, err := New(config.LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	Component(logger, "coordinator").WithField("mac", "AA:BB:CC:DD:EE:FF").Debug("conectado")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, "coordinator", line["component"])
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", line["mac"])
	assert.Equal(t, "conectado", line["msg"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, parseLevel("warn"))
	assert.Equal(t, logrus.InfoLevel, parseLevel("bogus"))
}

func TestNewBadOutput(t *testing.T) {
	_, _, err := New(config.LogConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
