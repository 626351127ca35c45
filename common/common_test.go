package common

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{JSON: true, Service: "svc", Version: "v1", Output: &buf})
	log.Debug("hidden")
	log.Info("shown", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "svc", line["service"])
	assert.Equal(t, "v1", line["version"])
	assert.Equal(t, "v", line["k"])
}

func TestSetupLoggerDebug(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{Debug: true, Output: &buf})
	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestDefaultDataDir(t *testing.T) {
	t.Setenv(DataDirEnv, "/tmp/cvmctl-test")
	assert.Equal(t, "/tmp/cvmctl-test", DefaultDataDir())
}
