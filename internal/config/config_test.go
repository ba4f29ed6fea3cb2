package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`gateway_uri: ws://127.0.0.1:1977`))
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:1977", cfg.GatewayURI)
	require.Equal(t, 60*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 1024, cfg.MaxQueuedPerConnection)
	require.Equal(t, 65536, cfg.MaxDataFrameBytes)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestParseOverridesDefaults(t *testing.T) {
	raw := []byte(`
gateway_uri: ws://gateway.example:1977
handshake_timeout: 10s
max_queued_per_connection: 64
max_data_frame_bytes: 4096
log_level: debug
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 64, cfg.MaxQueuedPerConnection)
	require.Equal(t, 4096, cfg.MaxDataFrameBytes)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestParseRequiresGatewayURI(t *testing.T) {
	_, err := Parse([]byte(`log_level: debug`))
	require.Error(t, err)
}

func TestParseRejectsInvalidDuration(t *testing.T) {
	raw := []byte(`
gateway_uri: ws://gateway.example:1977
handshake_timeout: not-a-duration
`)
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsNonPositiveBounds(t *testing.T) {
	raw := []byte(`
gateway_uri: ws://gateway.example:1977
max_queued_per_connection: 0
`)
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	require.Error(t, err)
}
