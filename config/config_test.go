package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/peerdrop/internal/integrity"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8888, cfg.Port)
	require.Equal(t, "received_files", cfg.ReceiveDir)
	require.Equal(t, 4096, cfg.ChunkSize)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	require.Equal(t, time.Second, cfg.AcceptPollInterval)
	require.Equal(t, 2*time.Minute, cfg.ReceiverOptions().IdleTimeout)
	require.Equal(t, integrity.MD5, cfg.Algorithm())
	require.False(t, cfg.StrictIntegrity)
	require.Equal(t, 720*time.Hour, cfg.HistoryRetention)
	require.Same(t, cfg, Config)
}

func TestLoadConfigFileAndEnvLayers(t *testing.T) {
	dir := t.TempDir()
	yaml := "port: 9100\nchunk_size: 8192\ndigest_algorithm: sha256\naccept_poll_interval: 250ms\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("PEERDROP_PORT", "9200")
	t.Setenv("PEERDROP_STRICT_INTEGRITY", "true")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9200, cfg.Port)
	require.Equal(t, 8192, cfg.ChunkSize)
	require.Equal(t, 250*time.Millisecond, cfg.AcceptPollInterval)
	require.True(t, cfg.StrictIntegrity)

	send := cfg.SenderOptions()
	require.Equal(t, integrity.SHA256, send.Algorithm)
	require.Equal(t, 8192, send.ChunkSize)
	require.True(t, cfg.ReceiverOptions().StrictIntegrity)
	require.Equal(t, 9200, cfg.ServerOptions().Port)
	require.Equal(t, 5*time.Second, cfg.ClientOptions().ConnectTimeout)
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PEERDROP_RECEIVE_DIR=inbox\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("PEERDROP_RECEIVE_DIR") })

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, "inbox", cfg.ReceiveDir)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "chunk_size", yaml: "chunk_size: 0\n"},
		{name: "port", yaml: "port: 70000\n"},
		{name: "algorithm", yaml: "digest_algorithm: crc32\n"},
		{name: "poll_interval", yaml: "accept_poll_interval: 0s\n"},
		{name: "idle_timeout", yaml: "idle_timeout: -1s\n"},
		{name: "malformed", yaml: "port: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.yaml), 0644))
			_, err := LoadConfig(dir)
			require.Error(t, err)
		})
	}
}
