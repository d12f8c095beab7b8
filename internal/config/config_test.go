package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab/printfleet/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "printfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, ":9105", cfg.MetricsAddr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.Printers)
}

func TestLoadInventory(t *testing.T) {
	path := writeConfig(t, `
poll_interval: 5s
log_level: DEBUG
printers:
  - name: voron-1
    protocol: octoprint
    url: http://voron-1.local
    api_key: abc123
    interlocks:
      - name: door
        critical: true
      - name: filament
  - name: x1c-1
    protocol: bambu
    host: 192.168.1.40
    serial: 00M09A350100042
    access_code: "12345678"
  - name: saturn-1
    protocol: sdcp
    host: 192.168.1.41
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Len(t, cfg.Printers, 3)

	voron := cfg.Printers[0]
	assert.Equal(t, "octoprint", voron.Protocol)
	assert.Equal(t, "abc123", voron.APIKey)
	require.Len(t, voron.Interlocks, 2)
	assert.True(t, voron.Interlocks[0].Critical)
	assert.False(t, voron.Interlocks[1].Critical)

	assert.Equal(t, "00M09A350100042", cfg.Printers[1].Serial)
	assert.Equal(t, "192.168.1.41", cfg.Printers[2].Host)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PRINTFLEET_METRICS_ADDR", ":9999")
	t.Setenv("PRINTFLEET_LOG_LEVEL", "warn")
	t.Setenv("PRINTFLEET_POLL_INTERVAL", "250ms")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.MetricsAddr)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"missing file",
			"", // handled below
			"read config",
		},
		{
			"octoprint without url",
			"printers:\n  - name: voron-1\n    protocol: octoprint\n",
			"requires url",
		},
		{
			"bambu without access code",
			"printers:\n  - name: x1c\n    protocol: bambu\n    host: h\n    serial: s\n",
			"requires host, serial and access_code",
		},
		{
			"sdcp without host",
			"printers:\n  - name: saturn\n    protocol: sdcp\n",
			"requires host",
		},
		{
			"unknown protocol",
			"printers:\n  - name: p\n    protocol: klipper\n",
			"unknown protocol",
		},
		{
			"duplicate names",
			"printers:\n  - name: p\n    protocol: sdcp\n    host: a\n  - name: p\n    protocol: sdcp\n    host: b\n",
			"duplicate printer name",
		},
		{
			"empty printer name",
			"printers:\n  - name: \"\"\n    protocol: sdcp\n    host: a\n",
			"empty name",
		},
		{
			"empty interlock name",
			"printers:\n  - name: p\n    protocol: sdcp\n    host: a\n    interlocks:\n      - name: \"\"\n",
			"interlock with empty name",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.yaml")
			if tc.yaml != "" {
				path = writeConfig(t, tc.yaml)
			}
			_, err := config.Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
