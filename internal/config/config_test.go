package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mellowdrifter/pcpd/internal/policy"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("pcpd", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.False(t, cfg.External().IsValid())
	require.Nil(t, cfg.Policy)
}

func TestLoadFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcpd.yaml")
	writeFile(t, path, `
listen: "127.0.0.1:5351"
log_level: debug
external_address: 203.0.113.7
port_range_start: 40000
port_range_end: 40010
protocols: [17]
shutdown_timeout: 2s
pcp:
  peer_support: false
  max_mapping_lifetime: 3600
`)

	cfg, err := Load(newFlags(t, "--config", path, "--listen", ":15351", "-o", "/tmp/pcpd.out"))
	require.NoError(t, err)
	require.Equal(t, ":15351", cfg.ListenAddr)
	require.Equal(t, "/tmp/pcpd.out", cfg.OutputPath)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "203.0.113.7", cfg.External().String())
	require.Equal(t, uint16(40000), cfg.PortRangeStart)
	require.Equal(t, []uint8{17}, cfg.Protocols)
	require.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, DefaultDBPath, cfg.DBPath)

	want := policy.Default()
	want.PeerSupport = false
	want.MaxLifetime = 3600
	require.Equal(t, &want, cfg.Policy)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "listen: [\n")
	_, err = LoadFile(bad)
	require.Error(t, err)

	tests := map[string]string{
		"external": "external_address: not-an-ip\n",
		"range":    "port_range_start: 5000\nport_range_end: 4000\n",
		"quota":    "max_mappings_per_client: -1\n",
		"lifetime": "pcp:\n  min_mapping_lifetime: 500\n  max_mapping_lifetime: 100\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, name+".yaml")
			writeFile(t, p, body)
			_, err := LoadFile(p)
			require.Error(t, err)
		})
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcpd.yaml")
	writeFile(t, path, "pcp:\n  map_support: true\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop().Sugar(), func(c *Config) { changes <- c })
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "pcp:\n  map_support: false\n")

	select {
	case cfg := <-changes:
		require.NotNil(t, cfg.Policy)
		require.False(t, cfg.Policy.MapSupport)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload seen")
	}

	cancel()
	require.NoError(t, <-done)
}
