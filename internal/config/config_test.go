package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args []string, env map[string]string) (*Config, error) {
	t.Helper()
	for k, val := range env {
		t.Setenv(k, val)
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	v := viper.New()
	require.NoError(t, Bind(v, fs))
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, ProtocolHTTP1, cfg.CDNProtocol)
	assert.Equal(t, map[uint32]string{0: "https://localhost:8443"}, cfg.CDNBaseURLs)
	assert.Equal(t, int64(100<<20), cfg.MaxDownloadSize)
	assert.True(t, cfg.MainApp)
	assert.True(t, cfg.Wifi)
	assert.False(t, cfg.Constrained)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
}

func TestLoad_Sources(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "attachdl.yaml")
	require.NoError(t, os.WriteFile(file, []byte("db-path: /var/lib/attachdl.db\nconstrained: true\nmax-download-size: 5MB\n"), 0o600))

	tests := []struct {
		name  string
		args  []string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "flags",
			args: []string{"--cdn-base-url", "0=https://cdn0.example/", "--cdn-base-url", "2=https://cdn2.example", "--cdn-protocol", "H3", "--log-level", "debug"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, map[uint32]string{0: "https://cdn0.example", 2: "https://cdn2.example"}, cfg.CDNBaseURLs)
				assert.Equal(t, ProtocolHTTP3, cfg.CDNProtocol)
				assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
			},
		},
		{
			name: "environment",
			env: map[string]string{
				"ATTACHDL_MAX_DOWNLOAD_SIZE":    "1.5GiB",
				"ATTACHDL_ACTIVE_CALL":          "true",
				"ATTACHDL_DEBUG_FORCE_FAILURES": "true",
				"ATTACHDL_SHUTDOWN_TIMEOUT":     "3s",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, int64(1610612736), cfg.MaxDownloadSize)
				assert.True(t, cfg.ActiveCall)
				assert.True(t, cfg.Debug.ForceFailures)
				assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
			},
		},
		{
			name: "config file",
			args: []string{"--config", file},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, file, cfg.ConfigFile)
				assert.Equal(t, "/var/lib/attachdl.db", cfg.DBPath)
				assert.True(t, cfg.Constrained)
				assert.Equal(t, int64(5_000_000), cfg.MaxDownloadSize)
			},
		},
		{
			name: "flag beats config file",
			args: []string{"--config", file, "--db-path", "local.db"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "local.db", cfg.DBPath)
			},
		},
		{
			name: "s3",
			args: []string{"--cdn-protocol", "s3", "--s3-endpoint", "localhost:9000", "--s3-bucket", "blobs", "--s3-insecure"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, S3{Endpoint: "localhost:9000", Bucket: "blobs", Insecure: true}, cfg.S3)
				assert.Nil(t, cfg.CDNBaseURLs)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(t, tt.args, tt.env)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{name: "unknown protocol", args: []string{"--cdn-protocol", "gopher"}, wantErr: ErrUnknownProtocol},
		{name: "s3 without bucket", args: []string{"--cdn-protocol", "s3"}, wantErr: ErrNoS3Bucket},
		{name: "bad cdn url", args: []string{"--cdn-base-url", "https://cdn.example"}, wantErr: ErrInvalidCDNURL},
		{name: "non numeric cdn", args: []string{"--cdn-base-url", "x=https://cdn.example"}, wantErr: ErrInvalidCDNURL},
		{name: "bad size", args: []string{"--max-download-size", "lots"}},
		{name: "bad log level", args: []string{"--log-level", "loud"}},
		{name: "missing config file", args: []string{"--config", filepath.Join(dir, "nope.yaml")}, wantErr: os.ErrNotExist},
		{name: "config file is a directory", args: []string{"--config", dir}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args, nil)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
