// Package config loads the attachdl application configuration from flags,
// ATTACHDL_* environment variables and an optional YAML/JSON file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "ATTACHDL"

const (
	ProtocolHTTP1 = "http1"
	ProtocolHTTP3 = "h3"
	ProtocolS3    = "s3"
)

const (
	DefaultDBPath          = "attachdl.db"
	DefaultMaxDownloadSize = "100MiB"
	DefaultShutdownTimeout = 10 * time.Second
)

var (
	ErrUnknownProtocol = errors.New("unknown cdn protocol")
	ErrInvalidCDNURL   = errors.New("cdn base url must be <cdn number>=<url>")
	ErrNoS3Bucket      = errors.New("s3 protocol requires --s3-bucket")
)

type S3 struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Insecure  bool
}

type Debug struct {
	ForceFailures       bool
	ForceMessageRequest bool
	ForceManualDownload bool
}

type Config struct {
	ConfigFile string

	DBPath         string
	CDNBaseURLs    map[uint32]string
	CDNProtocol    string
	CDNInsecure    bool
	S3             S3
	TempDir        string
	AttachmentsDir string
	// MaxDownloadSize is in bytes.
	MaxDownloadSize int64

	MainApp     bool
	Constrained bool
	Wifi        bool
	ActiveCall  bool
	Debug       Debug

	LogLevel        slog.Level
	MetricsListen   string
	ShutdownTimeout time.Duration
}

var keys = []string{
	"config", "db-path", "cdn-base-url", "cdn-protocol", "cdn-insecure",
	"s3-endpoint", "s3-bucket", "s3-region", "s3-access-key", "s3-secret-key", "s3-insecure",
	"temp-dir", "attachments-dir", "max-download-size",
	"main-app", "constrained", "wifi", "active-call",
	"debug-force-failures", "debug-force-message-request", "debug-force-manual-download",
	"log-level", "metrics-listen", "shutdown-timeout",
}

// RegisterFlags defines every configuration flag on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to a YAML or JSON config file")
	fs.String("db-path", DefaultDBPath, "bbolt database file")
	fs.StringSlice("cdn-base-url", []string{"0=https://localhost:8443"}, "cdn base urls as <cdn number>=<url> (repeatable)")
	fs.String("cdn-protocol", ProtocolHTTP1, "cdn transport: http1, h3 or s3")
	fs.Bool("cdn-insecure", false, "skip TLS verification of the cdn (self-signed test servers)")
	fs.String("s3-endpoint", "", "s3 endpoint host:port")
	fs.String("s3-bucket", "", "s3 bucket holding attachment blobs")
	fs.String("s3-region", "", "s3 region")
	fs.String("s3-access-key", "", "s3 access key")
	fs.String("s3-secret-key", "", "s3 secret key")
	fs.Bool("s3-insecure", false, "use plain http for s3")
	fs.String("temp-dir", "", "directory for partial ciphertext (default: system temp dir)")
	fs.String("attachments-dir", "attachments", "directory for decrypted attachments")
	fs.String("max-download-size", DefaultMaxDownloadSize, "largest attachment accepted (e.g. 100MiB)")
	fs.Bool("main-app", true, "run as the main app (replays deferred downloads)")
	fs.Bool("constrained", false, "constrained execution context: one download at a time")
	fs.Bool("wifi", true, "report the device as reachable via wifi")
	fs.Bool("active-call", false, "report an active call")
	fs.Bool("debug-force-failures", false, "fail every download before it starts")
	fs.Bool("debug-force-message-request", false, "hold every download behind a message request")
	fs.Bool("debug-force-manual-download", false, "hold every download for manual download")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("metrics-listen", "", "address serving prometheus metrics (disabled when empty)")
	fs.Duration("shutdown-timeout", DefaultShutdownTimeout, "time allowed for downloads to stop")
}

// Bind binds the flags registered by RegisterFlags and the environment to v.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, name := range keys {
		flag := fs.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %q not registered", name)
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return err
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads the config file named by the "config" key, if any, and decodes
// the merged settings.
func Load(v *viper.Viper) (*Config, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath != "" {
		info, err := os.Stat(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("config file %q: %w", cfgPath, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config file %q is a directory", cfgPath)
		}
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", cfgPath, err)
		}
	}

	cfg := &Config{
		ConfigFile:     cfgPath,
		DBPath:         v.GetString("db-path"),
		CDNProtocol:    strings.ToLower(strings.TrimSpace(v.GetString("cdn-protocol"))),
		CDNInsecure:    v.GetBool("cdn-insecure"),
		TempDir:        v.GetString("temp-dir"),
		AttachmentsDir: v.GetString("attachments-dir"),
		S3: S3{
			Endpoint:  v.GetString("s3-endpoint"),
			Bucket:    v.GetString("s3-bucket"),
			Region:    v.GetString("s3-region"),
			AccessKey: v.GetString("s3-access-key"),
			SecretKey: v.GetString("s3-secret-key"),
			Insecure:  v.GetBool("s3-insecure"),
		},
		MainApp:     v.GetBool("main-app"),
		Constrained: v.GetBool("constrained"),
		Wifi:        v.GetBool("wifi"),
		ActiveCall:  v.GetBool("active-call"),
		Debug: Debug{
			ForceFailures:       v.GetBool("debug-force-failures"),
			ForceMessageRequest: v.GetBool("debug-force-message-request"),
			ForceManualDownload: v.GetBool("debug-force-manual-download"),
		},
		MetricsListen:   v.GetString("metrics-listen"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	switch cfg.CDNProtocol {
	case ProtocolHTTP1, ProtocolHTTP3:
		urls, err := ParseCDNBaseURLs(v.GetStringSlice("cdn-base-url"))
		if err != nil {
			return nil, err
		}
		cfg.CDNBaseURLs = urls
	case ProtocolS3:
		if cfg.S3.Bucket == "" {
			return nil, ErrNoS3Bucket
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.CDNProtocol)
	}

	raw := v.GetString("max-download-size")
	if raw == "" {
		raw = DefaultMaxDownloadSize
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse max-download-size: %w", err)
	}
	cfg.MaxDownloadSize = int64(size)

	level, err := ParseLogLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level
	return cfg, nil
}

// ParseCDNBaseURLs parses <cdn number>=<url> entries.
func ParseCDNBaseURLs(entries []string) (map[uint32]string, error) {
	urls := make(map[uint32]string, len(entries))
	for _, entry := range entries {
		num, url, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || url == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCDNURL, entry)
		}
		n, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCDNURL, entry)
		}
		urls[uint32(n)] = strings.TrimRight(url, "/")
	}
	return urls, nil
}

func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
