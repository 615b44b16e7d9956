package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attachdl/internal/client/cdn"
	"attachdl/internal/client/downloader"
	"attachdl/internal/config"
	"attachdl/internal/metrics"
	"attachdl/internal/notify"
	"attachdl/internal/store"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfg *config.Config
	cmd := &cobra.Command{
		Use:           "attachdl",
		Short:         "attachdl downloads, decrypts and stores message attachments from a CDN",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Download every pending attachment of a thread seeded by datagen
  attachdl --db-path attachdl.db --cdn-insecure thread fixture-thread

  # Same over HTTP/3, configured through the environment
  ATTACHDL_CDN_PROTOCOL=h3 ATTACHDL_CDN_INSECURE=true attachdl thread fixture-thread

  # Read blobs straight from an S3 bucket
  attachdl --cdn-protocol s3 --s3-endpoint localhost:9000 --s3-bucket blobs --s3-insecure message m1`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(v)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())
	if err := config.Bind(v, cmd.PersistentFlags()); err != nil {
		panic(err)
	}

	appFn := func() *config.Config { return cfg }
	cmd.AddCommand(
		newThreadCommand(appFn),
		newMessageCommand(appFn),
		newStoryCommand(appFn),
		newPointerCommand(appFn),
		newWhitelistCommand(appFn),
		newReplayCommand(appFn),
		newPrefsCommand(appFn),
		newShellCommand(appFn),
	)
	return cmd
}

// app is the running download service and what it is wired to.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         store.Store
	center     *notify.Center
	metrics    *metrics.Downloads
	downloads  downloader.Downloads
	metricsSrv *http.Server
}

func newLogger(level slog.Level) *slog.Logger {
	handlerOptions := &slog.HandlerOptions{Level: level, AddSource: true}
	logger := slog.New(slog.NewTextHandler(os.Stderr, handlerOptions))
	slog.SetDefault(logger)
	return logger
}

func newTransport(cfg *config.Config, logger *slog.Logger) (cdn.Transport, error) {
	switch cfg.CDNProtocol {
	case config.ProtocolS3:
		return cdn.NewS3Transport(cdn.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Insecure:  cfg.S3.Insecure,
			PathStyle: true,
			TempDir:   cfg.TempDir,
			Logger:    logger,
		})
	default:
		return cdn.NewHTTPTransport(cdn.HTTPConfig{
			BaseURLs:        cfg.CDNBaseURLs,
			Protocol:        cfg.CDNProtocol,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.CDNInsecure},
			TempDir:         cfg.TempDir,
			Logger:          logger,
		})
	}
}

// startApp opens the store, builds the transport and starts the download
// service, replaying deferred downloads when running as the main app.
func startApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)
	logger.Info("attachdl starting", "db_path", cfg.DBPath, "cdn_protocol", cfg.CDNProtocol,
		"main_app", cfg.MainApp, "constrained", cfg.Constrained)

	db, err := store.Open(store.Config{Path: cfg.DBPath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	transport, err := newTransport(cfg, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cdn transport: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		center:  notify.NewCenter(logger),
		metrics: metrics.New(),
	}
	a.downloads, err = downloader.New(downloader.Config{
		Store:      db,
		Transport:  transport,
		Publisher:  a.center,
		Conditions: downloader.StaticConditions{ActiveCall: cfg.ActiveCall, Wifi: cfg.Wifi},
		Metrics:    a.metrics,
		Context: downloader.ExecutionContext{
			MainApp:     cfg.MainApp,
			Constrained: cfg.Constrained,
		},
		Debug: downloader.DebugFlags{
			ForceFailures:              cfg.Debug.ForceFailures,
			ForcePendingMessageRequest: cfg.Debug.ForceMessageRequest,
			ForcePendingManualDownload: cfg.Debug.ForceManualDownload,
		},
		AttachmentsDir:  cfg.AttachmentsDir,
		MaxDownloadSize: cfg.MaxDownloadSize,
		Logger:          logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if cfg.MetricsListen != "" {
		if err := a.serveMetrics(cfg.MetricsListen); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := a.downloads.Start(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("start downloads: %w", err)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.logger.Info("Serving metrics.", "address", ln.Addr().String())
	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed.", "error", err)
		}
	}()
	return nil
}

func (a *app) close() {
	if err := a.downloads.Shutdown(a.cfg.ShutdownTimeout); err != nil {
		a.logger.Error("Downloads shutdown failed.", "error", err)
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.metricsSrv.Shutdown(ctx)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Store close failed.", "error", err)
	}
	a.logger.Info("attachdl stopped")
}

// withApp runs fn against a started app and tears it down afterwards.
func withApp(cmd *cobra.Command, cfgFn func() *config.Config, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	a, err := startApp(ctx, cfgFn())
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
