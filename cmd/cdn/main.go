package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attachdl/internal/cdnserver"
	"attachdl/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		listenAddr  string
		dataDir     string
		protocol    string
		certFile    string
		keyFile     string
		plain       bool
		logLevelStr string
	)
	cmd := &cobra.Command{
		Use:           "cdn",
		Short:         "Serve encrypted attachment blobs from a directory over HTTPS or HTTP/3",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Serve blobs produced by datagen over HTTP/3 with a self-signed certificate
  cdn --data ./cdn_data --protocol h3 --listen :8443`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logLevel, err := config.ParseLogLevel(logLevelStr)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
			slog.SetDefault(logger)

			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("create data directory %s: %w", dataDir, err)
			}

			var tlsConf *tls.Config
			if !plain || protocol == cdnserver.ProtocolHTTP3 {
				tlsConf, err = setupServerTLS(certFile, keyFile, logger)
				if err != nil {
					return fmt.Errorf("setup TLS: %w", err)
				}
			}

			srv, err := cdnserver.New(cdnserver.Config{
				ListenAddr:  listenAddr,
				BaseDataDir: dataDir,
				Protocol:    protocol,
				TLSConfig:   tlsConf,
				Logger:      logger,
			}, cdnserver.NewDiskBlobProvider(dataDir, logger))
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			logger.Info("cdn starting", "listen_addr", listenAddr, "data_dir", dataDir, "protocol", protocol)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			logger.Info("cdn shutdown complete")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", ":8443", "address to listen on")
	flags.StringVar(&dataDir, "data", "./cdn_data", "directory containing blobs named by server id")
	flags.StringVar(&protocol, "protocol", cdnserver.ProtocolHTTP1, "http1 or h3")
	flags.StringVar(&certFile, "cert", "", "TLS certificate file (generates self-signed if empty)")
	flags.StringVar(&keyFile, "key", "", "TLS key file (generates self-signed if empty)")
	flags.BoolVar(&plain, "plain", false, "serve http1 without TLS")
	flags.StringVar(&logLevelStr, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

// setupServerTLS loads the key pair from files, or generates a self-signed
// certificate for localhost when none is given.
func setupServerTLS(certFile, keyFile string, logger *slog.Logger) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		logger.Info("Loading TLS certificate from files", "cert_file", certFile, "key_file", keyFile)
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	logger.Warn("No TLS cert/key files provided, generating self-signed (INSECURE)")
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().Unix()), Subject: pkix.Name{Organization: []string{"attachdl-cdn-self"}},
		NotBefore: time.Now(), NotAfter: time.Now().Add(30 * 24 * time.Hour),
		KeyUsage: x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature, ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}, DNSNames: []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key}},
	}, nil
}
