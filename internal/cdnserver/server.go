// Package cdnserver serves encrypted attachment blobs from a directory over
// HTTP/1.1 or HTTP/3, with range requests and ETag validators.
package cdnserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

var (
	ErrServerClosed         = errors.New("blob server is closed")
	ErrBlobNotFound         = errors.New("blob not found")
	ErrPathTraversalAttempt = errors.New("path traversal attempt detected")
)

const (
	ProtocolHTTP1 = "http1"
	ProtocolHTTP3 = "h3"

	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second

	// PathPrefix is the URL prefix blobs are served under.
	PathPrefix = "/attachments/"
)

type Config struct {
	ListenAddr   string
	BaseDataDir  string
	Protocol     string
	TLSConfig    *tls.Config // required for h3
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Protocol == "" {
		c.Protocol = ProtocolHTTP1
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "cdnserver")
}

// BlobProvider resolves blob ids to readable content.
type BlobProvider interface {
	Open(blobID string) (io.ReadSeekCloser, os.FileInfo, error)
}

type diskBlobProvider struct {
	baseDataDir string
	logger      *slog.Logger
}

func NewDiskBlobProvider(baseDir string, logger *slog.Logger) BlobProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &diskBlobProvider{
		baseDataDir: baseDir,
		logger:      logger.With("component", "disk_blob_provider"),
	}
}

// safePath cleans blobID and checks the result stays under the base directory.
func (p *diskBlobProvider) safePath(blobID string) (string, error) {
	if blobID == "" || strings.Contains(blobID, "..") || strings.HasPrefix(blobID, "/") || strings.HasPrefix(blobID, "\\") {
		p.logger.Warn("Rejected blob id.", "raw_blob_id", blobID)
		return "", ErrPathTraversalAttempt
	}
	absBase, err := filepath.Abs(p.baseDataDir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absBase, blobID))
	if err != nil {
		return "", fmt.Errorf("resolve blob path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		p.logger.Warn("Resolved blob path outside base dir.", "raw_blob_id", blobID, "resolved_path", absPath)
		return "", ErrPathTraversalAttempt
	}
	return absPath, nil
}

func (p *diskBlobProvider) Open(blobID string) (io.ReadSeekCloser, os.FileInfo, error) {
	path, err := p.safePath(blobID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("open blob %s: %w", blobID, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat blob %s: %w", blobID, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, ErrBlobNotFound
	}
	return f, info, nil
}

type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Addr() net.Addr
	Handler() http.Handler
}

type serverImpl struct {
	config   Config
	provider BlobProvider

	mu     sync.Mutex
	addr   net.Addr
	h1     *http.Server
	h3     *http3.Server
	stopCh chan struct{}
	closed bool
}

func New(config Config, provider BlobProvider) (Server, error) {
	config.setDefaults()
	if provider == nil {
		if config.BaseDataDir == "" {
			return nil, errors.New("BaseDataDir is required without a custom BlobProvider")
		}
		provider = NewDiskBlobProvider(config.BaseDataDir, config.Logger)
	}
	if config.Protocol == ProtocolHTTP3 && config.TLSConfig == nil {
		return nil, errors.New("TLSConfig is mandatory for h3")
	}
	if config.Protocol != ProtocolHTTP1 && config.Protocol != ProtocolHTTP3 {
		return nil, fmt.Errorf("unsupported protocol %q", config.Protocol)
	}
	return &serverImpl{config: config, provider: provider, stopCh: make(chan struct{})}, nil
}

// Handler serves GET and HEAD under PathPrefix.
func (s *serverImpl) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathPrefix, s.serveBlob)
	return mux
}

func (s *serverImpl) serveBlob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	blobID := strings.TrimPrefix(r.URL.Path, PathPrefix)
	l := s.config.Logger.With("blob_id", blobID, "remote_addr", r.RemoteAddr)

	blob, info, err := s.provider.Open(blobID)
	switch {
	case errors.Is(err, ErrBlobNotFound):
		l.Debug("Blob not found.")
		http.NotFound(w, r)
		return
	case errors.Is(err, ErrPathTraversalAttempt):
		http.Error(w, "invalid blob id", http.StatusBadRequest)
		return
	case err != nil:
		l.Error("Failed to open blob.", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer blob.Close()

	w.Header().Set("ETag", etagFor(info))
	w.Header().Set("Content-Type", "application/octet-stream")
	l.Debug("Serving blob.", "size", info.Size(), "range", r.Header.Get("Range"))
	http.ServeContent(w, r, "", info.ModTime(), blob)
}

func etagFor(info os.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, info.Size(), info.ModTime().UnixNano())
}

// Start serves until ctx is cancelled or Stop is called.
func (s *serverImpl) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.addr != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	var serve func() error
	switch s.config.Protocol {
	case ProtocolHTTP3:
		conn, err := net.ListenPacket("udp", s.config.ListenAddr)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		}
		s.h3 = &http3.Server{
			Handler:   s.Handler(),
			TLSConfig: http3.ConfigureTLSConfig(s.config.TLSConfig),
			QUICConfig: &quic.Config{
				MaxIdleTimeout:       s.config.ReadTimeout + s.config.WriteTimeout,
				HandshakeIdleTimeout: 10 * time.Second,
			},
		}
		s.addr = conn.LocalAddr()
		h3 := s.h3
		serve = func() error { return h3.Serve(conn) }
	default:
		ln, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		}
		s.h1 = &http.Server{
			Handler:      s.Handler(),
			ReadTimeout:  s.config.ReadTimeout,
			WriteTimeout: s.config.WriteTimeout,
			ErrorLog:     slog.NewLogLogger(s.config.Logger.Handler(), slog.LevelWarn),
		}
		s.addr = ln.Addr()
		h1 := s.h1
		if s.config.TLSConfig != nil {
			h1.TLSConfig = s.config.TLSConfig
			serve = func() error { return h1.ServeTLS(ln, "", "") }
		} else {
			serve = func() error { return h1.Serve(ln) }
		}
	}
	s.mu.Unlock()

	s.config.Logger.Info("Blob server started, listening.", "address", s.addr.String(), "protocol", s.config.Protocol)

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		select {
		case <-ctx.Done():
			s.config.Logger.Info("Context cancelled, stopping blob server.")
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Stop(stopCtx)
		case <-s.stopCh:
		}
	}()

	err := serve()
	s.Stop(context.Background())
	<-stopDone
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *serverImpl) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	h1, h3 := s.h1, s.h3
	s.mu.Unlock()

	s.config.Logger.Info("Stopping blob server.")
	var err error
	if h1 != nil {
		err = h1.Shutdown(ctx)
	}
	if h3 != nil {
		err = errors.Join(err, h3.Close())
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Warn("Blob server stop returned an error.", "error", err)
		return err
	}
	return nil
}

// Addr returns the bound address once Start has opened its listener.
func (s *serverImpl) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

var _ Server = (*serverImpl)(nil)
