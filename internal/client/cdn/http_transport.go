package cdn

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	ProtocolHTTP1 = "http1"
	ProtocolHTTP3 = "h3"

	defaultResponseHeaderTimeout = 30 * time.Second
	defaultQUICIdleTimeout       = 30 * time.Second
	defaultHandshakeIdleTimeout  = 10 * time.Second
)

// HTTPConfig configures the HTTP/1.1 and HTTP/3 transports.
type HTTPConfig struct {
	// BaseURLs maps a cdn number to its base URL. Number 0 is the legacy CDN and
	// the fallback for unknown numbers.
	BaseURLs        map[uint32]string
	Protocol        string
	TLSClientConfig *tls.Config
	TempDir         string
	// Client overrides the client built from Protocol, mostly for tests.
	Client *http.Client
	Logger *slog.Logger
}

func (c *HTTPConfig) setDefaults() {
	if c.Protocol == "" {
		c.Protocol = ProtocolHTTP1
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "cdn_http", "protocol", c.Protocol)
}

type httpTransport struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPTransport builds a transport speaking HTTP/1.1 (or HTTP/2 through ALPN)
// or HTTP/3 over QUIC.
func NewHTTPTransport(config HTTPConfig) (Transport, error) {
	config.setDefaults()
	if len(config.BaseURLs) == 0 {
		return nil, fmt.Errorf("%w: no base urls", ErrUnknownCDN)
	}

	client := config.Client
	if client == nil {
		switch config.Protocol {
		case ProtocolHTTP1:
			client = &http.Client{Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSClientConfig:       config.TLSClientConfig,
				ResponseHeaderTimeout: defaultResponseHeaderTimeout,
				ForceAttemptHTTP2:     true,
			}}
		case ProtocolHTTP3:
			tlsConf := config.TLSClientConfig
			if tlsConf == nil {
				tlsConf = &tls.Config{}
			}
			client = &http.Client{Transport: &http3.Transport{
				TLSClientConfig: tlsConf,
				QUICConfig: &quic.Config{
					MaxIdleTimeout:       defaultQUICIdleTimeout,
					HandshakeIdleTimeout: defaultHandshakeIdleTimeout,
				},
			}}
		default:
			return nil, fmt.Errorf("unsupported cdn protocol %q", config.Protocol)
		}
	}
	return &httpTransport{config: config, client: client}, nil
}

func (t *httpTransport) baseURL(cdn uint32) (string, error) {
	if u, ok := t.config.BaseURLs[cdn]; ok {
		return strings.TrimRight(u, "/"), nil
	}
	if u, ok := t.config.BaseURLs[0]; ok {
		return strings.TrimRight(u, "/"), nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownCDN, cdn)
}

func (t *httpTransport) Download(ctx context.Context, req Request) (resp *Response, err error) {
	base, err := t.baseURL(req.CDNNumber)
	if err != nil {
		return nil, err
	}
	url := base + "/" + strings.TrimLeft(req.Path, "/")

	f, offset, validator, err := openTemp(t.config.TempDir, req.Resume)
	if err != nil {
		return nil, err
	}
	defer func() { finish(f, err) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	if offset > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		if validator != "" {
			httpReq.Header.Set("If-Range", validator)
		}
	}

	l := t.config.Logger.With("url", url, "offset", offset)
	l.Debug("Requesting attachment blob.")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, interrupted(ctx, f, offset, validator, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusPartialContent && offset > 0:
	case httpResp.StatusCode == http.StatusOK:
		if offset > 0 {
			l.Debug("Server ignored range request, restarting from zero.")
			if err := restart(f); err != nil {
				return nil, fmt.Errorf("reset temp file: %w", err)
			}
			offset = 0
		}
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	default:
		return nil, &StatusError{Code: httpResp.StatusCode, URL: url}
	}

	total := int64(-1)
	if httpResp.ContentLength >= 0 {
		total = offset + httpResp.ContentLength
	}
	if cr := httpResp.Header.Get("Content-Range"); cr != "" {
		if full, ok := parseContentRangeTotal(cr); ok {
			total = full
		}
	}
	if etag := httpResp.Header.Get("ETag"); etag != "" {
		validator = etag
	}

	size, err := copyBody(ctx, f, httpResp.Body, offset, total, validator, req.Progress)
	if err != nil {
		return nil, err
	}
	return &Response{FilePath: f.Name(), Size: size}, nil
}

// parseContentRangeTotal reads the complete length of "bytes a-b/total".
func parseContentRangeTotal(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

var _ Transport = (*httpTransport)(nil)
