package cdn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures a transport reading blobs from an S3-compatible bucket.
// The request path is used as the object key.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Insecure  bool
	PathStyle bool
	TempDir   string
	Logger    *slog.Logger
}

func (c *S3Config) setDefaults() {
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "cdn_s3", "bucket", c.Bucket)
}

type s3Transport struct {
	config S3Config
	client *minio.Client
}

func NewS3Transport(config S3Config) (Transport, error) {
	config.setDefaults()
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket are required")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: !config.Insecure,
		Region: config.Region,
	}
	if config.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(config.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &s3Transport{config: config, client: client}, nil
}

func (t *s3Transport) Download(ctx context.Context, req Request) (resp *Response, err error) {
	key := strings.TrimLeft(req.Path, "/")

	f, offset, validator, err := openTemp(t.config.TempDir, req.Resume)
	if err != nil {
		return nil, err
	}
	defer func() { finish(f, err) }()

	obj, info, err := t.open(ctx, key, offset, validator)
	if err != nil && offset > 0 && errors.Is(err, errValidatorChanged) {
		t.config.Logger.Debug("Object changed since partial download, restarting.", "key", key)
		if rerr := restart(f); rerr != nil {
			return nil, fmt.Errorf("reset temp file: %w", rerr)
		}
		offset = 0
		obj, info, err = t.open(ctx, key, 0, "")
	}
	if err != nil {
		return nil, interrupted(ctx, f, offset, validator, err)
	}
	defer obj.Close()

	total := offset + info.Size
	size, err := copyBody(ctx, f, obj, offset, total, info.ETag, req.Progress)
	if err != nil {
		return nil, err
	}
	return &Response{FilePath: f.Name(), Size: size}, nil
}

var errValidatorChanged = errors.New("object etag changed")

func (t *s3Transport) open(ctx context.Context, key string, offset int64, validator string) (*minio.Object, minio.ObjectInfo, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, minio.ObjectInfo{}, err
		}
		if validator != "" {
			if err := opts.SetMatchETag(strings.Trim(validator, `"`)); err != nil {
				return nil, minio.ObjectInfo{}, err
			}
		}
	}
	obj, err := t.client.GetObject(ctx, t.config.Bucket, key, opts)
	if err != nil {
		return nil, minio.ObjectInfo{}, mapS3Error(err, key)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, minio.ObjectInfo{}, mapS3Error(err, key)
	}
	return obj, info, nil
}

func mapS3Error(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode == http.StatusPreconditionFailed:
		return errValidatorChanged
	case resp.StatusCode != 0:
		return &StatusError{Code: resp.StatusCode, URL: key}
	}
	return err
}

var _ Transport = (*s3Transport)(nil)
