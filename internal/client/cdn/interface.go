// Package cdn fetches encrypted attachment blobs from a CDN into temporary files.
package cdn

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnknownCDN = errors.New("no base url configured for cdn")
	ErrNotFound   = errors.New("attachment blob not found on cdn")
)

// ProgressFunc is called after the response headers arrive and after every chunk.
// total is -1 when the server did not declare a length. A non-nil return aborts
// the transfer and is returned (unwrapped) by Download.
type ProgressFunc func(received, total int64) error

// ResumeToken lets a later attempt continue a partial download.
type ResumeToken struct {
	TempPath  string
	Offset    int64
	Validator string // ETag of the partial content, sent as If-Range
}

type Request struct {
	Path      string // e.g. "attachments/123"
	CDNNumber uint32
	Resume    *ResumeToken
	Progress  ProgressFunc
}

// Response points at the complete ciphertext file. The caller owns and removes it.
type Response struct {
	FilePath string
	Size     int64
}

// Transport downloads blobs. Implementations must not retry on their own.
type Transport interface {
	Download(ctx context.Context, req Request) (*Response, error)
}

// StatusError is a non-success HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// TransferError is a failure that left a resumable partial file behind.
type TransferError struct {
	Err    error
	Resume *ResumeToken
}

func (e *TransferError) Error() string {
	if e.Resume != nil {
		return fmt.Sprintf("transfer interrupted at byte %d: %v", e.Resume.Offset, e.Err)
	}
	return fmt.Sprintf("transfer failed: %v", e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ResumeTokenFrom extracts the resume token carried by err, if any.
func ResumeTokenFrom(err error) *ResumeToken {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Resume
	}
	return nil
}
