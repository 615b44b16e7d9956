package downloader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"attachdl/internal/attachment"
	"attachdl/internal/client/cdn"
	"attachdl/internal/cryptox"
	"attachdl/internal/notify"
	"attachdl/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sethvargo/go-retry"
)

type prepareOutcome int

const (
	prepareProceed prepareOutcome = iota
	prepareSuppressed
	prepareAborted
	prepareAlreadyDownloaded
)

type prepared struct {
	outcome prepareOutcome
	pointer *attachment.Record
	stream  *attachment.Record
	state   attachment.State
	err     error
}

// prepare reloads the attachment in a fresh write transaction, runs the policy
// gate and marks the pointer downloading.
func (d *downloads) prepare(ctx context.Context, job *Job) prepared {
	l := d.logger.With("attachment_id", job.AttachmentID, "category", job.Category)

	if cs, ok := job.Owner.(ContactSyncOwner); ok {
		pointer := *cs.Pointer
		pointer.State = attachment.StateDownloading
		return prepared{outcome: prepareProceed, pointer: &pointer}
	}

	var out prepared
	err := d.store.Update(ctx, func(tx store.Tx) error {
		rec, err := tx.Attachment(job.AttachmentID)
		if errors.Is(err, store.ErrNotFound) {
			// Expected when a disappearing message is removed before its download starts.
			l.Warn("Missing attachment, aborting download.")
			out = prepared{outcome: prepareAborted, err: ErrMissingRecord}
			return nil
		}
		if err != nil {
			return err
		}
		if rec.IsStream() {
			l.Info("Attachment already downloaded.")
			out = prepared{outcome: prepareAlreadyDownloaded, stream: rec}
			return nil
		}

		verdict := d.gate.evaluate(tx, job, rec)
		if !verdict.allow {
			l.Info("Skipping attachment download.", "reason", verdict.reason)
			if verdict.state != "" {
				if err := rec.Transition(verdict.state, attachment.StateEnqueued); err != nil {
					d.integrityIssue(l, err)
				} else if err := tx.PutAttachment(rec); err != nil {
					return err
				}
			}
			if verdict.err != nil {
				out = prepared{outcome: prepareAborted, state: verdict.state, err: verdict.err}
			} else {
				out = prepared{outcome: prepareSuppressed, state: verdict.state}
			}
			return nil
		}

		if err := rec.Transition(attachment.StateDownloading, attachment.StateEnqueued); err != nil {
			d.integrityIssue(l, err)
			out = prepared{outcome: prepareAborted, err: err}
			return nil
		}
		if err := tx.PutAttachment(rec); err != nil {
			return err
		}
		d.touchOwner(tx, job.Owner, false)
		l.Info("Downloading attachment.", "size", humanize.Bytes(uint64(rec.ByteCount)))
		out = prepared{outcome: prepareProceed, pointer: rec}
		return nil
	})
	if err != nil {
		if d.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return prepared{outcome: prepareAborted, err: ErrShutdown}
		}
		return prepared{outcome: prepareAborted, err: fmt.Errorf("prepare download: %w", err)}
	}
	return out
}

// urlPath is attachments/<cdn id> for legacy pointers, otherwise the escaped cdn key.
func urlPath(pointer *attachment.Record) (string, error) {
	if pointer.CDNKey != "" {
		return "attachments/" + url.PathEscape(pointer.CDNKey), nil
	}
	if pointer.ServerID != 0 {
		return "attachments/" + strconv.FormatUint(pointer.ServerID, 10), nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidPointer, pointer.ID)
}

// transfer downloads and decrypts the pointer's blob into a stream record.
func (d *downloads) transfer(ctx context.Context, job *Job, pointer *attachment.Record) (*attachment.Record, error) {
	cipherPath, err := d.download(ctx, job, pointer)
	if err != nil {
		return nil, err
	}
	return d.decrypt(ctx, job, pointer, cipherPath)
}

// download fetches the ciphertext, retrying network failures with a constant
// backoff and resuming from the partial file the transport kept.
func (d *downloads) download(ctx context.Context, job *Job, pointer *attachment.Record) (string, error) {
	path, err := urlPath(pointer)
	if err != nil {
		return "", err
	}
	l := d.logger.With("attachment_id", job.AttachmentID, "path", path, "cdn", pointer.CDNNumber)

	startedAt := d.config.Clock()
	progress := d.progressHandler(job, startedAt)
	maxSize := d.config.MaxDownloadSize

	var (
		resume     *cdn.ResumeToken
		cipherPath string
		attempt    int
	)
	backoff := retry.WithMaxRetries(uint64(d.config.MaxAttempts-1), retry.NewConstant(d.config.RetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		d.metrics.Attempt()
		resp, err := d.transport.Download(ctx, cdn.Request{
			Path:      path,
			CDNNumber: pointer.CDNNumber,
			Resume:    resume,
			Progress:  progress,
		})
		if err != nil {
			resume = cdn.ResumeTokenFrom(err)
			if cdn.IsNetworkFailure(err) {
				l.Warn("Attachment download attempt failed, retrying.", "attempt", attempt, "resumable", resume != nil, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		resume = nil
		d.metrics.AddBytes(resp.Size)
		if resp.Size > maxSize {
			os.Remove(resp.FilePath)
			return fmt.Errorf("%w: received %s", ErrOversize, humanize.Bytes(uint64(resp.Size)))
		}
		cipherPath = resp.FilePath
		return nil
	})
	if err != nil {
		if resume != nil {
			os.Remove(resume.TempPath)
		}
		l.Warn("Attachment download failed.", "attempts", attempt, "error", err)
		return "", err
	}
	l.Debug("Attachment ciphertext downloaded.", "attempts", attempt)
	return cipherPath, nil
}

// progressHandler checks cancellation and the byte ceiling on every tick and
// publishes the fraction, never below ProgressEpsilon once started.
func (d *downloads) progressHandler(job *Job, startedAt time.Time) cdn.ProgressFunc {
	maxSize := d.config.MaxDownloadSize
	return func(received, total int64) error {
		if d.queue.shouldCancel(job.AttachmentID, startedAt) {
			d.logger.Info("Cancelling attachment download.", "attachment_id", job.AttachmentID)
			return ErrCancelled
		}
		if received <= 0 {
			return nil
		}
		if total > maxSize || received > maxSize {
			d.logger.Error("Attachment download exceeds maximum size.",
				"attachment_id", job.AttachmentID, "total", total, "received", received, "max", maxSize)
			return fmt.Errorf("%w: total %d, received %d, max %d", ErrOversize, total, received, maxSize)
		}
		var fraction float64
		if total > 0 {
			fraction = math.Min(1, float64(received)/float64(total))
		}
		job.setProgress(fraction)
		d.publish(notify.ProgressChanged{AttachmentID: job.AttachmentID, Fraction: math.Max(ProgressEpsilon, fraction)})
		return nil
	}
}

// decrypt runs one at a time. The ciphertext is removed whatever the outcome.
func (d *downloads) decrypt(ctx context.Context, job *Job, pointer *attachment.Record, cipherPath string) (*attachment.Record, error) {
	defer func() {
		if err := os.Remove(cipherPath); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Failed to remove ciphertext.", "path", cipherPath, "error", err)
		}
	}()

	if err := d.decryptSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.decryptSem.Release(1)

	if err := os.MkdirAll(d.config.AttachmentsDir, 0700); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	plainPath := filepath.Join(d.config.AttachmentsDir, url.PathEscape(pointer.ID)+filepath.Ext(pointer.SourceFilename))
	if err := cryptox.DecryptFile(cipherPath, plainPath, pointer.Key, pointer.Digest, int64(pointer.ByteCount)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	stream := pointer.ToStream(plainPath, d.config.Clock())
	if stream.ByteCount == 0 {
		// Older senders leave the size unset.
		info, err := os.Stat(plainPath)
		if err != nil {
			os.Remove(plainPath)
			return nil, fmt.Errorf("stat plaintext: %w", err)
		}
		stream.ByteCount = uint32(info.Size())
	}
	if job.Category.IsSticker() {
		if mt, err := mimetype.DetectFile(plainPath); err == nil && strings.HasPrefix(mt.String(), "image/") {
			stream.ContentType = mt.String()
		}
	}
	return stream, nil
}
