package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"attachdl/internal/attachment"
	"attachdl/internal/metrics"
	"attachdl/internal/notify"
	"attachdl/internal/store"

	"golang.org/x/sync/errgroup"
)

// finish releases the job's slot and hands the outcome to the job and its
// followers. With resolve unset the job was suppressed: it settles without a
// result and its followers are queued again under their own policy.
func (d *downloads) finish(job *Job, downloaded bool, stream *attachment.Record, err error, resolve bool) {
	followers := d.queue.markComplete(job, downloaded)

	if resolve {
		d.resolve(job, stream, err)
		for _, f := range followers {
			d.resolve(f, stream, err)
		}
	} else if len(followers) > 0 {
		d.requeue(followers)
	}
	job.settle()

	d.updateQueueMetrics()
	d.tryStartNext()
}

// requeue queues jobs again once their pointers are back to enqueued.
func (d *downloads) requeue(jobs []*Job) {
	err := d.store.Update(context.WithoutCancel(d.ctx), func(tx store.Tx) error {
		return requeuePointers(tx, jobs)
	})
	if err != nil {
		d.logger.Warn("Failed to reset attachments for queued jobs.", "jobs", len(jobs), "error", err)
	}
	d.queue.enqueue(jobs...)
}

func (d *downloads) resolve(job *Job, stream *attachment.Record, err error) {
	if rerr := job.future.resolve(stream, err); rerr != nil {
		d.logger.Error("Job resolved twice.", "job_id", job.ID, "attachment_id", job.AttachmentID, "error", rerr)
	}
	job.settle()
}

func (d *downloads) downloadDidSucceed(job *Job, stream *attachment.Record) {
	l := d.logger.With("attachment_id", job.AttachmentID, "category", job.Category)

	if _, contactSync := job.Owner.(ContactSyncOwner); !contactSync {
		vanished := false
		err := d.store.Update(context.WithoutCancel(d.ctx), func(tx store.Tx) error {
			if _, err := tx.Attachment(job.AttachmentID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					vanished = true
					return nil
				}
				return err
			}
			if err := tx.DeleteAttachment(job.AttachmentID); err != nil {
				return err
			}
			if err := tx.PutAttachment(stream); err != nil {
				return err
			}
			d.touchOwner(tx, job.Owner, true)
			return nil
		})
		if vanished {
			l.Warn("Attachment removed during download, discarding plaintext.")
			os.Remove(stream.LocalPath)
			d.metrics.Outcome(metrics.OutcomeAborted, job.Category.String())
			d.finish(job, false, nil, ErrMissingRecord, true)
			return
		}
		if err != nil {
			l.Error("Failed to persist downloaded attachment.", "error", err)
			d.metrics.Outcome(metrics.OutcomeFailed, job.Category.String())
			d.finish(job, false, nil, fmt.Errorf("%w: persist stream: %w", ErrDownloadFailed, err), true)
			return
		}
	}

	job.setProgress(1)
	d.publish(notify.ProgressChanged{AttachmentID: job.AttachmentID, Fraction: 1})
	d.metrics.Outcome(metrics.OutcomeSucceeded, job.Category.String())
	l.Info("Attachment downloaded.", "path", stream.LocalPath)
	d.finish(job, true, stream, nil, true)
}

func (d *downloads) downloadDidFail(job *Job, err error) {
	l := d.logger.With("attachment_id", job.AttachmentID, "category", job.Category)

	// Left as downloading; the next run evaluates it again.
	if d.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		l.Info("Attachment download interrupted by shutdown.")
		d.metrics.Outcome(metrics.OutcomeAborted, job.Category.String())
		d.finish(job, false, nil, ErrShutdown, true)
		return
	}

	cancelled := errors.Is(err, ErrCancelled)
	if _, contactSync := job.Owner.(ContactSyncOwner); !contactSync {
		target := attachment.StateFailed
		if cancelled {
			target = attachment.StatePendingManualDownload
		}
		perr := d.store.Update(context.WithoutCancel(d.ctx), func(tx store.Tx) error {
			rec, err := tx.Attachment(job.AttachmentID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if rec.IsStream() {
				return nil
			}
			if err := rec.Transition(target, attachment.StateEnqueued, attachment.StateDownloading); err != nil {
				d.integrityIssue(l, err)
			} else if err := tx.PutAttachment(rec); err != nil {
				return err
			}
			d.touchOwner(tx, job.Owner, true)
			return nil
		})
		if perr != nil {
			l.Error("Failed to persist attachment failure.", "error", perr)
		}
	}

	outcome := metrics.OutcomeFailed
	switch {
	case cancelled:
		outcome = metrics.OutcomeCancelled
	case errors.Is(err, ErrOversize):
		outcome = metrics.OutcomeOversize
	}
	d.metrics.Outcome(outcome, job.Category.String())

	if !cancelled && !errors.Is(err, ErrOversize) && !errors.Is(err, ErrDecryptFailed) && !errors.Is(err, ErrDownloadFailed) {
		err = fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	l.Warn("Attachment download failed.", "outcome", outcome, "error", err)
	d.finish(job, false, nil, err, true)
}

// touchOwner bumps the owner's revision so observers reload it.
func (d *downloads) touchOwner(tx store.Tx, owner Owner, reindex bool) {
	var err error
	switch o := owner.(type) {
	case MessageOwner:
		err = tx.TouchMessage(o.MessageID, reindex)
	case StoryOwner:
		err = tx.TouchStory(o.StoryID)
	default:
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("Failed to touch owner.", "owner", owner.ownerKind(), "owner_id", owner.ownerID(), "error", err)
	}
}

func (d *downloads) integrityIssue(l *slog.Logger, err error) {
	l.Error("Unexpected attachment state.", "error", err)
	d.metrics.IntegrityIssue()
}

func (d *downloads) publish(ev notify.Event) {
	if d.pub != nil {
		d.pub.Publish(ev)
	}
}

// watchMessageRequest follows a request until all its jobs left the queue.
func (d *downloads) watchMessageRequest(req *MessageRequest) {
	if job := req.quotedThumbnailJob; job != nil {
		d.goTracked(func() {
			select {
			case <-job.Settled():
			case <-d.ctx.Done():
				return
			}
			stream, err := job.future.Result()
			if err != nil || stream == nil {
				return
			}
			if err := d.updateQuotedThumbnail(req.MessageID, stream); err != nil {
				d.logger.Warn("Failed to update quoted thumbnail.", "message_id", req.MessageID, "error", err)
			}
		})
	}

	jobs := req.Jobs
	d.goTracked(func() {
		g, ctx := errgroup.WithContext(d.ctx)
		for _, job := range jobs {
			g.Go(func() error {
				select {
				case <-job.Settled():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
		if err := g.Wait(); err != nil {
			return
		}

		var succeeded, failed, pending int
		for _, job := range jobs {
			switch _, err := job.future.Result(); {
			case errors.Is(err, ErrNotResolved):
				pending++
			case err != nil:
				failed++
			default:
				succeeded++
			}
		}
		d.logger.Info("Message attachment downloads settled.",
			"message_id", req.MessageID, "succeeded", succeeded, "failed", failed, "suppressed", pending)
	})
}

// updateQuotedThumbnail points the quote at the downloaded thumbnail if it
// still references it.
func (d *downloads) updateQuotedThumbnail(messageID string, stream *attachment.Record) error {
	return d.store.Update(context.WithoutCancel(d.ctx), func(tx store.Tx) error {
		msg, err := tx.Message(messageID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Quote == nil || msg.Quote.ThumbnailAttachmentID != stream.ID {
			return nil
		}
		msg.Quote.ThumbnailPath = stream.LocalPath
		if err := tx.PutMessage(msg); err != nil {
			return err
		}
		return tx.TouchMessage(messageID, false)
	})
}
