package downloader

import (
	"errors"
	"log/slog"

	"attachdl/internal/attachment"
	"attachdl/internal/store"
)

// MessageRequest holds the jobs of one message and a result handle per role.
// Roles referencing the same attachment share one job and one future;
// attachments already downloaded get a pre-resolved future and no job.
type MessageRequest struct {
	MessageID string
	Policy    attachment.BypassPolicy
	Jobs      []*Job

	Body               []*Future
	QuotedThumbnail    *Future
	ContactShareAvatar *Future
	LinkPreview        *Future
	Sticker            *Future

	quotedThumbnailJob *Job
	streamIDs          []string
}

func (r *MessageRequest) IsEmpty() bool { return len(r.Jobs) == 0 }

type messageRequestBuilder struct {
	tx       store.Tx
	msg      *attachment.Message
	policy   attachment.BypassPolicy
	logger   *slog.Logger
	req      *MessageRequest
	existing map[string]*Future
	jobs     map[string]*Job
}

// buildMessageRequest reads the message's attachments under tx. Body attachments
// go first so they claim shared targets before the optional roles.
func buildMessageRequest(tx store.Tx, msg *attachment.Message, group AttachmentGroup, policy attachment.BypassPolicy, logger *slog.Logger) *MessageRequest {
	b := &messageRequestBuilder{
		tx:       tx,
		msg:      msg,
		policy:   policy,
		logger:   logger.With("message_id", msg.ID),
		req:      &MessageRequest{MessageID: msg.ID, Policy: policy},
		existing: make(map[string]*Future),
		jobs:     make(map[string]*Job),
	}

	for _, id := range msg.BodyAttachmentIDs {
		rec := b.load(id)
		if rec == nil {
			continue
		}
		category := attachment.BodyCategory(rec)
		b.req.Body = append(b.req.Body, b.build(rec, category))
	}
	if group == GroupBodyOnly {
		return b.req
	}

	// Only a quote that owns its thumbnail fetches it, and only while it is a pointer.
	if q := msg.Quote; q != nil && q.ThumbnailOwned && q.ThumbnailAttachmentID != "" {
		if rec := b.load(q.ThumbnailAttachmentID); rec != nil && rec.IsPointer() {
			b.req.QuotedThumbnail = b.build(rec, attachment.CategoryQuotedReplyThumbnail)
			b.req.quotedThumbnailJob = b.jobs[rec.ID]
		}
	}
	if id := msg.ContactShareAvatarID; id != "" {
		if rec := b.load(id); rec != nil {
			b.req.ContactShareAvatar = b.build(rec, attachment.CategoryContactShareAvatar)
		}
	}
	if id := msg.LinkPreviewAttachmentID; id != "" {
		if rec := b.load(id); rec != nil {
			b.req.LinkPreview = b.build(rec, attachment.CategoryLinkedPreviewThumbnail)
		}
	}
	if id := msg.StickerAttachmentID; id != "" {
		if rec := b.load(id); rec != nil {
			b.req.Sticker = b.build(rec, attachment.StickerCategory(rec))
		}
	}
	return b.req
}

func (b *messageRequestBuilder) load(id string) *attachment.Record {
	rec, err := b.tx.Attachment(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("Missing attachment, skipping.", "attachment_id", id)
		} else {
			b.logger.Error("Failed to load attachment, skipping.", "attachment_id", id, "error", err)
		}
		return nil
	}
	return rec
}

func (b *messageRequestBuilder) build(rec *attachment.Record, category attachment.Category) *Future {
	if rec.IsStream() {
		b.req.streamIDs = append(b.req.streamIDs, rec.ID)
		return ResolvedFuture(rec)
	}
	if f, ok := b.existing[rec.ID]; ok {
		return f
	}
	job := newJob(MessageOwner{MessageID: b.msg.ID}, rec.ID, category, b.policy)
	b.existing[rec.ID] = job.future
	b.jobs[rec.ID] = job
	b.req.Jobs = append(b.req.Jobs, job)
	return job.future
}

// buildStoryJob returns the job for a story's attachment. A downloaded attachment
// yields a resolved future and no job; a story without attachment yields neither.
func buildStoryJob(tx store.Tx, story *attachment.StoryMessage, policy attachment.BypassPolicy, logger *slog.Logger) (*Job, *Future) {
	if story.AttachmentID == "" {
		return nil, nil
	}
	rec, err := tx.Attachment(story.AttachmentID)
	if err != nil {
		logger.Warn("Failed to load story attachment.", "story_id", story.ID, "attachment_id", story.AttachmentID, "error", err)
		return nil, nil
	}
	if rec.IsStream() {
		return nil, ResolvedFuture(rec)
	}
	job := newJob(StoryOwner{StoryID: story.ID}, rec.ID, attachment.StoryCategory(rec), policy)
	return job, job.future
}

// newContactSyncJob always bypasses every policy check.
func newContactSyncJob(pointer *attachment.Record) *Job {
	return newJob(ContactSyncOwner{Pointer: pointer}, pointer.ID, attachment.CategoryContactSync, attachment.PolicyBypassAll)
}
