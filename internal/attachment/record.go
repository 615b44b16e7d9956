package attachment

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// OversizeTextContentType marks a long message body shipped as an attachment.
	OversizeTextContentType = "text/x-signal-plain"
	// StickerLargeThreshold separates small from large stickers.
	StickerLargeThreshold = 100 * 1024
)

// Record is the persisted form of one attachment, either a remote pointer or a local stream.
type Record struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	ContentType    string `json:"content_type"`
	ByteCount      uint32 `json:"byte_count"`
	SourceFilename string `json:"source_filename,omitempty"`
	Caption        string `json:"caption,omitempty"`
	Width          uint32 `json:"width,omitempty"`
	Height         uint32 `json:"height,omitempty"`
	IsVoiceMessage bool   `json:"is_voice_message,omitempty"`
	BlurHash       string `json:"blur_hash,omitempty"`
	OwnerMessageID string `json:"owner_message_id,omitempty"`

	// Pointer fields.
	ServerID  uint64 `json:"server_id,omitempty"`
	CDNKey    string `json:"cdn_key,omitempty"`
	CDNNumber uint32 `json:"cdn_number,omitempty"`
	Key       []byte `json:"key,omitempty"`
	Digest    []byte `json:"digest,omitempty"`
	State     State  `json:"state,omitempty"`

	// Stream fields.
	LocalPath    string    `json:"local_path,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`
}

func (r *Record) IsPointer() bool { return r.Kind == KindPointer }
func (r *Record) IsStream() bool  { return r.Kind == KindStream }

func (r *Record) IsImage() bool { return strings.HasPrefix(r.ContentType, "image/") }
func (r *Record) IsVideo() bool { return strings.HasPrefix(r.ContentType, "video/") }
func (r *Record) IsAudio() bool { return strings.HasPrefix(r.ContentType, "audio/") }

func (r *Record) IsOversizeText() bool { return r.ContentType == OversizeTextContentType }

// IsVisualMedia reports image or video content.
func (r *Record) IsVisualMedia() bool { return r.IsImage() || r.IsVideo() }

// Transition moves a pointer to state `to` if its current state is one of allowedFrom.
// An empty allowedFrom accepts any prior state.
func (r *Record) Transition(to State, allowedFrom ...State) error {
	if !r.IsPointer() {
		return fmt.Errorf("%w: %s", ErrNotPointer, r.ID)
	}
	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, r.State) {
		return fmt.Errorf("%w: attachment %s is %s, wanted one of %v before %s", ErrUnexpectedState, r.ID, r.State, allowedFrom, to)
	}
	r.State = to
	return nil
}

// ToStream returns the stream record that replaces this pointer once its plaintext is at localPath.
func (r *Record) ToStream(localPath string, at time.Time) *Record {
	s := *r
	s.Kind = KindStream
	s.LocalPath = localPath
	s.DownloadedAt = at
	s.ServerID = 0
	s.CDNKey = ""
	s.CDNNumber = 0
	s.Key = nil
	s.Digest = nil
	s.State = ""
	return &s
}

// BodyCategory classifies a body attachment of a message.
func BodyCategory(r *Record) Category {
	switch {
	case r.IsImage():
		return CategoryBodyImage
	case r.IsVideo():
		return CategoryBodyVideo
	case r.IsVoiceMessage:
		return CategoryBodyVoiceMemo
	case r.IsAudio():
		return CategoryBodyAudioOther
	case r.IsOversizeText():
		return CategoryBodyOversizeText
	}
	return CategoryBodyFile
}

// StoryCategory classifies a story attachment. Stories never carry voice memos.
func StoryCategory(r *Record) Category {
	switch {
	case r.IsImage():
		return CategoryBodyImage
	case r.IsVideo():
		return CategoryBodyVideo
	case r.IsAudio():
		return CategoryBodyAudioOther
	case r.IsOversizeText():
		return CategoryBodyOversizeText
	}
	return CategoryBodyFile
}

// StickerCategory classifies a sticker by its declared size.
func StickerCategory(r *Record) Category {
	if r.ByteCount > StickerLargeThreshold {
		return CategoryStickerLarge
	}
	return CategoryStickerSmall
}

// QuotedReply is the quote carried by a reply message.
type QuotedReply struct {
	ThumbnailAttachmentID string `json:"thumbnail_attachment_id,omitempty"`
	// ThumbnailOwned is set when the quote holds its own copy of the thumbnail
	// and is therefore responsible for fetching it.
	ThumbnailOwned bool   `json:"thumbnail_owned,omitempty"`
	ThumbnailPath  string `json:"thumbnail_path,omitempty"`
}

type Message struct {
	ID                      string       `json:"id"`
	ThreadID                string       `json:"thread_id"`
	Incoming                bool         `json:"incoming"`
	ViewOnce                bool         `json:"view_once,omitempty"`
	Timestamp               int64        `json:"timestamp"`
	Body                    string       `json:"body,omitempty"`
	BodyAttachmentIDs       []string     `json:"body_attachment_ids,omitempty"`
	LinkPreviewAttachmentID string       `json:"link_preview_attachment_id,omitempty"`
	Quote                   *QuotedReply `json:"quote,omitempty"`
	ContactShareAvatarID    string       `json:"contact_share_avatar_id,omitempty"`
	StickerAttachmentID     string       `json:"sticker_attachment_id,omitempty"`
	Revision                uint64       `json:"revision"`
	IndexedRevision         uint64       `json:"indexed_revision"`
}

func (m *Message) IsSticker() bool { return m.StickerAttachmentID != "" }

// AllAttachmentIDs returns every attachment referenced by the message, without duplicates.
func (m *Message) AllAttachmentIDs() []string {
	ids := append([]string(nil), m.BodyAttachmentIDs...)
	if m.Quote != nil && m.Quote.ThumbnailAttachmentID != "" {
		ids = append(ids, m.Quote.ThumbnailAttachmentID)
	}
	for _, id := range []string{m.ContactShareAvatarID, m.LinkPreviewAttachmentID, m.StickerAttachmentID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

type Thread struct {
	ID                       string `json:"id"`
	Visible                  bool   `json:"visible"`
	Whitelisted              bool   `json:"whitelisted"`
	HasPendingMessageRequest bool   `json:"has_pending_message_request"`
}

type StoryMessage struct {
	ID           string `json:"id"`
	Incoming     bool   `json:"incoming"`
	AttachmentID string `json:"attachment_id,omitempty"`
	Revision     uint64 `json:"revision"`
}
