package attachment

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrUnexpectedState = errors.New("unexpected attachment pointer state")
	ErrNotPointer      = errors.New("attachment is not a pointer")
	ErrUnknownPolicy   = errors.New("unknown download bypass policy")
	ErrMalformedProto  = errors.New("malformed attachment pointer protobuf")
)

// Kind distinguishes a remote pointer from a locally materialized stream.
type Kind string

const (
	KindPointer Kind = "POINTER"
	KindStream  Kind = "STREAM"
)

// State is the download state persisted on a pointer record.
type State string

const (
	StateEnqueued              State = "ENQUEUED"
	StateDownloading           State = "DOWNLOADING"
	StateFailed                State = "FAILED"
	StatePendingMessageRequest State = "PENDING_MESSAGE_REQUEST"
	StatePendingManualDownload State = "PENDING_MANUAL_DOWNLOAD"
)

// Category classifies a download. It drives policy decisions and UI treatment.
type Category int

const (
	CategoryBodyImage Category = iota
	CategoryBodyVideo
	CategoryBodyVoiceMemo
	CategoryBodyAudioOther
	CategoryBodyFile
	CategoryBodyOversizeText
	CategoryStickerSmall
	CategoryStickerLarge
	CategoryQuotedReplyThumbnail
	CategoryLinkedPreviewThumbnail
	CategoryContactShareAvatar
	CategoryContactSync
)

var categoryNames = [...]string{
	CategoryBodyImage:              "body_image",
	CategoryBodyVideo:              "body_video",
	CategoryBodyVoiceMemo:          "body_voice_memo",
	CategoryBodyAudioOther:         "body_audio_other",
	CategoryBodyFile:               "body_file",
	CategoryBodyOversizeText:       "body_oversize_text",
	CategoryStickerSmall:           "sticker_small",
	CategoryStickerLarge:           "sticker_large",
	CategoryQuotedReplyThumbnail:   "quoted_reply_thumbnail",
	CategoryLinkedPreviewThumbnail: "linked_preview_thumbnail",
	CategoryContactShareAvatar:     "contact_share_avatar",
	CategoryContactSync:            "contact_sync",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "category(" + strconv.Itoa(int(c)) + ")"
	}
	return categoryNames[c]
}

func (c Category) IsSticker() bool {
	return c == CategoryStickerSmall || c == CategoryStickerLarge
}

// BypassPolicy disables one or more policy gate checks for a request.
// The numeric values are persisted by the deferred-startup ledger.
type BypassPolicy uint

const (
	PolicyDefault BypassPolicy = iota
	PolicyBypassPendingMessageRequest
	PolicyBypassPendingManualDownload
	PolicyBypassAll
)

// ParseBypassPolicy validates a persisted policy value.
func ParseBypassPolicy(raw uint64) (BypassPolicy, error) {
	if raw > uint64(PolicyBypassAll) {
		return PolicyDefault, fmt.Errorf("%w: %d", ErrUnknownPolicy, raw)
	}
	return BypassPolicy(raw), nil
}

func (p BypassPolicy) BypassesMessageRequest() bool {
	return p == PolicyBypassPendingMessageRequest || p == PolicyBypassAll
}

func (p BypassPolicy) BypassesManualDownload() bool {
	return p == PolicyBypassPendingManualDownload || p == PolicyBypassAll
}

func (p BypassPolicy) String() string {
	switch p {
	case PolicyDefault:
		return "default"
	case PolicyBypassPendingMessageRequest:
		return "bypass_pending_message_request"
	case PolicyBypassPendingManualDownload:
		return "bypass_pending_manual_download"
	case PolicyBypassAll:
		return "bypass_all"
	}
	return "policy(" + strconv.FormatUint(uint64(p), 10) + ")"
}

// MediaType groups categories for bandwidth preferences.
type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// MediaTypes lists every media type in display order.
var MediaTypes = []MediaType{MediaPhoto, MediaVideo, MediaAudio, MediaDocument}

// MediaTypeFor returns the media type whose bandwidth preference governs the category.
// ok is false for categories that are always auto-downloaded.
func MediaTypeFor(c Category) (mt MediaType, ok bool) {
	switch c {
	case CategoryBodyImage, CategoryStickerLarge:
		return MediaPhoto, true
	case CategoryBodyVideo:
		return MediaVideo, true
	case CategoryBodyAudioOther:
		return MediaAudio, true
	case CategoryBodyFile:
		return MediaDocument, true
	}
	return "", false
}
