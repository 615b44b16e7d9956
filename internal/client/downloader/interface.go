package downloader

import (
	"context"
	"time"

	"attachdl/internal/attachment"
	"attachdl/internal/client/prefs"
	"attachdl/internal/store"
)

// Conditions exposes the device state the policy gate reads.
type Conditions interface {
	HasActiveCall() bool
	IsReachableViaWifi() bool
}

// StaticConditions is a fixed Conditions value.
type StaticConditions struct {
	ActiveCall bool
	Wifi       bool
}

func (c StaticConditions) HasActiveCall() bool      { return c.ActiveCall }
func (c StaticConditions) IsReachableViaWifi() bool { return c.Wifi }

// DebugFlags force policy outcomes for manual testing.
type DebugFlags struct {
	ForceFailures              bool
	ForcePendingMessageRequest bool
	ForcePendingManualDownload bool
}

// ExecutionContext describes the process the downloader runs in.
type ExecutionContext struct {
	// MainApp is false in extensions; their requests go to the deferred-startup ledger.
	MainApp bool
	// Constrained limits the queue to a single active download.
	Constrained bool
	// Testing makes contact-sync downloads fail immediately without network I/O.
	Testing bool
}

// AttachmentGroup selects which roles of a message are downloaded.
type AttachmentGroup int

const (
	GroupAll AttachmentGroup = iota
	GroupBodyOnly
)

// Downloads is the attachment download service.
type Downloads interface {
	// Start replays the deferred-startup ledger when running as the main app.
	Start(ctx context.Context) error
	Shutdown(timeout time.Duration) error

	EnqueueAllForThread(ctx context.Context, threadID string) error
	// EnqueueForNewMessage must be called inside the write transaction that
	// stored the message. Work is scheduled once that transaction commits.
	EnqueueForNewMessage(tx store.Tx, messageID string) error
	EnqueueForNewStory(tx store.Tx, storyID string) error
	EnqueueForMessage(ctx context.Context, messageID string, group AttachmentGroup, policy attachment.BypassPolicy) (*MessageRequest, error)
	EnqueueForStory(ctx context.Context, storyID string, policy attachment.BypassPolicy) (*Future, error)
	EnqueueContactSync(pointer *attachment.Record) (*Future, error)

	HandleWhitelistChange(ctx context.Context, threadID string) error
	ApplicationDidBecomeActive(ctx context.Context) error

	Cancel(attachmentID string)
	// Progress reports the fraction of an active download, 1 for a known
	// completed one, and false when neither applies.
	Progress(attachmentID string) (float64, bool)
	// Stats reports the number of running and queued jobs.
	Stats() (active, pending int)

	SetBandwidthPreference(ctx context.Context, mt attachment.MediaType, p prefs.Preference) error
	BandwidthPreference(ctx context.Context, mt attachment.MediaType) (prefs.Preference, error)
	BandwidthPreferences(ctx context.Context) (map[attachment.MediaType]prefs.Preference, error)
	ResetBandwidthPreferences(ctx context.Context) error
}
