// Package notify is the in-process publish channel for download events.
package notify

import (
	"log/slog"
	"sync"

	"attachdl/internal/attachment"
)

const defaultSubscriberBuffer = 64

// Event is one of ProgressChanged, BandwidthPreferencesChanged or DownloadSuppressed.
type Event interface {
	eventName() string
}

type ProgressChanged struct {
	AttachmentID string
	Fraction     float64
}

type BandwidthPreferencesChanged struct{}

// DownloadSuppressed is published when the policy gate parks a download.
// The job's result stays pending until an explicit retry downloads the attachment.
type DownloadSuppressed struct {
	AttachmentID string
	Category     attachment.Category
	State        attachment.State
}

func (ProgressChanged) eventName() string             { return "progress_changed" }
func (BandwidthPreferencesChanged) eventName() string { return "bandwidth_preferences_changed" }
func (DownloadSuppressed) eventName() string          { return "download_suppressed" }

// Publisher is the producer side used by the downloader.
type Publisher interface {
	Publish(ev Event)
}

// Center fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Center struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

func NewCenter(logger *slog.Logger) *Center {
	if logger == nil {
		logger = slog.Default()
	}
	return &Center{
		subs:   make(map[int]chan Event),
		logger: logger.With("component", "notify"),
	}
}

// Subscribe returns an event channel and a function that unsubscribes and closes it.
func (c *Center) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Center) Publish(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("Subscriber buffer full, dropping event", "subscriber", id, "event", ev.eventName())
		}
	}
}

var _ Publisher = (*Center)(nil)
