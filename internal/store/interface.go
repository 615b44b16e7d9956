package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"attachdl/internal/attachment"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrReadOnlyTx = errors.New("write attempted in a read-only transaction")
	ErrNoPath     = errors.New("store path must be specified")
)

const defaultOpenTimeout = 1 * time.Second

// Config configures the bbolt-backed store.
type Config struct {
	Path        string // bbolt database file
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

func (c *Config) setDefaults() {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "store")
}

// Tx is a transaction over attachment, message, thread and story records plus
// generic key-value collections. Mutating methods fail with ErrReadOnlyTx in View.
type Tx interface {
	Writable() bool

	Attachment(id string) (*attachment.Record, error)
	PutAttachment(r *attachment.Record) error
	DeleteAttachment(id string) error
	// ForEachAttachment visits every attachment record in id order. fn must not
	// write attachments.
	ForEachAttachment(fn func(*attachment.Record) error) error

	Message(id string) (*attachment.Message, error)
	PutMessage(m *attachment.Message) error
	// TouchMessage bumps the message revision so observers reload it. With
	// reindex set, the message search entry is rebuilt as well.
	TouchMessage(id string, reindex bool) error
	// MessagesInThread visits the thread's messages in timestamp order.
	MessagesInThread(threadID string, fn func(*attachment.Message) error) error
	SearchEntry(messageID string) (string, error)

	Thread(id string) (*attachment.Thread, error)
	PutThread(t *attachment.Thread) error

	Story(id string) (*attachment.StoryMessage, error)
	PutStory(s *attachment.StoryMessage) error
	TouchStory(id string) error

	KVGet(collection, key string) ([]byte, error)
	KVSet(collection, key string, value []byte) error
	KVDelete(collection, key string) error
	KVForEach(collection string, fn func(key string, value []byte) error) error

	// AfterCommit registers fn to run once the write transaction has committed.
	AfterCommit(fn func())
}

// Store is the transactional persistent store. View gives snapshot reads,
// Update runs serialized read-write transactions.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
