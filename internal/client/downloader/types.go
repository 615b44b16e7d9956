package downloader

import (
	"errors"
	"time"

	"attachdl/internal/client/lru"
)

const (
	DefaultMaxConcurrent     = 4
	ConstrainedMaxConcurrent = 1
	MaxAttempts              = 16
	RetryDelay               = 250 * time.Millisecond
	// ProgressEpsilon is the smallest progress published once a transfer started.
	ProgressEpsilon        = 0.001
	DefaultMaxDownloadSize = 100 * 1024 * 1024
	CompletedCacheSize     = lru.DefaultCapacity
	ActorShutdownTimeout   = 10 * time.Second
)

// Deferred-startup ledger collections.
const (
	PendingMessageCollection = "PendingNewMessageDownloads"
	PendingStoryCollection   = "PendingNewStoryMessageDownloads"
)

var (
	ErrCancelled       = errors.New("attachment download cancelled")
	ErrOversize        = errors.New("attachment download exceeds maximum size")
	ErrDownloadFailed  = errors.New("attachment download failed")
	ErrDecryptFailed   = errors.New("attachment decryption failed")
	ErrForcedFailure   = errors.New("attachment download failure forced by debug flag")
	ErrMissingRecord   = errors.New("attachment or owning record no longer exists")
	ErrInvalidPointer  = errors.New("attachment pointer has neither cdn id nor cdn key")
	ErrAlreadyResolved = errors.New("job result already resolved")
	ErrNotResolved     = errors.New("job result not resolved yet")
	ErrShutdown        = errors.New("downloader is shut down")
)
