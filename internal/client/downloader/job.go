package downloader

import (
	"math"
	"sync"
	"sync/atomic"

	"attachdl/internal/attachment"

	"github.com/google/uuid"
)

// Owner is the entity a job downloads for: MessageOwner, StoryOwner or
// ContactSyncOwner. Each arm carries what is needed to reload its source.
type Owner interface {
	ownerKind() string
	ownerID() string
}

type MessageOwner struct{ MessageID string }

type StoryOwner struct{ StoryID string }

// ContactSyncOwner carries the pointer itself; contact-sync pointers are not
// persisted in the store.
type ContactSyncOwner struct{ Pointer *attachment.Record }

func (MessageOwner) ownerKind() string     { return "message" }
func (o MessageOwner) ownerID() string     { return o.MessageID }
func (StoryOwner) ownerKind() string       { return "story" }
func (o StoryOwner) ownerID() string       { return o.StoryID }
func (ContactSyncOwner) ownerKind() string { return "contact_sync" }
func (o ContactSyncOwner) ownerID() string { return o.Pointer.ID }

// Job is one requested download of a single attachment.
type Job struct {
	ID           string
	AttachmentID string
	Category     attachment.Category
	Policy       attachment.BypassPolicy
	Owner        Owner

	future   *Future
	progress atomic.Uint64 // math.Float64bits of the fraction

	// settled is closed once the queue is done with the job, whether or not
	// its future was resolved.
	settled    chan struct{}
	settleOnce sync.Once

	// followers are duplicate jobs dropped at dequeue; guarded by the queue lock.
	followers []*Job
}

func newJob(owner Owner, attachmentID string, category attachment.Category, policy attachment.BypassPolicy) *Job {
	return &Job{
		ID:           uuid.NewString(),
		AttachmentID: attachmentID,
		Category:     category,
		Policy:       policy,
		Owner:        owner,
		future:       newFuture(),
		settled:      make(chan struct{}),
	}
}

func (j *Job) Future() *Future { return j.future }

// Progress is the last observed fraction in [0,1].
func (j *Job) Progress() float64 {
	return math.Float64frombits(j.progress.Load())
}

func (j *Job) setProgress(f float64) {
	j.progress.Store(math.Float64bits(f))
}

// Settled is closed when the job left the queue, resolved or suppressed.
func (j *Job) Settled() <-chan struct{} { return j.settled }

func (j *Job) settle() {
	j.settleOnce.Do(func() { close(j.settled) })
}
