package downloader

import (
	"sync"
	"time"

	"attachdl/internal/client/lru"
)

// admissionQueue keeps the pending FIFO, the active map, the cancellation ledger
// and the completed-target cache behind one lock. Every method is one atomic
// compound operation.
type admissionQueue struct {
	mu            sync.Mutex
	maxActive     int
	pending       []*Job
	active        map[string]*Job
	cancellations map[string]time.Time
	completed     *lru.Set
}

func newAdmissionQueue(maxActive, completedCapacity int) *admissionQueue {
	return &admissionQueue{
		maxActive:     maxActive,
		active:        make(map[string]*Job),
		cancellations: make(map[string]time.Time),
		completed:     lru.New(completedCapacity),
	}
}

func (q *admissionQueue) enqueue(jobs ...*Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, jobs...)
}

// dequeueIfCapacity pops the next job to run, or nil when the ceiling is reached
// or nothing is pending. A popped job whose target is already active becomes a
// follower of the active job and resolves with its outcome.
func (q *admissionQueue) dequeueIfCapacity() (job *Job, duplicates []*Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.active) < q.maxActive && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if running, ok := q.active[next.AttachmentID]; ok {
			running.followers = append(running.followers, next)
			duplicates = append(duplicates, next)
			continue
		}
		q.active[next.AttachmentID] = next
		return next, duplicates
	}
	return nil, duplicates
}

// markComplete releases the job's slot and cancellation entry, records the target
// as downloaded when it is, and hands back the job's followers.
func (q *admissionQueue) markComplete(job *Job, downloaded bool) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[job.AttachmentID] == job {
		delete(q.active, job.AttachmentID)
		delete(q.cancellations, job.AttachmentID)
	}
	if downloaded {
		q.completed.Add(job.AttachmentID)
	}
	followers := job.followers
	job.followers = nil
	return followers
}

// markDownloaded records targets found already materialized.
func (q *admissionQueue) markDownloaded(ids ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		q.completed.Add(id)
	}
}

// cancel records a cancellation for an active target and reports whether it
// did. Any other target has no attempt that started before at.
func (q *admissionQueue) cancel(id string, at time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[id]; !ok {
		return false
	}
	q.cancellations[id] = at
	return true
}

// shouldCancel reports whether a cancellation for id was requested after startedAt.
func (q *admissionQueue) shouldCancel(id string, startedAt time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	at, ok := q.cancellations[id]
	return ok && at.After(startedAt)
}

func (q *admissionQueue) progress(id string) (float64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.active[id]; ok {
		return job.Progress(), true
	}
	if q.completed.Contains(id) {
		return 1, true
	}
	return 0, false
}

// drainPending empties the pending FIFO, used at shutdown.
func (q *admissionQueue) drainPending() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.pending
	q.pending = nil
	return drained
}

func (q *admissionQueue) stats() (active, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active), len(q.pending)
}

func (q *admissionQueue) isActive(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[id]
	return ok
}
