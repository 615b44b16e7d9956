package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"attachdl/internal/attachment"
	"attachdl/internal/client/cdn"
	"attachdl/internal/client/prefs"
	"attachdl/internal/metrics"
	"attachdl/internal/notify"
	"attachdl/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNoStore     = errors.New("downloader requires a store")
	ErrNoTransport = errors.New("downloader requires a cdn transport")
)

// Config configures the download service. Store and Transport are required.
type Config struct {
	Store      store.Store
	Transport  cdn.Transport
	Prefs      *prefs.Store // defaults to a store over Store
	Publisher  notify.Publisher
	Conditions Conditions
	Metrics    *metrics.Downloads

	Context ExecutionContext
	Debug   DebugFlags

	AttachmentsDir     string
	MaxConcurrent      int
	MaxDownloadSize    int64
	MaxAttempts        int
	RetryDelay         time.Duration
	CompletedCacheSize int

	Clock  func() time.Time
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "downloader")

	if c.Context.Constrained {
		c.MaxConcurrent = ConstrainedMaxConcurrent
	} else if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxDownloadSize <= 0 {
		c.MaxDownloadSize = DefaultMaxDownloadSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = RetryDelay
	}
	if c.CompletedCacheSize <= 0 {
		c.CompletedCacheSize = CompletedCacheSize
	}
	if c.AttachmentsDir == "" {
		c.AttachmentsDir = filepath.Join(os.TempDir(), "attachdl", "attachments")
	}
	if c.Conditions == nil {
		c.Conditions = StaticConditions{Wifi: true}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Prefs == nil && c.Store != nil {
		c.Prefs = prefs.New(c.Store, c.Publisher, c.Logger)
	}
}

type downloads struct {
	config     Config
	store      store.Store
	transport  cdn.Transport
	prefs      *prefs.Store
	pub        notify.Publisher
	metrics    *metrics.Downloads
	gate       *policyGate
	queue      *admissionQueue
	decryptSem *semaphore.Weighted
	logger     *slog.Logger

	// ctx is cancelled by Shutdown and bounds every job.
	ctx    context.Context
	cancel context.CancelFunc

	lifeMu       sync.Mutex
	closed       bool
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

var _ Downloads = (*downloads)(nil)

func New(config Config) (Downloads, error) {
	if config.Store == nil {
		return nil, ErrNoStore
	}
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	config.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	d := &downloads{
		config:     config,
		store:      config.Store,
		transport:  config.Transport,
		prefs:      config.Prefs,
		pub:        config.Publisher,
		metrics:    config.Metrics,
		queue:      newAdmissionQueue(config.MaxConcurrent, config.CompletedCacheSize),
		decryptSem: semaphore.NewWeighted(1),
		logger:     config.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	d.gate = &policyGate{
		conditions: config.Conditions,
		debug:      config.Debug,
		prefs:      config.Prefs,
		logger:     config.Logger,
	}
	return d, nil
}

func (d *downloads) Start(ctx context.Context) error {
	d.logger.Info("Attachment downloads starting.",
		"main_app", d.config.Context.MainApp, "max_concurrent", d.config.MaxConcurrent)
	if err := d.resetInterrupted(ctx); err != nil {
		return err
	}
	if !d.config.Context.MainApp {
		return nil
	}
	return d.replay(ctx)
}

// resetInterrupted moves pointers left downloading by an earlier run back to
// enqueued. No job is active yet.
func (d *downloads) resetInterrupted(ctx context.Context) error {
	var reset int
	err := d.store.Update(ctx, func(tx store.Tx) error {
		var stale []*attachment.Record
		err := tx.ForEachAttachment(func(rec *attachment.Record) error {
			if rec.IsPointer() && rec.State == attachment.StateDownloading {
				stale = append(stale, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range stale {
			rec.State = attachment.StateEnqueued
			if err := tx.PutAttachment(rec); err != nil {
				return err
			}
		}
		reset = len(stale)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset interrupted downloads: %w", err)
	}
	if reset > 0 {
		d.logger.Info("Reset interrupted attachment downloads.", "count", reset)
	}
	return nil
}

// Shutdown fails every pending job with ErrShutdown, interrupts active ones
// and waits for them to exit.
func (d *downloads) Shutdown(timeout time.Duration) error {
	var err error
	d.shutdownOnce.Do(func() {
		d.logger.Info("Shutdown requested for attachment downloads.")
		d.lifeMu.Lock()
		d.closed = true
		d.lifeMu.Unlock()

		for _, job := range d.queue.drainPending() {
			d.resolve(job, nil, ErrShutdown)
		}
		d.updateQueueMetrics()
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.logger.Info("Attachment downloads shutdown completed.")
		case <-time.After(timeout):
			d.logger.Error("Attachment downloads shutdown timed out.")
			err = fmt.Errorf("attachment downloads shutdown timed out after %s", timeout)
		}
	})
	return err
}

// goTracked runs fn in a goroutine Shutdown waits for. It reports false once
// shut down.
func (d *downloads) goTracked(fn func()) bool {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *downloads) isClosed() bool {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.closed
}

func (d *downloads) updateQueueMetrics() {
	d.metrics.SetQueue(d.queue.stats())
}

// tryStartNext starts pending jobs while execution slots are free.
func (d *downloads) tryStartNext() {
	for {
		job, duplicates := d.queue.dequeueIfCapacity()
		for _, dup := range duplicates {
			d.logger.Debug("Attachment already downloading, joining active job.",
				"attachment_id", dup.AttachmentID, "job_id", dup.ID)
		}
		if job == nil {
			return
		}
		d.updateQueueMetrics()
		if !d.goTracked(func() { d.runJob(job) }) {
			d.finish(job, false, nil, ErrShutdown, true)
			return
		}
	}
}

func (d *downloads) runJob(job *Job) {
	l := d.logger.With("attachment_id", job.AttachmentID, "job_id", job.ID, "category", job.Category)
	startedAt := d.config.Clock()
	defer func() {
		if r := recover(); r != nil {
			l.Error("Panic recovered in attachment download.", "panic", r)
			d.finish(job, false, nil, fmt.Errorf("%w: panic: %v", ErrDownloadFailed, r), true)
		}
	}()

	p := d.prepare(d.ctx, job)
	switch p.outcome {
	case prepareAlreadyDownloaded:
		d.metrics.Outcome(metrics.OutcomeSucceeded, job.Category.String())
		d.finish(job, true, p.stream, nil, true)

	case prepareAborted:
		l.Info("Attachment download aborted.", "error", p.err)
		d.metrics.Outcome(metrics.OutcomeAborted, job.Category.String())
		d.finish(job, false, nil, p.err, true)

	case prepareSuppressed:
		d.metrics.Outcome(metrics.OutcomeSuppressed, job.Category.String())
		d.publish(notify.DownloadSuppressed{AttachmentID: job.AttachmentID, Category: job.Category, State: p.state})
		d.finish(job, false, nil, nil, false)

	case prepareProceed:
		stream, err := d.transfer(d.ctx, job, p.pointer)
		d.metrics.ObserveSeconds(d.config.Clock().Sub(startedAt).Seconds())
		if err != nil {
			d.downloadDidFail(job, err)
			return
		}
		d.downloadDidSucceed(job, stream)
	}
}

func (d *downloads) EnqueueAllForThread(ctx context.Context, threadID string) error {
	if d.isClosed() {
		return ErrShutdown
	}
	var requests []*MessageRequest
	err := d.store.Update(ctx, func(tx store.Tx) error {
		err := tx.MessagesInThread(threadID, func(msg *attachment.Message) error {
			if !hasUndownloaded(tx, msg) {
				return nil
			}
			requests = append(requests, buildMessageRequest(tx, msg, GroupAll, attachment.PolicyDefault, d.logger))
			return nil
		})
		if err != nil {
			return err
		}
		for _, req := range requests {
			if err := requeuePointers(tx, req.Jobs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load thread %s: %w", threadID, err)
	}
	for _, req := range requests {
		d.schedule(req)
	}
	d.logger.Debug("Enqueued thread downloads.", "thread_id", threadID, "messages", len(requests))
	return nil
}

// retryableStates are the pointer states a new enqueue moves back to enqueued.
// A pointer still downloading belongs to an active job and is left alone.
var retryableStates = []attachment.State{
	attachment.StateFailed,
	attachment.StatePendingMessageRequest,
	attachment.StatePendingManualDownload,
}

// requeuePointers moves the jobs' pointers back to enqueued, the only state a
// job may start from.
func requeuePointers(tx store.Tx, jobs []*Job) error {
	for _, job := range jobs {
		if _, ok := job.Owner.(ContactSyncOwner); ok {
			continue
		}
		rec, err := tx.Attachment(job.AttachmentID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !rec.IsPointer() || !slices.Contains(retryableStates, rec.State) {
			continue
		}
		if err := rec.Transition(attachment.StateEnqueued, retryableStates...); err != nil {
			return err
		}
		if err := tx.PutAttachment(rec); err != nil {
			return err
		}
	}
	return nil
}

func hasUndownloaded(tx store.Tx, msg *attachment.Message) bool {
	for _, id := range msg.AllAttachmentIDs() {
		if rec, err := tx.Attachment(id); err == nil && rec.IsPointer() {
			return true
		}
	}
	return false
}

func (d *downloads) EnqueueForNewMessage(tx store.Tx, messageID string) error {
	msg, err := tx.Message(messageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", messageID, err)
	}
	if len(msg.AllAttachmentIDs()) == 0 {
		return nil
	}
	policy := attachment.PolicyDefault
	if !msg.Incoming {
		policy = attachment.PolicyBypassAll
	}
	return d.enqueueForNewMessageID(tx, messageID, policy, false)
}

func (d *downloads) EnqueueForNewStory(tx store.Tx, storyID string) error {
	story, err := tx.Story(storyID)
	if err != nil {
		return fmt.Errorf("load story %s: %w", storyID, err)
	}
	if story.AttachmentID == "" {
		return nil
	}
	policy := attachment.PolicyDefault
	if !story.Incoming {
		policy = attachment.PolicyBypassAll
	}
	return d.enqueueForNewStoryID(tx, storyID, policy, false)
}

// enqueueForNewMessageID records the message in the ledger outside the main
// app. In the main app it clears any ledger entry and enqueues once tx commits.
func (d *downloads) enqueueForNewMessageID(tx store.Tx, messageID string, policy attachment.BypassPolicy, touchImmediately bool) error {
	if !d.config.Context.MainApp {
		return recordPending(tx, PendingMessageCollection, messageID, policy)
	}
	if err := clearPending(tx, PendingMessageCollection, messageID); err != nil {
		return err
	}
	tx.AfterCommit(func() {
		d.goTracked(func() {
			if _, err := d.enqueueMessage(d.ctx, messageID, GroupAll, policy, touchImmediately); err != nil {
				d.logger.Warn("Failed to enqueue new message downloads.", "message_id", messageID, "error", err)
			}
		})
	})
	return nil
}

func (d *downloads) enqueueForNewStoryID(tx store.Tx, storyID string, policy attachment.BypassPolicy, touchImmediately bool) error {
	if !d.config.Context.MainApp {
		return recordPending(tx, PendingStoryCollection, storyID, policy)
	}
	if err := clearPending(tx, PendingStoryCollection, storyID); err != nil {
		return err
	}
	tx.AfterCommit(func() {
		d.goTracked(func() {
			if _, err := d.enqueueStory(d.ctx, storyID, policy, touchImmediately); err != nil {
				d.logger.Warn("Failed to enqueue new story download.", "story_id", storyID, "error", err)
			}
		})
	})
	return nil
}

func (d *downloads) EnqueueForMessage(ctx context.Context, messageID string, group AttachmentGroup, policy attachment.BypassPolicy) (*MessageRequest, error) {
	return d.enqueueMessage(ctx, messageID, group, policy, false)
}

// EnqueueForStory returns a nil future when the story has no attachment.
func (d *downloads) EnqueueForStory(ctx context.Context, storyID string, policy attachment.BypassPolicy) (*Future, error) {
	return d.enqueueStory(ctx, storyID, policy, false)
}

// enqueueMessage builds the message's request and queues its jobs. With
// touchImmediately the message is touched in the same write transaction so
// observers see the enqueued state right away.
func (d *downloads) enqueueMessage(ctx context.Context, messageID string, group AttachmentGroup, policy attachment.BypassPolicy, touchImmediately bool) (*MessageRequest, error) {
	if d.isClosed() {
		return nil, ErrShutdown
	}
	var req *MessageRequest
	build := func(tx store.Tx) error {
		msg, err := tx.Message(messageID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: message %s", ErrMissingRecord, messageID)
		}
		if err != nil {
			return err
		}
		req = buildMessageRequest(tx, msg, group, policy, d.logger)
		if err := requeuePointers(tx, req.Jobs); err != nil {
			return err
		}
		if touchImmediately {
			return tx.TouchMessage(messageID, false)
		}
		return nil
	}

	if err := d.store.Update(ctx, build); err != nil {
		return nil, err
	}
	d.schedule(req)
	return req, nil
}

func (d *downloads) schedule(req *MessageRequest) {
	d.queue.markDownloaded(req.streamIDs...)
	if req.IsEmpty() {
		return
	}
	d.queue.enqueue(req.Jobs...)
	d.watchMessageRequest(req)
	d.updateQueueMetrics()
	d.tryStartNext()
}

func (d *downloads) enqueueStory(ctx context.Context, storyID string, policy attachment.BypassPolicy, touchImmediately bool) (*Future, error) {
	if d.isClosed() {
		return nil, ErrShutdown
	}
	var (
		job    *Job
		future *Future
	)
	build := func(tx store.Tx) error {
		story, err := tx.Story(storyID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: story %s", ErrMissingRecord, storyID)
		}
		if err != nil {
			return err
		}
		job, future = buildStoryJob(tx, story, policy, d.logger)
		if job != nil {
			if err := requeuePointers(tx, []*Job{job}); err != nil {
				return err
			}
		}
		if touchImmediately {
			return tx.TouchStory(storyID)
		}
		return nil
	}

	if err := d.store.Update(ctx, build); err != nil {
		return nil, err
	}
	if job == nil {
		if future != nil {
			if stream, _ := future.Result(); stream != nil {
				d.queue.markDownloaded(stream.ID)
			}
		}
		return future, nil
	}
	d.enqueueJob(job)
	return future, nil
}

func (d *downloads) EnqueueContactSync(pointer *attachment.Record) (*Future, error) {
	if pointer == nil || !pointer.IsPointer() {
		return nil, ErrInvalidPointer
	}
	if d.config.Context.Testing {
		d.logger.Info("Contact sync downloads are disabled while testing.")
		return FailedFuture(ErrDownloadFailed), nil
	}
	if d.isClosed() {
		return nil, ErrShutdown
	}
	p := *pointer
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	job := newContactSyncJob(&p)
	d.enqueueJob(job)
	return job.future, nil
}

func (d *downloads) enqueueJob(job *Job) {
	d.queue.enqueue(job)
	d.updateQueueMetrics()
	d.tryStartNext()
}

// HandleWhitelistChange retries the thread's downloads once it is whitelisted.
func (d *downloads) HandleWhitelistChange(ctx context.Context, threadID string) error {
	var whitelisted bool
	err := d.store.View(ctx, func(tx store.Tx) error {
		thread, err := tx.Thread(threadID)
		if err != nil {
			return err
		}
		whitelisted = thread.Whitelisted
		return nil
	})
	if err != nil {
		return fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if !whitelisted {
		return nil
	}
	return d.EnqueueAllForThread(ctx, threadID)
}

func (d *downloads) ApplicationDidBecomeActive(ctx context.Context) error {
	if !d.config.Context.MainApp {
		return nil
	}
	return d.replay(ctx)
}

// Cancel interrupts the download of attachmentID if it started before now.
func (d *downloads) Cancel(attachmentID string) {
	if !d.queue.cancel(attachmentID, d.config.Clock()) {
		d.logger.Debug("Ignoring cancel for inactive download.", "attachment_id", attachmentID)
	}
}

func (d *downloads) Progress(attachmentID string) (float64, bool) {
	return d.queue.progress(attachmentID)
}

func (d *downloads) Stats() (active, pending int) {
	return d.queue.stats()
}

func (d *downloads) SetBandwidthPreference(ctx context.Context, mt attachment.MediaType, p prefs.Preference) error {
	return d.prefs.Set(ctx, mt, p)
}

func (d *downloads) BandwidthPreference(ctx context.Context, mt attachment.MediaType) (prefs.Preference, error) {
	return d.prefs.Get(ctx, mt)
}

func (d *downloads) BandwidthPreferences(ctx context.Context) (map[attachment.MediaType]prefs.Preference, error) {
	return d.prefs.All(ctx)
}

func (d *downloads) ResetBandwidthPreferences(ctx context.Context) error {
	return d.prefs.Reset(ctx)
}
