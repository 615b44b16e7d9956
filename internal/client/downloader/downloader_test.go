package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"attachdl/internal/attachment"
	"attachdl/internal/client/cdn"
	"attachdl/internal/client/prefs"
	"attachdl/internal/cryptox"
	"attachdl/internal/notify"
	"attachdl/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDownloads_MessageBodySucceeds(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	events := f.subscribe()

	f.visibleThread("t1")
	p := f.putPointer("a1", "image/jpeg", "cat.jpg", []byte("a picture of a cat"))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	require.Len(t, req.Body, 1)

	stream, err := wait(t, req.Body[0])
	require.NoError(t, err)
	assert.True(t, stream.IsStream())
	got, err := os.ReadFile(stream.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, p.plaintext, got)

	rec := f.attachment("a1")
	assert.True(t, rec.IsStream())
	assert.Equal(t, stream.LocalPath, rec.LocalPath)

	msg := f.message("m1")
	assert.Equal(t, msg.Revision, msg.IndexedRevision, "completion reindexes the owner")
	assert.Greater(t, msg.Revision, uint64(1))

	progress, ok := d.Progress("a1")
	assert.True(t, ok)
	assert.Equal(t, 1.0, progress)

	awaitEvent(t, events, func(e notify.ProgressChanged) bool { return e.AttachmentID == "a1" && e.Fraction == 1 })
	f.transport.AssertExpectations(t)

	entries, err := os.ReadDir(f.cipherDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "ciphertext is removed after decryption")
}

func TestDownloads_PublishedProgressNeverBelowEpsilon(t *testing.T) {
	f := newFixture(t)
	events := f.subscribe()

	f.visibleThread("t1")
	p := f.putPointer("a1", "application/pdf", "doc.pdf", make([]byte, 4096))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.transport.On("Download", p.path).Return(downloadFunc(func(ctx context.Context, req cdn.Request) (*cdn.Response, error) {
		for _, received := range []int64{0, 1, 2048} {
			if err := req.Progress(received, 1<<30); err != nil {
				return nil, err
			}
		}
		return nil, errors.New("stop after progress")
	})).Once()

	d := f.start(func(c *Config) { c.MaxDownloadSize = 2 << 30 })
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	_, err = wait(t, req.Body[0])
	require.Error(t, err)

	ev := awaitEvent(t, events, func(e notify.ProgressChanged) bool { return e.AttachmentID == "a1" })
	assert.Equal(t, ProgressEpsilon, ev.Fraction, "tiny fractions are clamped")
	for {
		select {
		case e := <-events:
			if pc, ok := e.(notify.ProgressChanged); ok {
				assert.GreaterOrEqual(t, pc.Fraction, ProgressEpsilon)
			}
			continue
		default:
		}
		break
	}
}

func TestDownloads_DeclaredOversizeFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("a1", "video/mp4", "clip.mp4", []byte("small"))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.transport.On("Download", p.path).Return(downloadFunc(func(ctx context.Context, req cdn.Request) (*cdn.Response, error) {
		return nil, req.Progress(1, 200*1024*1024)
	}))

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)

	_, err = wait(t, req.Body[0])
	assert.ErrorIs(t, err, ErrOversize)
	f.transport.AssertNumberOfCalls(t, "Download", 1)
	assert.Equal(t, attachment.StateFailed, f.attachment("a1").State)
}

func TestDownloads_ReceivedBytesOverCeiling(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("a1", "application/zip", "a.zip", []byte("zip"))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.transport.On("Download", p.path).Return(downloadFunc(func(ctx context.Context, req cdn.Request) (*cdn.Response, error) {
		return nil, req.Progress(2048, -1)
	}))

	d := f.start(func(c *Config) { c.MaxDownloadSize = 1024 })
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	_, err = wait(t, req.Body[0])
	assert.ErrorIs(t, err, ErrOversize)
}

func TestDownloads_ActiveCallDefersHeavyCategories(t *testing.T) {
	f := newFixture(t)
	events := f.subscribe()

	f.visibleThread("t1")
	f.putPointer("img", "image/png", "p.png", []byte("png"))
	voice := f.putPointer("voice", "audio/aac", "v.aac", []byte("voice memo"))
	f.update(func(tx store.Tx) error {
		rec, err := tx.Attachment("voice")
		if err != nil {
			return err
		}
		rec.IsVoiceMessage = true
		return tx.PutAttachment(rec)
	})
	f.putMessage(incoming("m1", "t1", "img", "voice"))
	f.transport.On("Download", voice.path).Return(serve(f.cipherDir, voice.blob)).Once()

	d := f.start(func(c *Config) { c.Conditions = StaticConditions{ActiveCall: true, Wifi: true} })
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	require.Len(t, req.Body, 2)

	ev := awaitEvent(t, events, func(e notify.DownloadSuppressed) bool { return e.AttachmentID == "img" })
	assert.Equal(t, attachment.StatePendingManualDownload, ev.State)
	assert.Equal(t, attachment.CategoryBodyImage, ev.Category)

	_, err = wait(t, req.Body[1])
	require.NoError(t, err)

	assert.False(t, req.Body[0].IsResolved(), "suppressed downloads stay pending")
	assert.Equal(t, attachment.StatePendingManualDownload, f.attachment("img").State)
	f.transport.AssertExpectations(t)
}

func TestDownloads_RetriesNetworkFailuresAndResumes(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("a1", "application/pdf", "doc.pdf", []byte("document body"))
	f.putMessage(incoming("m1", "t1", "a1"))

	token := &cdn.ResumeToken{TempPath: "partial", Offset: 4, Validator: `"v1"`}
	timeout := &cdn.TransferError{Err: io.ErrUnexpectedEOF, Resume: token}
	var resumed atomic.Bool
	f.transport.On("Download", p.path).Return(failing(timeout)).Times(3)
	f.transport.On("Download", p.path).Return(downloadFunc(func(ctx context.Context, req cdn.Request) (*cdn.Response, error) {
		resumed.Store(req.Resume == token)
		return serve(f.cipherDir, p.blob)(ctx, req)
	})).Once()

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)

	_, err = wait(t, req.Body[0])
	require.NoError(t, err)
	f.transport.AssertNumberOfCalls(t, "Download", 4)
	assert.True(t, resumed.Load(), "resume token is carried to the next attempt")
}

func TestDownloads_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("a1", "application/pdf", "doc.pdf", []byte("document body"))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.transport.On("Download", p.path).Return(failing(io.ErrUnexpectedEOF))

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)

	_, err = wait(t, req.Body[0])
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	f.transport.AssertNumberOfCalls(t, "Download", MaxAttempts)
	assert.Equal(t, attachment.StateFailed, f.attachment("a1").State)
}

func TestDownloads_NonNetworkErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("a1", "application/pdf", "doc.pdf", []byte("document body"))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.transport.On("Download", p.path).Return(nil, cdn.ErrNotFound)

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)

	_, err = wait(t, req.Body[0])
	assert.ErrorIs(t, err, cdn.ErrNotFound)
	f.transport.AssertNumberOfCalls(t, "Download", 1)
}

func TestDownloads_ConcurrencyCeiling(t *testing.T) {
	tests := []struct {
		name        string
		constrained bool
		want        int
	}{
		{name: "default", want: DefaultMaxConcurrent},
		{name: "constrained", constrained: true, want: ConstrainedMaxConcurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Cleanup(func() { goleak.VerifyNone(t) })
			f := newFixture(t)
			f.visibleThread("t1")

			const n = 6
			started := make(chan string, n)
			release := make(chan struct{})
			var ids []string
			for i := range n {
				id := string(rune('a' + i))
				p := f.putPointer(id, "application/pdf", id+".pdf", []byte("doc "+id))
				f.transport.On("Download", p.path).Return(gated(f.cipherDir, p.blob, started, release)).Once()
				ids = append(ids, id)
			}
			f.putMessage(incoming("m1", "t1", ids...))

			d := f.start(func(c *Config) { c.Context.Constrained = tt.constrained })
			req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
			require.NoError(t, err)

			for range tt.want {
				awaitStarted(t, started)
			}
			select {
			case path := <-started:
				t.Fatalf("%s started above the ceiling", path)
			case <-time.After(100 * time.Millisecond):
			}
			active, pending := d.Stats()
			assert.Equal(t, tt.want, active)
			assert.Equal(t, n-tt.want, pending)

			close(release)
			for _, fut := range req.Body {
				_, err := wait(t, fut)
				require.NoError(t, err)
			}
			require.Eventually(t, func() bool {
				active, pending := d.Stats()
				return active == 0 && pending == 0
			}, waitTimeout, 10*time.Millisecond)
			f.transport.AssertExpectations(t)
		})
	}
}

func TestDownloads_SameTargetRunsOnce(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("a1", "application/pdf", "doc.pdf", []byte("shared"))
	f.putMessage(incoming("m1", "t1", "a1"))

	started := make(chan string, 2)
	release := make(chan struct{})
	f.transport.On("Download", p.path).Return(gated(f.cipherDir, p.blob, started, release)).Once()

	d := f.start()
	first, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	awaitStarted(t, started)

	second, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyBypassAll)
	require.NoError(t, err)
	require.False(t, second.IsEmpty())
	assert.True(t, d.queue.isActive("a1"))

	close(release)
	s1, err := wait(t, first.Body[0])
	require.NoError(t, err)
	s2, err := wait(t, second.Body[0])
	require.NoError(t, err)
	assert.Equal(t, s1.LocalPath, s2.LocalPath)
	f.transport.AssertNumberOfCalls(t, "Download", 1)
}

func TestDownloads_SharedRolesShareOneJob(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("thumb", "image/jpeg", "thumb.jpg", []byte("thumbnail"))
	msg := incoming("m1", "t1")
	msg.LinkPreviewAttachmentID = "thumb"
	msg.Quote = &attachment.QuotedReply{ThumbnailAttachmentID: "thumb", ThumbnailOwned: true}
	f.putMessage(msg)
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	require.Len(t, req.Jobs, 1)
	assert.Same(t, req.QuotedThumbnail, req.LinkPreview)
	assert.Equal(t, attachment.CategoryQuotedReplyThumbnail, req.Jobs[0].Category)

	stream, err := wait(t, req.LinkPreview)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.message("m1").Quote.ThumbnailPath == stream.LocalPath
	}, waitTimeout, 10*time.Millisecond, "quote picks up the downloaded thumbnail")
	f.transport.AssertNumberOfCalls(t, "Download", 1)
}

func TestDownloads_CancelAffectsOnlyEarlierStarts(t *testing.T) {
	f := newFixture(t)
	events := f.subscribe()
	f.visibleThread("t1")
	p := f.putPointer("a1", "application/pdf", "doc.pdf", []byte("cancel me"))
	f.putMessage(incoming("m1", "t1", "a1"))

	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	f.transport.On("Download", p.path).Return(gated(f.cipherDir, p.blob, started, release)).Once()
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	awaitStarted(t, started)
	awaitEvent(t, events, func(e notify.ProgressChanged) bool { return e.AttachmentID == "a1" })

	d.Cancel("a1")
	_, err = wait(t, req.Body[0])
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, attachment.StatePendingManualDownload, f.attachment("a1").State)

	// A stale cancellation must not touch a download that starts afterwards.
	d.Cancel("a1")
	retry, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyBypassAll)
	require.NoError(t, err)
	_, err = wait(t, retry.Body[0])
	require.NoError(t, err)
	f.transport.AssertExpectations(t)
}

func TestDownloads_ProgressUnknownTarget(t *testing.T) {
	f := newFixture(t)
	d := f.start()
	_, ok := d.Progress("nope")
	assert.False(t, ok)
}

func TestDownloads_ContactSync(t *testing.T) {
	t.Run("testing context fails immediately", func(t *testing.T) {
		f := newFixture(t)
		d := f.start(func(c *Config) { c.Context.Testing = true })
		p := sealedPointer(t, "", "image/jpeg", "avatar.jpg", []byte("avatar"))

		fut, err := d.EnqueueContactSync(p.rec)
		require.NoError(t, err)
		require.True(t, fut.IsResolved())
		_, err = fut.Result()
		assert.ErrorIs(t, err, ErrDownloadFailed)
		f.transport.AssertNotCalled(t, "Download", mock.Anything)
	})

	t.Run("bypasses every check and is not persisted", func(t *testing.T) {
		f := newFixture(t)
		p := sealedPointer(t, "", "application/octet-stream", "contacts.bin", []byte("contact sync blob"))
		f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

		d := f.start(func(c *Config) {
			c.Conditions = StaticConditions{ActiveCall: true}
			c.Debug.ForcePendingManualDownload = true
		})
		fut, err := d.EnqueueContactSync(p.rec)
		require.NoError(t, err)
		stream, err := wait(t, fut)
		require.NoError(t, err)
		assert.NotEmpty(t, stream.ID)
		assert.FileExists(t, stream.LocalPath)

		err = f.db.View(context.Background(), func(tx store.Tx) error {
			_, err := tx.Attachment(stream.ID)
			return err
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("pointer without a size keeps the whole plaintext", func(t *testing.T) {
		f := newFixture(t)
		plaintext := []byte("contacts written by an older client")
		p := sealedPointer(t, "", "application/octet-stream", "contacts.bin", plaintext)
		wire := (&attachment.Pointer{
			CDNID:       p.rec.ServerID,
			ContentType: p.rec.ContentType,
			Key:         p.rec.Key,
			Digest:      p.rec.Digest,
			FileName:    p.rec.SourceFilename,
		}).Marshal()
		rec, err := attachment.PointerFromProto(wire)
		require.NoError(t, err)
		require.Zero(t, rec.ByteCount)
		f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

		d := f.start()
		fut, err := d.EnqueueContactSync(rec)
		require.NoError(t, err)
		stream, err := wait(t, fut)
		require.NoError(t, err)
		got, err := os.ReadFile(stream.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
		assert.Equal(t, uint32(len(plaintext)), stream.ByteCount)
	})

	t.Run("pointer without a digest fails verification", func(t *testing.T) {
		f := newFixture(t)
		p := sealedPointer(t, "", "application/octet-stream", "contacts.bin", []byte("unverifiable"))
		p.rec.Digest = nil
		f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

		d := f.start()
		fut, err := d.EnqueueContactSync(p.rec)
		require.NoError(t, err)
		_, err = wait(t, fut)
		assert.ErrorIs(t, err, ErrDecryptFailed)
		assert.ErrorIs(t, err, cryptox.ErrMissingDigest)
		f.transport.AssertNumberOfCalls(t, "Download", 1)
	})

	t.Run("rejects streams", func(t *testing.T) {
		f := newFixture(t)
		d := f.start()
		_, err := d.EnqueueContactSync(&attachment.Record{ID: "s", Kind: attachment.KindStream})
		assert.ErrorIs(t, err, ErrInvalidPointer)
	})
}

func TestDownloads_OutgoingMessageBypassesPolicy(t *testing.T) {
	f := newFixture(t)
	f.putThread(&attachment.Thread{ID: "t1", Visible: true, HasPendingMessageRequest: true})
	p := f.putPointer("a1", "video/mp4", "clip.mp4", []byte("outgoing video"))
	msg := incoming("m1", "t1", "a1")
	msg.Incoming = false
	f.putMessage(msg)
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

	d := f.start(func(c *Config) { c.Conditions = StaticConditions{ActiveCall: true, Wifi: false} })
	f.update(func(tx store.Tx) error { return d.EnqueueForNewMessage(tx, "m1") })

	require.Eventually(t, func() bool { return f.attachment("a1").IsStream() }, waitTimeout, 10*time.Millisecond)
	f.transport.AssertExpectations(t)
}

func TestDownloads_NewMessageWithoutAttachmentsIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	f.putMessage(incoming("m1", "t1"))

	d := f.start(func(c *Config) { c.Context.MainApp = false })
	f.update(func(tx store.Tx) error { return d.EnqueueForNewMessage(tx, "m1") })

	require.NoError(t, f.db.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.KVGet(PendingMessageCollection, "m1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestDownloads_MessageRequestHoldsVisualMedia(t *testing.T) {
	f := newFixture(t)
	events := f.subscribe()
	f.putThread(&attachment.Thread{ID: "t1", Visible: true, HasPendingMessageRequest: true})
	p := f.putPointer("a1", "image/jpeg", "cat.jpg", []byte("cat"))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	awaitEvent(t, events, func(e notify.DownloadSuppressed) bool { return e.AttachmentID == "a1" })
	assert.False(t, req.Body[0].IsResolved())
	assert.Equal(t, attachment.StatePendingMessageRequest, f.attachment("a1").State)

	// Not whitelisted yet: nothing happens.
	require.NoError(t, d.HandleWhitelistChange(context.Background(), "t1"))

	f.putThread(&attachment.Thread{ID: "t1", Visible: true, Whitelisted: true})
	require.NoError(t, d.HandleWhitelistChange(context.Background(), "t1"))
	require.Eventually(t, func() bool { return f.attachment("a1").IsStream() }, waitTimeout, 10*time.Millisecond)
	f.transport.AssertExpectations(t)
}

func TestDownloads_ForcedFailure(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	f.putPointer("a1", "image/jpeg", "cat.jpg", []byte("cat"))
	f.putMessage(incoming("m1", "t1", "a1"))

	d := f.start(func(c *Config) { c.Debug.ForceFailures = true })
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyBypassAll)
	require.NoError(t, err)

	_, err = wait(t, req.Body[0])
	assert.ErrorIs(t, err, ErrForcedFailure)
	assert.Equal(t, attachment.StateFailed, f.attachment("a1").State)
	f.transport.AssertNotCalled(t, "Download", mock.Anything)
}

func TestDownloads_DecryptFailureCleansUp(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("a1", "application/pdf", "doc.pdf", []byte("tamper with me"))
	f.putMessage(incoming("m1", "t1", "a1"))
	corrupt := append([]byte(nil), p.blob...)
	corrupt[len(corrupt)/2] ^= 0xff
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, corrupt)).Once()

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)

	_, err = wait(t, req.Body[0])
	assert.ErrorIs(t, err, ErrDecryptFailed)
	assert.Equal(t, attachment.StateFailed, f.attachment("a1").State)

	entries, err := os.ReadDir(f.cipherDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	plain, _ := os.ReadDir(f.plainDir)
	assert.Empty(t, plain)
}

func TestDownloads_StickerContentTypeIsSniffed(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	p := f.putPointer("st", "image/webp", "sticker.webp", png)
	msg := incoming("m1", "t1")
	msg.StickerAttachmentID = "st"
	f.putMessage(msg)
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

	d := f.start()
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	require.NotNil(t, req.Sticker)

	stream, err := wait(t, req.Sticker)
	require.NoError(t, err)
	assert.Equal(t, "image/png", stream.ContentType)
}

func TestDownloads_Stories(t *testing.T) {
	f := newFixture(t)
	events := f.subscribe()
	p := f.putPointer("sa", "video/mp4", "story.mp4", []byte("story video"))
	f.update(func(tx store.Tx) error {
		return tx.PutStory(&attachment.StoryMessage{ID: "s1", Incoming: true, AttachmentID: "sa"})
	})
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob)).Once()

	d := f.start(func(c *Config) { c.Conditions = StaticConditions{Wifi: false} })
	fut, err := d.EnqueueForStory(context.Background(), "s1", attachment.PolicyDefault)
	require.NoError(t, err)
	awaitEvent(t, events, func(e notify.DownloadSuppressed) bool { return e.AttachmentID == "sa" })
	assert.False(t, fut.IsResolved(), "videos wait for wifi by default")

	fut, err = d.EnqueueForStory(context.Background(), "s1", attachment.PolicyBypassPendingManualDownload)
	require.NoError(t, err)
	_, err = wait(t, fut)
	require.NoError(t, err)

	fut, err = d.EnqueueForStory(context.Background(), "s1", attachment.PolicyDefault)
	require.NoError(t, err)
	assert.True(t, fut.IsResolved(), "a downloaded story resolves immediately")

	_, err = d.EnqueueForStory(context.Background(), "missing", attachment.PolicyDefault)
	assert.ErrorIs(t, err, ErrMissingRecord)
}

func TestDownloads_EnqueueAllForThread(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p1 := f.putPointer("a1", "application/pdf", "one.pdf", []byte("one"))
	p2 := f.putPointer("a2", "application/pdf", "two.pdf", []byte("two"))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.putMessage(incoming("m2", "t1", "a2"))
	f.putMessage(incoming("m3", "t1"))
	f.transport.On("Download", p1.path).Return(serve(f.cipherDir, p1.blob)).Once()
	f.transport.On("Download", p2.path).Return(serve(f.cipherDir, p2.blob)).Once()

	d := f.start()
	require.NoError(t, d.EnqueueAllForThread(context.Background(), "t1"))
	require.Eventually(t, func() bool {
		return f.attachment("a1").IsStream() && f.attachment("a2").IsStream()
	}, waitTimeout, 10*time.Millisecond)

	// Everything is downloaded now, so a second pass does no network I/O.
	require.NoError(t, d.EnqueueAllForThread(context.Background(), "t1"))
	f.transport.AssertExpectations(t)
}

func TestDownloads_ShutdownFailsQueuedJobs(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	f := newFixture(t)
	f.visibleThread("t1")
	started := make(chan string, 2)
	release := make(chan struct{})
	defer close(release)
	var ids []string
	for _, id := range []string{"a1", "a2"} {
		p := f.putPointer(id, "application/pdf", id+".pdf", []byte(id))
		f.transport.On("Download", p.path).Return(gated(f.cipherDir, p.blob, started, release)).Maybe()
		ids = append(ids, id)
	}
	f.putMessage(incoming("m1", "t1", ids...))

	d := f.start(func(c *Config) { c.Context.Constrained = true })
	req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	require.NoError(t, err)
	awaitStarted(t, started)

	require.NoError(t, d.Shutdown(waitTimeout))
	for _, fut := range req.Body {
		_, err := wait(t, fut)
		assert.ErrorIs(t, err, ErrShutdown)
	}
	assert.Equal(t, attachment.StateDownloading, f.attachment("a1").State, "interrupted downloads are picked up later")

	_, err = d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestDownloads_BandwidthPreferences(t *testing.T) {
	f := newFixture(t)
	events := f.subscribe()
	d := f.start()
	ctx := context.Background()

	got, err := d.BandwidthPreference(ctx, attachment.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, prefs.WifiOnly, got)

	require.NoError(t, d.SetBandwidthPreference(ctx, attachment.MediaVideo, prefs.WifiAndCellular))
	awaitEvent(t, events, func(notify.BandwidthPreferencesChanged) bool { return true })
	all, err := d.BandwidthPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, prefs.WifiAndCellular, all[attachment.MediaVideo])

	require.NoError(t, d.ResetBandwidthPreferences(ctx))
	awaitEvent(t, events, func(notify.BandwidthPreferencesChanged) bool { return true })
	got, err = d.BandwidthPreference(ctx, attachment.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, prefs.WifiOnly, got)
}

func TestDownloads_ConcurrentEnqueues(t *testing.T) {
	f := newFixture(t)
	f.visibleThread("t1")
	p := f.putPointer("a1", "application/pdf", "doc.pdf", []byte("contended"))
	f.putMessage(incoming("m1", "t1", "a1"))
	f.transport.On("Download", p.path).Return(serve(f.cipherDir, p.blob))

	d := f.start()
	var wg sync.WaitGroup
	futures := make([]*Future, 8)
	for i := range futures {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := d.EnqueueForMessage(context.Background(), "m1", GroupAll, attachment.PolicyDefault)
			assert.NoError(t, err)
			futures[i] = req.Body[0]
		}()
	}
	wg.Wait()

	for _, fut := range futures {
		stream, err := wait(t, fut)
		require.NoError(t, err)
		assert.True(t, stream.IsStream())
	}
	assert.True(t, f.attachment("a1").IsStream())
}

func TestNew_RequiresStoreAndTransport(t *testing.T) {
	_, err := New(Config{Transport: new(mockTransport)})
	assert.ErrorIs(t, err, ErrNoStore)

	f := newFixture(t)
	_, err = New(Config{Store: f.db})
	assert.ErrorIs(t, err, ErrNoTransport)
}
