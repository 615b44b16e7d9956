package downloader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"attachdl/internal/attachment"
	"attachdl/internal/client/cdn"
	"attachdl/internal/cryptox"
	"attachdl/internal/notify"
	"attachdl/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// downloadFunc lets an expectation compute its response from the request.
type downloadFunc func(ctx context.Context, req cdn.Request) (*cdn.Response, error)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Download(ctx context.Context, req cdn.Request) (*cdn.Response, error) {
	args := m.Called(req.Path)
	if fn, ok := args.Get(0).(downloadFunc); ok {
		return fn(ctx, req)
	}
	resp, _ := args.Get(0).(*cdn.Response)
	return resp, args.Error(1)
}

// serve writes blob to a fresh ciphertext file, reporting progress at the
// start and at the end.
func serve(dir string, blob []byte) downloadFunc {
	return func(ctx context.Context, req cdn.Request) (*cdn.Response, error) {
		total := int64(len(blob))
		if err := req.Progress(0, total); err != nil {
			return nil, err
		}
		f, err := os.CreateTemp(dir, "cipher-*")
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(blob); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		if err := req.Progress(total, total); err != nil {
			os.Remove(f.Name())
			return nil, err
		}
		return &cdn.Response{FilePath: f.Name(), Size: total}, nil
	}
}

// gated reports the path on started, then holds the transfer until release is
// closed, ticking progress so cancellation is observed.
func gated(dir string, blob []byte, started chan<- string, release <-chan struct{}) downloadFunc {
	finish := serve(dir, blob)
	return func(ctx context.Context, req cdn.Request) (*cdn.Response, error) {
		total := int64(len(blob))
		if err := req.Progress(1, total); err != nil {
			return nil, err
		}
		started <- req.Path
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-release:
				return finish(ctx, req)
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
				if err := req.Progress(1, total); err != nil {
					return nil, err
				}
			}
		}
	}
}

func failing(err error) downloadFunc {
	return func(context.Context, cdn.Request) (*cdn.Response, error) { return nil, err }
}

type fixture struct {
	t         *testing.T
	db        store.Store
	transport *mockTransport
	center    *notify.Center
	cipherDir string
	plainDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(store.Config{Path: filepath.Join(dir, "attachdl.db"), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		t:         t,
		db:        db,
		transport: new(mockTransport),
		center:    notify.NewCenter(testLogger()),
		cipherDir: filepath.Join(dir, "cipher"),
		plainDir:  filepath.Join(dir, "attachments"),
	}
	require.NoError(t, os.MkdirAll(f.cipherDir, 0700))
	return f
}

func (f *fixture) config(mutate ...func(*Config)) Config {
	cfg := Config{
		Store:          f.db,
		Transport:      f.transport,
		Publisher:      f.center,
		Conditions:     StaticConditions{Wifi: true},
		Context:        ExecutionContext{MainApp: true},
		AttachmentsDir: f.plainDir,
		RetryDelay:     time.Millisecond,
		Logger:         testLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return cfg
}

// start builds and starts a downloader that is shut down when the test ends.
func (f *fixture) start(mutate ...func(*Config)) *downloads {
	f.t.Helper()
	dl, err := New(f.config(mutate...))
	require.NoError(f.t, err)
	d := dl.(*downloads)
	require.NoError(f.t, d.Start(context.Background()))
	f.t.Cleanup(func() { assert.NoError(f.t, d.Shutdown(waitTimeout)) })
	return d
}

func (f *fixture) subscribe() <-chan notify.Event {
	events, unsub := f.center.Subscribe(256)
	f.t.Cleanup(unsub)
	return events
}

func (f *fixture) update(fn func(tx store.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.db.Update(context.Background(), fn))
}

func (f *fixture) attachment(id string) *attachment.Record {
	f.t.Helper()
	var rec *attachment.Record
	require.NoError(f.t, f.db.View(context.Background(), func(tx store.Tx) (err error) {
		rec, err = tx.Attachment(id)
		return err
	}))
	return rec
}

func (f *fixture) message(id string) *attachment.Message {
	f.t.Helper()
	var msg *attachment.Message
	require.NoError(f.t, f.db.View(context.Background(), func(tx store.Tx) (err error) {
		msg, err = tx.Message(id)
		return err
	}))
	return msg
}

type pointerFixture struct {
	rec       *attachment.Record
	path      string
	blob      []byte
	plaintext []byte
}

var nextServerID atomic.Uint64

func sealedPointer(t *testing.T, id, contentType, filename string, plaintext []byte) pointerFixture {
	t.Helper()
	sealed, err := cryptox.Seal(plaintext)
	require.NoError(t, err)
	rec := &attachment.Record{
		ID:             id,
		Kind:           attachment.KindPointer,
		ContentType:    contentType,
		ByteCount:      uint32(len(plaintext)),
		SourceFilename: filename,
		ServerID:       nextServerID.Add(1),
		Key:            sealed.Key,
		Digest:         sealed.Digest,
		State:          attachment.StateEnqueued,
	}
	path, err := urlPath(rec)
	require.NoError(t, err)
	return pointerFixture{rec: rec, path: path, blob: sealed.Blob, plaintext: plaintext}
}

func (f *fixture) putPointer(id, contentType, filename string, plaintext []byte) pointerFixture {
	f.t.Helper()
	p := sealedPointer(f.t, id, contentType, filename, plaintext)
	f.update(func(tx store.Tx) error { return tx.PutAttachment(p.rec) })
	return p
}

func (f *fixture) putThread(th *attachment.Thread) {
	f.t.Helper()
	f.update(func(tx store.Tx) error { return tx.PutThread(th) })
}

func (f *fixture) putMessage(msg *attachment.Message) {
	f.t.Helper()
	f.update(func(tx store.Tx) error { return tx.PutMessage(msg) })
}

// visibleThread stores an accepted thread that does not hold downloads back.
func (f *fixture) visibleThread(id string) {
	f.putThread(&attachment.Thread{ID: id, Visible: true, Whitelisted: true})
}

func incoming(id, threadID string, bodyIDs ...string) *attachment.Message {
	return &attachment.Message{
		ID:                id,
		ThreadID:          threadID,
		Incoming:          true,
		Timestamp:         time.Now().UnixNano(),
		BodyAttachmentIDs: bodyIDs,
	}
}

func wait(t *testing.T, f *Future) (*attachment.Record, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	stream, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not resolve")
	return stream, err
}

func awaitStarted(t *testing.T, started <-chan string) string {
	t.Helper()
	select {
	case path := <-started:
		return path
	case <-time.After(waitTimeout):
		t.Fatal("transfer did not start")
		return ""
	}
}

func awaitEvent[E notify.Event](t *testing.T, events <-chan notify.Event, match func(E) bool) E {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(E); ok && match(e) {
				return e
			}
		case <-deadline:
			var zero E
			t.Fatalf("no matching %T event", zero)
			return zero
		}
	}
}
