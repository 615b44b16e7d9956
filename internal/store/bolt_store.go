package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"attachdl/internal/attachment"

	"go.etcd.io/bbolt"
)

var (
	bucketAttachments    = []byte("attachments")
	bucketMessages       = []byte("messages")
	bucketThreadMessages = []byte("thread_messages")
	bucketThreads        = []byte("threads")
	bucketStories        = []byte("stories")
	bucketSearch         = []byte("search_index")
	bucketKV             = []byte("kv")

	allBuckets = [][]byte{
		bucketAttachments, bucketMessages, bucketThreadMessages,
		bucketThreads, bucketStories, bucketSearch, bucketKV,
	}
)

type boltStore struct {
	db     *bbolt.DB
	config Config
}

// Open opens (or creates) the bbolt database at config.Path and ensures its buckets exist.
func Open(config Config) (Store, error) {
	config.setDefaults()
	if config.Path == "" {
		return nil, ErrNoPath
	}

	db, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database at %s: %w", config.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	config.Logger.Info("Store opened", "db_path", config.Path)
	return &boltStore{db: db, config: config}, nil
}

func (s *boltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

func (s *boltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

func (s *boltStore) Close() error {
	s.config.Logger.Info("Closing store.")
	return s.db.Close()
}

var _ Store = (*boltStore)(nil)

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) Writable() bool { return t.tx.Writable() }

func (t *boltTx) checkWritable() error {
	if !t.tx.Writable() {
		return ErrReadOnlyTx
	}
	return nil
}

func getJSON(b *bbolt.Bucket, key string, v any) error {
	raw := b.Get([]byte(key))
	if raw == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put([]byte(key), raw)
}

func (t *boltTx) Attachment(id string) (*attachment.Record, error) {
	var r attachment.Record
	if err := getJSON(t.tx.Bucket(bucketAttachments), id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *boltTx) PutAttachment(r *attachment.Record) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if r.ID == "" {
		return fmt.Errorf("attachment id is required")
	}
	return putJSON(t.tx.Bucket(bucketAttachments), r.ID, r)
}

func (t *boltTx) DeleteAttachment(id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.tx.Bucket(bucketAttachments).Delete([]byte(id))
}

func (t *boltTx) ForEachAttachment(fn func(*attachment.Record) error) error {
	return t.tx.Bucket(bucketAttachments).ForEach(func(k, v []byte) error {
		var r attachment.Record
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		return fn(&r)
	})
}

func (t *boltTx) Message(id string) (*attachment.Message, error) {
	var m attachment.Message
	if err := getJSON(t.tx.Bucket(bucketMessages), id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// threadIndexKey orders messages by timestamp, then by id.
func threadIndexKey(m *attachment.Message) []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.Timestamp))
	return append(key, m.ID...)
}

func (t *boltTx) PutMessage(m *attachment.Message) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if m.ID == "" || m.ThreadID == "" {
		return fmt.Errorf("message id and thread id are required")
	}
	index := t.tx.Bucket(bucketThreadMessages)
	if prev, err := t.Message(m.ID); err == nil {
		if pb := index.Bucket([]byte(prev.ThreadID)); pb != nil {
			if err := pb.Delete(threadIndexKey(prev)); err != nil {
				return err
			}
		}
	}
	tb, err := index.CreateBucketIfNotExists([]byte(m.ThreadID))
	if err != nil {
		return fmt.Errorf("thread index for %s: %w", m.ThreadID, err)
	}
	if err := tb.Put(threadIndexKey(m), []byte(m.ID)); err != nil {
		return err
	}
	return putJSON(t.tx.Bucket(bucketMessages), m.ID, m)
}

func (t *boltTx) TouchMessage(id string, reindex bool) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	m, err := t.Message(id)
	if err != nil {
		return err
	}
	m.Revision++
	if reindex {
		if err := t.reindex(m); err != nil {
			return err
		}
		m.IndexedRevision = m.Revision
	}
	return putJSON(t.tx.Bucket(bucketMessages), m.ID, m)
}

// reindex rebuilds the search entry from the body and any downloaded oversize text.
func (t *boltTx) reindex(m *attachment.Message) error {
	parts := []string{m.Body}
	for _, id := range m.BodyAttachmentIDs {
		a, err := t.Attachment(id)
		if err != nil || !a.IsStream() || !a.IsOversizeText() {
			continue
		}
		text, err := os.ReadFile(a.LocalPath)
		if err != nil {
			continue
		}
		parts = append(parts, string(text))
	}
	return t.tx.Bucket(bucketSearch).Put([]byte(m.ID), []byte(strings.TrimSpace(strings.Join(parts, "\n"))))
}

func (t *boltTx) SearchEntry(messageID string) (string, error) {
	raw := t.tx.Bucket(bucketSearch).Get([]byte(messageID))
	if raw == nil {
		return "", ErrNotFound
	}
	return string(raw), nil
}

func (t *boltTx) MessagesInThread(threadID string, fn func(*attachment.Message) error) error {
	tb := t.tx.Bucket(bucketThreadMessages).Bucket([]byte(threadID))
	if tb == nil {
		return nil
	}
	c := tb.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		m, err := t.Message(string(v))
		if err != nil {
			return fmt.Errorf("thread %s index points at %s: %w", threadID, v, err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Thread(id string) (*attachment.Thread, error) {
	var th attachment.Thread
	if err := getJSON(t.tx.Bucket(bucketThreads), id, &th); err != nil {
		return nil, err
	}
	return &th, nil
}

func (t *boltTx) PutThread(th *attachment.Thread) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t.tx.Bucket(bucketThreads), th.ID, th)
}

func (t *boltTx) Story(id string) (*attachment.StoryMessage, error) {
	var s attachment.StoryMessage
	if err := getJSON(t.tx.Bucket(bucketStories), id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *boltTx) PutStory(s *attachment.StoryMessage) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return putJSON(t.tx.Bucket(bucketStories), s.ID, s)
}

func (t *boltTx) TouchStory(id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	s, err := t.Story(id)
	if err != nil {
		return err
	}
	s.Revision++
	return putJSON(t.tx.Bucket(bucketStories), s.ID, s)
}

func (t *boltTx) KVGet(collection, key string) ([]byte, error) {
	cb := t.tx.Bucket(bucketKV).Bucket([]byte(collection))
	if cb == nil {
		return nil, ErrNotFound
	}
	v := cb.Get([]byte(key))
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *boltTx) KVSet(collection, key string, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	cb, err := t.tx.Bucket(bucketKV).CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return fmt.Errorf("collection %s: %w", collection, err)
	}
	return cb.Put([]byte(key), value)
}

func (t *boltTx) KVDelete(collection, key string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	cb := t.tx.Bucket(bucketKV).Bucket([]byte(collection))
	if cb == nil {
		return nil
	}
	return cb.Delete([]byte(key))
}

// KVForEach must not be combined with KVDelete on the same collection inside fn.
func (t *boltTx) KVForEach(collection string, fn func(key string, value []byte) error) error {
	cb := t.tx.Bucket(bucketKV).Bucket([]byte(collection))
	if cb == nil {
		return nil
	}
	return cb.ForEach(func(k, v []byte) error {
		return fn(string(k), append([]byte(nil), v...))
	})
}

func (t *boltTx) AfterCommit(fn func()) {
	t.tx.OnCommit(fn)
}
