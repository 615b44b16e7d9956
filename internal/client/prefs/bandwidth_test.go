package prefs

import (
	"context"
	"path/filepath"
	"testing"

	"attachdl/internal/attachment"
	"attachdl/internal/notify"
	"attachdl/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrefs(t *testing.T) (*Store, store.Store, <-chan notify.Event) {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "prefs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	center := notify.NewCenter(nil)
	events, unsub := center.Subscribe(8)
	t.Cleanup(unsub)
	return New(db, center, nil), db, events
}

func TestDefaults(t *testing.T) {
	p, _, _ := newTestPrefs(t)
	all, err := p.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[attachment.MediaType]Preference{
		attachment.MediaPhoto:    WifiAndCellular,
		attachment.MediaVideo:    WifiOnly,
		attachment.MediaAudio:    WifiAndCellular,
		attachment.MediaDocument: WifiOnly,
	}, all)
}

func TestSetGetReset_Notifies(t *testing.T) {
	p, _, events := newTestPrefs(t)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, attachment.MediaPhoto, Never))
	assert.Equal(t, notify.BandwidthPreferencesChanged{}, <-events)

	got, err := p.Get(ctx, attachment.MediaPhoto)
	require.NoError(t, err)
	assert.Equal(t, Never, got)

	require.NoError(t, p.Reset(ctx))
	assert.Equal(t, notify.BandwidthPreferencesChanged{}, <-events)

	got, err = p.Get(ctx, attachment.MediaPhoto)
	require.NoError(t, err)
	assert.Equal(t, WifiAndCellular, got)

	assert.ErrorIs(t, p.Set(ctx, attachment.MediaPhoto, Preference(7)), ErrUnknownPreference)
}

func TestInvalidPersistedValueFallsBack(t *testing.T) {
	p, db, _ := newTestPrefs(t)
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx store.Tx) error {
		return tx.KVSet(Collection, string(attachment.MediaVideo), []byte("42"))
	}))

	got, err := p.Get(ctx, attachment.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, WifiOnly, got)
}

func TestAutoDownloadable(t *testing.T) {
	p, db, _ := newTestPrefs(t)
	ctx := context.Background()
	require.NoError(t, p.Set(ctx, attachment.MediaAudio, Never))

	require.NoError(t, db.View(ctx, func(tx store.Tx) error {
		cellular := p.AutoDownloadable(tx, false)
		assert.Equal(t, map[attachment.MediaType]bool{attachment.MediaPhoto: true}, cellular)

		wifi := p.AutoDownloadable(tx, true)
		assert.Equal(t, map[attachment.MediaType]bool{
			attachment.MediaPhoto:    true,
			attachment.MediaVideo:    true,
			attachment.MediaDocument: true,
		}, wifi)
		return nil
	}))
}

func TestParsePreference(t *testing.T) {
	p, err := ParsePreference("Wifi-Only")
	require.NoError(t, err)
	assert.Equal(t, WifiOnly, p)
	_, err = ParsePreference("sometimes")
	assert.ErrorIs(t, err, ErrUnknownPreference)
}
