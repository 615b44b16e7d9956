// Package prefs stores per-media-type bandwidth preferences and derives the
// set of media types that may be downloaded automatically.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"attachdl/internal/attachment"
	"attachdl/internal/notify"
	"attachdl/internal/store"
)

// Collection is the key-value collection holding the preferences.
const Collection = "MediaBandwidthPreferences"

var ErrUnknownPreference = errors.New("unknown bandwidth preference")

type Preference uint

const (
	Never Preference = iota
	WifiOnly
	WifiAndCellular
)

func (p Preference) String() string {
	switch p {
	case Never:
		return "never"
	case WifiOnly:
		return "wifi-only"
	case WifiAndCellular:
		return "wifi-and-cellular"
	}
	return "preference(" + strconv.FormatUint(uint64(p), 10) + ")"
}

// ParsePreference accepts the String() form.
func ParsePreference(s string) (Preference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never":
		return Never, nil
	case "wifi-only", "wifi":
		return WifiOnly, nil
	case "wifi-and-cellular", "always":
		return WifiAndCellular, nil
	}
	return Never, fmt.Errorf("%w: %q", ErrUnknownPreference, s)
}

// Default is used when nothing (or garbage) is persisted for the media type.
func Default(mt attachment.MediaType) Preference {
	switch mt {
	case attachment.MediaPhoto, attachment.MediaAudio:
		return WifiAndCellular
	}
	return WifiOnly
}

// Store reads and writes preferences through the persistent store.
type Store struct {
	db     store.Store
	pub    notify.Publisher
	logger *slog.Logger
}

func New(db store.Store, pub notify.Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, pub: pub, logger: logger.With("component", "bandwidth_prefs")}
}

func (s *Store) Set(ctx context.Context, mt attachment.MediaType, p Preference) error {
	if p > WifiAndCellular {
		return fmt.Errorf("%w: %d", ErrUnknownPreference, p)
	}
	return s.db.Update(ctx, func(tx store.Tx) error {
		if err := tx.KVSet(Collection, string(mt), []byte(strconv.FormatUint(uint64(p), 10))); err != nil {
			return fmt.Errorf("set %s preference: %w", mt, err)
		}
		tx.AfterCommit(s.notifyChanged)
		return nil
	})
}

func (s *Store) Get(ctx context.Context, mt attachment.MediaType) (p Preference, err error) {
	err = s.db.View(ctx, func(tx store.Tx) error {
		p = s.GetTx(tx, mt)
		return nil
	})
	return p, err
}

func (s *Store) All(ctx context.Context) (all map[attachment.MediaType]Preference, err error) {
	err = s.db.View(ctx, func(tx store.Tx) error {
		all = s.AllTx(tx)
		return nil
	})
	return all, err
}

// Reset removes every stored preference so defaults apply again.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.Update(ctx, func(tx store.Tx) error {
		for _, mt := range attachment.MediaTypes {
			if err := tx.KVDelete(Collection, string(mt)); err != nil {
				return fmt.Errorf("reset %s preference: %w", mt, err)
			}
		}
		tx.AfterCommit(s.notifyChanged)
		return nil
	})
}

func (s *Store) GetTx(tx store.Tx, mt attachment.MediaType) Preference {
	raw, err := tx.KVGet(Collection, string(mt))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Failed to read bandwidth preference, using default", "media_type", mt, "error", err)
		}
		return Default(mt)
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil || Preference(v) > WifiAndCellular {
		s.logger.Warn("Invalid persisted bandwidth preference, using default", "media_type", mt, "value", string(raw))
		return Default(mt)
	}
	return Preference(v)
}

func (s *Store) AllTx(tx store.Tx) map[attachment.MediaType]Preference {
	all := make(map[attachment.MediaType]Preference, len(attachment.MediaTypes))
	for _, mt := range attachment.MediaTypes {
		all[mt] = s.GetTx(tx, mt)
	}
	return all
}

// AutoDownloadable returns the media types allowed to download without user action
// given the current Wi-Fi reachability.
func (s *Store) AutoDownloadable(tx store.Tx, wifi bool) map[attachment.MediaType]bool {
	allowed := make(map[attachment.MediaType]bool, len(attachment.MediaTypes))
	for mt, p := range s.AllTx(tx) {
		switch p {
		case WifiOnly:
			if wifi {
				allowed[mt] = true
			}
		case WifiAndCellular:
			allowed[mt] = true
		}
	}
	return allowed
}

func (s *Store) notifyChanged() {
	if s.pub != nil {
		s.pub.Publish(notify.BandwidthPreferencesChanged{})
	}
}
