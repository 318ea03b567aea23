package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

// SetConfigValue upserts one row of the config table (process metadata
// like the schema/app version stamp).
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Unavailable(err)
	}
	return nil
}

// GetConfigValue returns one config row's value ("" if unset).
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM config WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errs.Unavailable(err)
	}
	return v, nil
}

// SetCapabilityStatus upserts a capability's health.
func (s *Store) SetCapabilityStatus(ctx context.Context, name string, status CapabilityStatus, detail string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capabilities (name, status, detail, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET status = excluded.status, detail = excluded.detail, updated_at = excluded.updated_at
	`, name, string(status), detail, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Unavailable(err)
	}
	return nil
}

// GetCapability returns one capability entry, or nil if never seeded.
func (s *Store) GetCapability(ctx context.Context, name string) (*Capability, error) {
	var c Capability
	err := s.db.GetContext(ctx, &c, `SELECT name, status, detail, updated_at FROM capabilities WHERE name = ?`, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return &c, nil
}

// ListCapabilities returns every capability entry.
func (s *Store) ListCapabilities(ctx context.Context) ([]Capability, error) {
	var rows []Capability
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, status, detail, updated_at FROM capabilities ORDER BY name`); err != nil {
		return nil, errs.Unavailable(err)
	}
	return rows, nil
}

// UpsertBias inserts or updates one STT bias lexicon entry, unique by
// (normalized phrase, mode).
func (s *Store) UpsertBias(ctx context.Context, b BiasEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bias_lexicon (phrase, normalized, mode, weight, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized, mode) DO UPDATE SET
			phrase = excluded.phrase, weight = excluded.weight, active = excluded.active, updated_at = excluded.updated_at
	`, b.Phrase, b.Normalized, b.Mode, b.Weight, b.Active, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Unavailable(err)
	}
	return nil
}

// ListBias returns the lexicon, optionally scoped to mode (empty = all).
func (s *Store) ListBias(ctx context.Context, mode string) ([]BiasEntry, error) {
	var rows []BiasEntry
	var err error
	if mode == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT phrase, normalized, mode, weight, active, updated_at FROM bias_lexicon ORDER BY normalized`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT phrase, normalized, mode, weight, active, updated_at FROM bias_lexicon WHERE mode = ? ORDER BY normalized`, mode)
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return rows, nil
}

// AdvanceTwitchCursor moves a category's dedupe marker forward, only if
// marker is strictly greater than the stored value. Returns true if it advanced (i.e. the packet was not
// a duplicate).
func (s *Store) AdvanceTwitchCursor(ctx context.Context, category string, marker int64) (advanced bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var current int64
	err = s.db.GetContext(ctx, &current, `SELECT marker FROM twitch_cursors WHERE category = ?`, category)
	if err != nil && err != sql.ErrNoRows {
		return false, errs.Unavailable(err)
	}
	if marker <= current {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO twitch_cursors (category, marker) VALUES (?, ?)
		ON CONFLICT(category) DO UPDATE SET marker = excluded.marker
	`, category, marker)
	if err != nil {
		return false, errs.Unavailable(err)
	}
	return true, nil
}

// TwitchCursorValue returns the current marker for category (0 if unset).
func (s *Store) TwitchCursorValue(ctx context.Context, category string) (int64, error) {
	var current int64
	err := s.db.GetContext(ctx, &current, `SELECT marker FROM twitch_cursors WHERE category = ?`, category)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Unavailable(err)
	}
	return current, nil
}
