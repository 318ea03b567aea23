// Package store is the single canonical latest-truth keyed store plus
// append-only event log. It is the only shared mutable
// resource in the system: every other component is handed a *Store at
// construction instead of reaching for a singleton.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

// Store wraps a SQLite-backed database with a single-writer discipline:
// all writes take writeMu, reads do not contend with each other. New
// events fan out to in-process subscribers for the SSE stream and the
// internal state watchers.
type Store struct {
	db      *sqlx.DB
	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[int]chan Event
	nextSub int
}

// Open opens (creating if needed) a SQLite database at path in WAL mode
// and applies embedded migrations before any caller reads or writes.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, subs: make(map[int]chan Event)}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetState returns the latest entry for key, or (nil, nil) if absent.
func (s *Store) GetState(ctx context.Context, key string) (*StateEntry, error) {
	var e StateEntry
	err := s.db.GetContext(ctx, &e, `SELECT key, value, source, confidence, observed_at, updated_at FROM state WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return &e, nil
}

// ListState returns all entries whose key starts with prefix (or all
// entries when prefix is empty).
func (s *Store) ListState(ctx context.Context, prefix string) ([]StateEntry, error) {
	var rows []StateEntry
	var err error
	if prefix == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT key, value, source, confidence, observed_at, updated_at FROM state ORDER BY key`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT key, value, source, confidence, observed_at, updated_at FROM state WHERE key LIKE ? ORDER BY key`, prefix+"%")
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return rows, nil
}

// SetStateOpts controls a single state write.
type SetStateOpts struct {
	Source        string
	Confidence    *float64
	ObservedAt    time.Time
	CorrelationID string
	// SuppressChangeEvent lets a high-frequency numeric source opt out of
	// emitting STATE_CHANGED.
	SuppressChangeEvent bool
	// Internal bypasses the ingest allow-list for runtime-managed keys
	// (app.*, twitch.*, jinx.*); ingest-path callers must leave this false.
	Internal bool
}

// SetState upserts key idempotently, emitting STATE_CHANGED when the
// value materially differs from the prior one, unless suppressed.
func (s *Store) SetState(ctx context.Context, key string, value json.RawMessage, opts SetStateOpts) error {
	var ok bool
	var reason string
	if opts.Internal {
		ok, reason = ValidateInternalKey(key)
	} else {
		ok, reason = ValidateIngestKey(key)
	}
	if !ok {
		return errs.InvalidKey(key, reason)
	}

	if opts.ObservedAt.IsZero() {
		opts.ObservedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prior, err := s.GetState(ctx, key)
	if err != nil {
		return err
	}

	// Last-write-wins by observed_at; ties broken by update time.
	if prior != nil && prior.ObservedAt.After(opts.ObservedAt) {
		return nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state (key, value, source, confidence, observed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value, source = excluded.source, confidence = excluded.confidence,
			observed_at = excluded.observed_at, updated_at = excluded.updated_at
	`, key, string(value), opts.Source, opts.Confidence, opts.ObservedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return errs.Unavailable(err)
	}

	changed := prior == nil || string(prior.Value) != string(value)
	if changed && !opts.SuppressChangeEvent {
		payload, _ := json.Marshal(map[string]any{"key": key, "value": json.RawMessage(value), "source": opts.Source})
		_ = s.appendEventLocked(ctx, Event{
			ID:            uuid.NewString(),
			Timestamp:     now,
			Type:          "STATE_CHANGED",
			Source:        opts.Source,
			CorrelationID: opts.CorrelationID,
			Severity:      SeverityInfo,
			Payload:       payload,
		})
	}
	return nil
}

// BatchSetState writes multiple items under one correlation id. Every
// key is validated before the first write, so an invalid key rejects
// the whole batch.
func (s *Store) BatchSetState(ctx context.Context, items []BatchItem, correlationID string) error {
	for _, item := range items {
		validate := ValidateIngestKey
		if item.Internal {
			validate = ValidateInternalKey
		}
		if ok, reason := validate(item.Key); !ok {
			return errs.InvalidKey(item.Key, reason)
		}
	}
	for _, item := range items {
		opts := SetStateOpts{
			Source:        item.Source,
			Confidence:    item.Confidence,
			ObservedAt:    item.ObservedAt,
			CorrelationID: correlationID,
			Internal:      item.Internal,
		}
		if err := s.SetState(ctx, item.Key, item.Value, opts); err != nil {
			return err
		}
	}
	return nil
}

// BatchItem is one entry of a POST /state batch ingest body.
type BatchItem struct {
	Key        string
	Value      json.RawMessage
	Source     string
	Confidence *float64
	ObservedAt time.Time
	// Internal marks a write from a runtime component (or the dev-ingest
	// flag) that bypasses the ingest allow-list.
	Internal bool
}

// AppendEvent appends an event, enforcing the unique stable id invariant.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (Event, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ev, s.appendEventLocked(ctx, ev)
}

func (s *Store) appendEventLocked(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if ev.Payload == nil {
		ev.Payload = json.RawMessage("{}")
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM events WHERE id = ?`, ev.ID); err != nil {
		return errs.Unavailable(err)
	}
	if exists > 0 {
		return errs.Duplicate(ev.ID)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, ts, event_type, source, session_id, correlation_id, incident_id, watch_mode, severity, payload, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Timestamp.Format(time.RFC3339Nano), ev.Type, ev.Source, ev.SessionID, ev.CorrelationID, ev.IncidentID, ev.WatchMode, string(ev.Severity), string(ev.Payload), string(ev.Tags))
	if err != nil {
		return errs.Unavailable(err)
	}
	seq, err := res.LastInsertId()
	if err == nil {
		ev.Seq = seq
	}
	s.broadcast(ev)
	return nil
}

// ReadEvents returns the most recent events matching filter (at most
// the limit), globally ordered by sequence with the most recent last.
func (s *Store) ReadEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT seq, id, ts, event_type, source, session_id, correlation_id, incident_id, watch_mode, severity, payload, tags
		FROM events WHERE seq > ?`
	args := []any{filter.SinceSeq}
	if filter.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, filter.CorrelationID)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)
	query = `SELECT * FROM (` + query + `) ORDER BY seq ASC`

	var rows []Event
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errs.Unavailable(err)
	}
	return rows, nil
}

// Subscribe returns a channel of newly appended events matching filter
// (only SinceSeq=0 filters by type/correlation id are honored going
// forward). This is the fan-out boundary used by the SSE handler and by
// internal watchers such as the ingest gate's gating-key watch.
func (s *Store) Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return filterChan(ch, filter), cancel
}

func filterChan(in <-chan Event, filter EventFilter) <-chan Event {
	if filter.EventType == "" && filter.CorrelationID == "" {
		return in
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for ev := range in {
			if filter.EventType != "" && ev.Type != filter.EventType {
				continue
			}
			if filter.CorrelationID != "" && ev.CorrelationID != filter.CorrelationID {
				continue
			}
			out <- ev
		}
	}()
	return out
}

func (s *Store) broadcast(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber drops the event rather than blocking the writer
		}
	}
}
