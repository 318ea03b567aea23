package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

// PutIntent inserts an intent idempotently: a second call with the same
// request id is a no-op returning the original record unchanged.
func (s *Store) PutIntent(ctx context.Context, in Intent) (Intent, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.getIntentLocked(ctx, in.RequestID)
	if err != nil {
		return Intent{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.Actions == nil {
		in.Actions = json.RawMessage("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intents (request_id, mode, domain, urgency, user_text, needs_tools, questions, references_, actions, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.RequestID, in.Mode, in.Domain, in.Urgency, in.UserText, in.NeedsTools, string(in.Questions), string(in.References), string(in.Actions), in.Response, in.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Intent{}, errs.Unavailable(err)
	}
	return in, nil
}

func (s *Store) getIntentLocked(ctx context.Context, requestID string) (*Intent, error) {
	var in Intent
	err := s.db.GetContext(ctx, &in, `SELECT request_id, mode, domain, urgency, user_text, needs_tools, questions, references_ as "references", actions, response, created_at FROM intents WHERE request_id = ?`, requestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return &in, nil
}

// GetIntent returns an intent by request id, or nil if absent.
func (s *Store) GetIntent(ctx context.Context, requestID string) (*Intent, error) {
	return s.getIntentLocked(ctx, requestID)
}

// PutAction inserts a new queued action row for an existing intent.
// Fails with a foreign-key error if the intent does not exist.
func (s *Store) PutAction(ctx context.Context, a Action) (Action, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Parameters == nil {
		a.Parameters = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (request_id, action_id, seq, tool, parameters, safety_class, status, reason_code, output, error, incident_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RequestID, a.ActionID, a.Seq, a.Tool, string(a.Parameters), a.SafetyClass, string(a.Status), a.ReasonCode, string(a.Output), a.ErrorMsg, a.IncidentID, a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Action{}, errs.Unavailable(err)
	}
	return a, nil
}

// UpdateActionStatus transitions an action's state/output/error/reason
// atomically with a fresh updated_at.
func (s *Store) UpdateActionStatus(ctx context.Context, requestID, actionID string, status ActionStatus, reasonCode string, output json.RawMessage, errMsg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ?, reason_code = ?, output = ?, error = ?, updated_at = ?
		WHERE request_id = ? AND action_id = ?
	`, string(status), reasonCode, string(output), errMsg, time.Now().UTC().Format(time.RFC3339Nano), requestID, actionID)
	if err != nil {
		return errs.Unavailable(err)
	}
	return nil
}

// GetAction returns one action row.
func (s *Store) GetAction(ctx context.Context, requestID, actionID string) (*Action, error) {
	var a Action
	err := s.db.GetContext(ctx, &a, `SELECT request_id, action_id, seq, tool, parameters, safety_class, status, reason_code, output, error, incident_id, created_at, updated_at
		FROM actions WHERE request_id = ? AND action_id = ?`, requestID, actionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return &a, nil
}

// ListActions returns all actions for an intent in declared order.
func (s *Store) ListActions(ctx context.Context, requestID string) ([]Action, error) {
	var rows []Action
	err := s.db.SelectContext(ctx, &rows, `SELECT request_id, action_id, seq, tool, parameters, safety_class, status, reason_code, output, error, incident_id, created_at, updated_at
		FROM actions WHERE request_id = ? ORDER BY seq ASC`, requestID)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return rows, nil
}

// PutFeedback appends a feedback row.
func (s *Store) PutFeedback(ctx context.Context, f Feedback) (Feedback, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (request_id, rating, correction_text, created_at) VALUES (?, ?, ?, ?)
	`, f.RequestID, f.Rating, f.CorrectionText, f.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Feedback{}, errs.Unavailable(err)
	}
	id, _ := res.LastInsertId()
	f.ID = id
	return f, nil
}
