package store

import (
	"encoding/json"
	"time"
)

// Severity is the closed severity taxonomy for event records.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// ActionStatus is the closed status taxonomy for action records.
type ActionStatus string

const (
	ActionQueued    ActionStatus = "queued"
	ActionApproved  ActionStatus = "approved"
	ActionDenied    ActionStatus = "denied"
	ActionExecuting ActionStatus = "executing"
	ActionSuccess   ActionStatus = "success"
	ActionError     ActionStatus = "error"
	ActionTimeout   ActionStatus = "timeout"
)

// StateEntry is the latest-truth row for a state key.
type StateEntry struct {
	Key         string          `json:"state_key" db:"key"`
	Value       json.RawMessage `json:"state_value" db:"value"`
	Source      string          `json:"source" db:"source"`
	Confidence  *float64        `json:"confidence,omitempty" db:"confidence"`
	ObservedAt  time.Time       `json:"observed_at_utc" db:"observed_at"`
	UpdatedAt   time.Time       `json:"updated_at_utc" db:"updated_at"`
}

// Event is an append-only record in the event log.
type Event struct {
	ID            string          `json:"id" db:"id"`
	Seq           int64           `json:"seq" db:"seq"`
	Timestamp     time.Time       `json:"timestamp_utc" db:"ts"`
	Type          string          `json:"event_type" db:"event_type"`
	Source        string          `json:"source" db:"source"`
	SessionID     string          `json:"session_id,omitempty" db:"session_id"`
	CorrelationID string          `json:"correlation_id,omitempty" db:"correlation_id"`
	IncidentID    string          `json:"incident_id,omitempty" db:"incident_id"`
	WatchMode     string          `json:"watch_mode,omitempty" db:"watch_mode"`
	Severity      Severity        `json:"severity" db:"severity"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Tags          json.RawMessage `json:"tags,omitempty" db:"tags"`
}

// Intent is a stored operator/assist-router request envelope.
type Intent struct {
	RequestID   string          `json:"request_id" db:"request_id"`
	Mode        string          `json:"mode" db:"mode"`
	Domain      string          `json:"domain" db:"domain"`
	Urgency     string          `json:"urgency" db:"urgency"`
	UserText    string          `json:"user_text" db:"user_text"`
	NeedsTools  bool            `json:"needs_tools" db:"needs_tools"`
	Questions   json.RawMessage `json:"clarification_questions,omitempty" db:"questions"`
	References  json.RawMessage `json:"retrieval_references,omitempty" db:"references"`
	Actions     json.RawMessage `json:"proposed_actions" db:"actions"`
	Response    string          `json:"response_text,omitempty" db:"response"`
	CreatedAt   time.Time       `json:"created_at_utc" db:"created_at"`
}

// Action is one proposed action belonging to an Intent.
type Action struct {
	RequestID   string          `json:"request_id" db:"request_id"`
	ActionID    string          `json:"action_id" db:"action_id"`
	Seq         int             `json:"seq" db:"seq"`
	Tool        string          `json:"tool" db:"tool"`
	Parameters  json.RawMessage `json:"parameters" db:"parameters"`
	SafetyClass string          `json:"safety_class" db:"safety_class"`
	Status      ActionStatus    `json:"status" db:"status"`
	ReasonCode  string          `json:"reason_code,omitempty" db:"reason_code"`
	Output      json.RawMessage `json:"output,omitempty" db:"output"`
	ErrorMsg    string          `json:"error,omitempty" db:"error"`
	IncidentID  string          `json:"incident_id,omitempty" db:"incident_id"`
	CreatedAt   time.Time       `json:"created_at_utc" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at_utc" db:"updated_at"`
}

// Feedback rates an intent's outcome.
type Feedback struct {
	ID              int64     `json:"id" db:"id"`
	RequestID       string    `json:"request_id" db:"request_id"`
	Rating          int       `json:"rating" db:"rating"`
	CorrectionText  string    `json:"correction_text,omitempty" db:"correction_text"`
	CreatedAt       time.Time `json:"created_at_utc" db:"created_at"`
}

// CapabilityStatus is the closed status taxonomy for capability entries.
type CapabilityStatus string

const (
	CapabilityAvailable  CapabilityStatus = "available"
	CapabilityDegraded   CapabilityStatus = "degraded"
	CapabilityUnavailable CapabilityStatus = "unavailable"
)

// Capability describes one named capability's health.
type Capability struct {
	Name       string           `json:"name" db:"name"`
	Status     CapabilityStatus `json:"status" db:"status"`
	Detail     string           `json:"detail,omitempty" db:"detail"`
	UpdatedAt  time.Time        `json:"updated_at_utc" db:"updated_at"`
}

// BiasEntry is one STT bias lexicon row.
type BiasEntry struct {
	Phrase     string    `json:"phrase" db:"phrase"`
	Normalized string    `json:"normalized" db:"normalized"`
	Mode       string    `json:"mode,omitempty" db:"mode"`
	Weight     float64   `json:"weight" db:"weight"`
	Active     bool      `json:"active" db:"active"`
	UpdatedAt  time.Time `json:"updated_at_utc" db:"updated_at"`
}

// TwitchCursor is the per-category monotonic dedupe marker.
type TwitchCursor struct {
	Category string `json:"category" db:"category"`
	Marker   int64  `json:"marker" db:"marker"`
}

// EventFilter narrows ReadEvents / Subscribe results.
type EventFilter struct {
	SinceSeq      int64
	Limit         int
	CorrelationID string
	EventType     string
}
