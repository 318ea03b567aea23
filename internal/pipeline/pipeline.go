// Package pipeline implements the execution pipeline:
// intent intake, policy gating, incident-scoped confirmation workflow,
// actuator dispatch, and outcome journaling. The pipeline never talks
// to the supervisor or the ingest gate directly — every component only
// talks to the store.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/actuators"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/logging"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/policy"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/toolrouter"
)

// Store is the subset of *store.Store the pipeline depends on.
type Store interface {
	GetState(ctx context.Context, key string) (*store.StateEntry, error)
	PutIntent(ctx context.Context, in store.Intent) (store.Intent, error)
	GetIntent(ctx context.Context, requestID string) (*store.Intent, error)
	PutAction(ctx context.Context, a store.Action) (store.Action, error)
	UpdateActionStatus(ctx context.Context, requestID, actionID string, status store.ActionStatus, reasonCode string, output json.RawMessage, errMsg string) error
	GetAction(ctx context.Context, requestID, actionID string) (*store.Action, error)
	ListActions(ctx context.Context, requestID string) ([]store.Action, error)
	PutFeedback(ctx context.Context, f store.Feedback) (store.Feedback, error)
	AppendEvent(ctx context.Context, ev store.Event) (store.Event, error)
}

// Pipeline is the C5 execution pipeline.
type Pipeline struct {
	store     Store
	engine    *policy.Engine
	router    *toolrouter.Router
	actuators map[string]actuators.Actuator
	log       *logging.Logger

	incMu     sync.Mutex
	incidents map[string]*incidentLock
}

// incidentLock queues execute/confirm calls sharing an incident id: each
// caller runs to completion in turn, none are coalesced. refs keeps the
// map from growing without bound across incidents.
type incidentLock struct {
	mu   sync.Mutex
	refs int
}

// lockIncident blocks until the caller holds the incident's lock and
// returns the matching unlock.
func (p *Pipeline) lockIncident(id string) func() {
	p.incMu.Lock()
	l, ok := p.incidents[id]
	if !ok {
		l = &incidentLock{}
		p.incidents[id] = l
	}
	l.refs++
	p.incMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.incMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.incidents, id)
		}
		p.incMu.Unlock()
	}
}

// New builds a Pipeline. adapterByName maps the toolrouter.Binding's
// Actuator field ("webhook", "mediakey", "keypress", "parser", ...) to
// the concrete Actuator instance handling it.
func New(st Store, engine *policy.Engine, router *toolrouter.Router, adapterByName map[string]actuators.Actuator, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.NewDefault("pipeline")
	}
	return &Pipeline{store: st, engine: engine, router: router, actuators: adapterByName, log: log, incidents: make(map[string]*incidentLock)}
}

// ActionRequest is one proposed action inside an intent.
type ActionRequest struct {
	ActionID   string          `json:"action_id"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
}

// IntentRequest is the POST /intent body.
type IntentRequest struct {
	RequestID  string          `json:"request_id"`
	Mode       string          `json:"mode"`
	Domain     string          `json:"domain"`
	Urgency    string          `json:"urgency"`
	UserText   string          `json:"user_text"`
	NeedsTools bool            `json:"needs_tools"`
	Questions  json.RawMessage `json:"questions,omitempty"`
	References json.RawMessage `json:"references,omitempty"`
	Actions    []ActionRequest `json:"actions,omitempty"`
	Response   string          `json:"response,omitempty"`
}

// Intent records a proposed intent idempotently keyed by request id.
func (p *Pipeline) Intent(ctx context.Context, req IntentRequest) (store.Intent, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	// Idempotent by request id: a replayed intent returns the original
	// record and queues no duplicate actions.
	if existing, err := p.store.GetIntent(ctx, req.RequestID); err != nil {
		return store.Intent{}, err
	} else if existing != nil {
		return *existing, nil
	}
	actionsJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return store.Intent{}, errs.Wrap(errs.SchemaViolation, "invalid actions", 400, err)
	}
	in := store.Intent{
		RequestID:  req.RequestID,
		Mode:       req.Mode,
		Domain:     req.Domain,
		Urgency:    req.Urgency,
		UserText:   req.UserText,
		NeedsTools: req.NeedsTools,
		Questions:  req.Questions,
		References: req.References,
		Actions:    actionsJSON,
		Response:   req.Response,
	}
	saved, err := p.store.PutIntent(ctx, in)
	if err != nil {
		return store.Intent{}, err
	}

	for i, a := range req.Actions {
		if a.ActionID == "" {
			a.ActionID = uuid.NewString()
		}
		params := a.Parameters
		if params == nil {
			params = json.RawMessage("{}")
		}
		safetyClass := "read_only"
		if b, err := p.router.Lookup(toolrouter.NormalizeTool(a.Tool)); err == nil {
			safetyClass = b.SafetyClass
		}
		_, err := p.store.PutAction(ctx, store.Action{
			RequestID:   saved.RequestID,
			ActionID:    a.ActionID,
			Seq:         i, // declared order drives execution order
			Tool:        toolrouter.NormalizeTool(a.Tool),
			Parameters:  params,
			SafetyClass: safetyClass,
			Status:      store.ActionQueued,
		})
		if err != nil {
			return store.Intent{}, err
		}
	}
	return saved, nil
}

// ExecuteRequest is the POST /execute body.
type ExecuteRequest struct {
	RequestID      string   `json:"request_id"`
	IncidentID     string   `json:"incident_id"`
	WatchCondition string   `json:"watch_condition"`
	STTConfidence  *float64 `json:"stt_confidence"`
	DryRun         bool     `json:"dry_run"`
	AllowHighRisk  bool     `json:"allow_high_risk"`
	UserConfirmed  bool     `json:"user_confirmed"`
	ConfirmedAtUTC string   `json:"confirmed_at_utc"`
}

// ActionResult is one action's outcome within an /execute response.
type ActionResult struct {
	ActionID     string          `json:"action_id"`
	Tool         string          `json:"tool"`
	Status       store.ActionStatus `json:"status"`
	ReasonCode   string          `json:"reason_code,omitempty"`
	ConfirmToken string          `json:"confirm_token,omitempty"`
	ConfirmByTS  *time.Time      `json:"confirm_by_ts,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	Noop         bool            `json:"noop,omitempty"`
}

// ExecuteResult is the POST /execute response.
type ExecuteResult struct {
	RequestID  string         `json:"request_id"`
	IncidentID string         `json:"incident_id"`
	Actions    []ActionResult `json:"actions"`
}

// Execute runs the policy -> dispatch -> log sequence for every queued
// action of an intent, in declared order, serialized per incident id.
func (p *Pipeline) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if req.IncidentID == "" {
		return ExecuteResult{}, errs.MissingIncidentID()
	}
	unlock := p.lockIncident(req.IncidentID)
	defer unlock()
	return p.execute(ctx, req)
}

func (p *Pipeline) execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	intent, err := p.store.GetIntent(ctx, req.RequestID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if intent == nil {
		return ExecuteResult{}, errs.New(errs.InvalidStateKey, "unknown request_id", 404).WithDetail("request_id", req.RequestID)
	}
	actionRows, err := p.store.ListActions(ctx, req.RequestID)
	if err != nil {
		return ExecuteResult{}, err
	}

	result := ExecuteResult{RequestID: req.RequestID, IncidentID: req.IncidentID}
	for _, a := range actionRows {
		res := p.executeOne(ctx, req, a)
		result.Actions = append(result.Actions, res)
	}
	return result, nil
}

// executeOne drives one action through the declared state machine:
// queued -> approved -> executing -> {success|error|timeout}, or
// queued -> denied.
func (p *Pipeline) executeOne(ctx context.Context, req ExecuteRequest, a store.Action) ActionResult {
	// Re-execute of an already-success action is a no-op.
	if a.Status == store.ActionSuccess {
		return ActionResult{ActionID: a.ActionID, Tool: a.Tool, Status: a.Status, ReasonCode: a.ReasonCode, Output: a.Output, Noop: true}
	}

	pctx := policy.Context{WatchCondition: req.WatchCondition, STTConfidence: req.STTConfidence}
	if fg, err := p.store.GetState(ctx, "app.foreground"); err == nil && fg != nil {
		var s string
		if json.Unmarshal(fg.Value, &s) == nil {
			pctx.ForegroundApp = s
		}
	}

	decision := p.engine.Evaluate(a.Tool, pctx)

	p.emitPolicyDecision(ctx, req.IncidentID, a, decision)

	if !decision.Allowed {
		_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, store.ActionDenied, string(decision.ReasonCode), nil, "")
		res := ActionResult{ActionID: a.ActionID, Tool: a.Tool, Status: store.ActionDenied, ReasonCode: string(decision.ReasonCode)}
		if decision.ReasonCode == errs.DenyNeedsConfirmation {
			res.ConfirmToken = decision.ConfirmToken
			cb := decision.ConfirmByTS
			res.ConfirmByTS = &cb
		}
		p.emitActionDenied(ctx, req.IncidentID, a, decision.ReasonCode)
		return res
	}

	_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, store.ActionApproved, "", nil, "")

	if req.DryRun {
		_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, store.ActionSuccess, "dry_run", nil, "")
		p.emitActionExecuted(ctx, req.IncidentID, a, store.ActionSuccess, nil)
		return ActionResult{ActionID: a.ActionID, Tool: a.Tool, Status: store.ActionSuccess, ReasonCode: "dry_run"}
	}

	return p.dispatch(ctx, req, a)
}

func (p *Pipeline) dispatch(ctx context.Context, req ExecuteRequest, a store.Action) ActionResult {
	_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, store.ActionExecuting, "", nil, "")

	binding, err := p.router.Gate(ctx, a.Tool)
	if err != nil {
		e := errs.As(err)
		code := ""
		if e != nil {
			code = string(e.Code)
		}
		_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, store.ActionDenied, code, nil, err.Error())
		p.emitActionDenied(ctx, req.IncidentID, a, errs.Code(code))
		return ActionResult{ActionID: a.ActionID, Tool: a.Tool, Status: store.ActionDenied, ReasonCode: code, Error: err.Error()}
	}

	if binding.Actuator == "" {
		_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, store.ActionSuccess, "", nil, "")
		p.emitActionExecuted(ctx, req.IncidentID, a, store.ActionSuccess, nil)
		return ActionResult{ActionID: a.ActionID, Tool: a.Tool, Status: store.ActionSuccess}
	}

	adapter, ok := p.actuators[binding.Actuator]
	if !ok {
		_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, store.ActionError, string(errs.ToolNotImplemented), nil, "no adapter registered")
		p.emitActionExecuted(ctx, req.IncidentID, a, store.ActionError, errs.New(errs.ToolNotImplemented, "no adapter registered", 404))
		return ActionResult{ActionID: a.ActionID, Tool: a.Tool, Status: store.ActionError, ReasonCode: string(errs.ToolNotImplemented)}
	}

	outcome := adapter.Invoke(ctx, a.Tool, a.Parameters)

	if outcome.Err != nil {
		status := store.ActionError
		if outcome.Err.Code == errs.AdapterTimeout {
			status = store.ActionTimeout
		}
		_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, status, string(outcome.Err.Code), nil, outcome.Err.Error())
		p.emitActionExecuted(ctx, req.IncidentID, a, status, outcome.Err)
		return ActionResult{ActionID: a.ActionID, Tool: a.Tool, Status: status, ReasonCode: string(outcome.Err.Code), Error: outcome.Err.Error()}
	}

	_ = p.store.UpdateActionStatus(ctx, req.RequestID, a.ActionID, store.ActionSuccess, "", outcome.Output, "")
	p.emitActionExecuted(ctx, req.IncidentID, a, store.ActionSuccess, nil)
	return ActionResult{ActionID: a.ActionID, Tool: a.Tool, Status: store.ActionSuccess, Output: outcome.Output}
}

// ConfirmRequest is the POST /confirm body.
type ConfirmRequest struct {
	RequestID    string `json:"request_id"`
	ActionID     string `json:"action_id"`
	IncidentID   string `json:"incident_id"`
	ConfirmToken string `json:"confirm_token"`
}

// Confirm consumes a confirm token and, on success, dispatches the
// original action. The policy engine is not consulted again: no guard
// is re-checked and no POLICY_DECISION event is emitted for the
// confirmed call.
func (p *Pipeline) Confirm(ctx context.Context, req ConfirmRequest) (ActionResult, error) {
	if req.IncidentID == "" {
		return ActionResult{}, errs.MissingIncidentID()
	}
	tool, ok, code := p.engine.ConsumeConfirmToken(req.ConfirmToken)
	if !ok {
		return ActionResult{}, errs.New(code, "confirm token rejected", 409).WithDetail("tool", tool)
	}

	a, err := p.store.GetAction(ctx, req.RequestID, req.ActionID)
	if err != nil {
		return ActionResult{}, err
	}
	if a == nil {
		return ActionResult{}, errs.New(errs.InvalidStateKey, "unknown action", 404)
	}
	if a.Tool != tool {
		return ActionResult{}, errs.New(errs.ConfirmTokenUnknown, "token does not match this action's tool", 409)
	}

	unlock := p.lockIncident(req.IncidentID)
	defer unlock()

	execReq := ExecuteRequest{RequestID: req.RequestID, IncidentID: req.IncidentID}
	res := p.dispatch(ctx, execReq, *a)
	return res, nil
}

// FeedbackRequest is the POST /feedback body.
type FeedbackRequest struct {
	RequestID      string `json:"request_id"`
	Rating         int    `json:"rating"`
	CorrectionText string `json:"correction_text,omitempty"`
}

// Feedback appends a feedback record for audit.
func (p *Pipeline) Feedback(ctx context.Context, req FeedbackRequest) (store.Feedback, error) {
	return p.store.PutFeedback(ctx, store.Feedback{RequestID: req.RequestID, Rating: req.Rating, CorrectionText: req.CorrectionText})
}

func (p *Pipeline) emitPolicyDecision(ctx context.Context, incidentID string, a store.Action, d policy.Decision) {
	payload, _ := json.Marshal(map[string]any{
		"action_id":   a.ActionID,
		"tool":        a.Tool,
		"allowed":     d.Allowed,
		"reason_code": d.ReasonCode,
	})
	_, err := p.store.AppendEvent(ctx, store.Event{
		Type:          "POLICY_DECISION",
		Source:        "pipeline",
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Severity:      store.SeverityInfo,
		Payload:       payload,
	})
	if err != nil {
		p.log.Entry(ctx).WithError(err).Warn("failed to emit POLICY_DECISION event")
	}
}

func (p *Pipeline) emitActionDenied(ctx context.Context, incidentID string, a store.Action, reason errs.Code) {
	payload, _ := json.Marshal(map[string]any{"action_id": a.ActionID, "tool": a.Tool, "reason_code": reason})
	_, err := p.store.AppendEvent(ctx, store.Event{
		Type:          "ACTION_DENIED",
		Source:        "pipeline",
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Severity:      store.SeverityWarn,
		Payload:       payload,
	})
	if err != nil {
		p.log.Entry(ctx).WithError(err).Warn("failed to emit ACTION_DENIED event")
	}
}

func (p *Pipeline) emitActionExecuted(ctx context.Context, incidentID string, a store.Action, status store.ActionStatus, outErr *errs.Error) {
	fields := map[string]any{"action_id": a.ActionID, "tool": a.Tool, "status": status}
	sev := store.SeverityInfo
	if outErr != nil {
		fields["error"] = outErr.Error()
		fields["reason_code"] = outErr.Code
		sev = store.SeverityError
	}
	payload, _ := json.Marshal(fields)
	_, err := p.store.AppendEvent(ctx, store.Event{
		Type:          "ACTION_EXECUTED",
		Source:        "pipeline",
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Severity:      sev,
		Payload:       payload,
	})
	if err != nil {
		p.log.Entry(ctx).WithError(err).Warn("failed to emit ACTION_EXECUTED event")
	}
}
