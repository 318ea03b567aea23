package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

// Context is the execution context the decision procedure consults: the
// current watch condition, foreground process, STT confidence of the
// call, and whether a confirm token is attached.
type Context struct {
	WatchCondition  string
	ForegroundApp   string
	STTConfidence   *float64
	ConfirmToken    string
}

// Decision is the result of evaluating one tool call against the
// standing orders.
type Decision struct {
	Allowed      bool
	ReasonCode   errs.Code
	ConfirmToken string
	ConfirmByTS  time.Time
}

// Engine evaluates the decision procedure and owns the confirm token /
// rate-limit state the procedure's later steps need. The decision
// function itself performs no I/O: token minting and the per-tool
// rate-limit token buckets are in-memory bookkeeping on the Engine,
// nothing else is mutated.
type Engine struct {
	doc Document

	tokens        *tokenStore
	limiters      *limiterStore
	confirmWindow time.Duration
	strictConfirm bool
}

// NewEngine builds an Engine over a validated Document.
func NewEngine(doc Document, confirmWindow time.Duration) *Engine {
	if confirmWindow <= 0 {
		confirmWindow = 12 * time.Second
	}
	return &Engine{
		doc:           doc,
		tokens:        newTokenStore(),
		limiters:      newLimiterStore(),
		confirmWindow: confirmWindow,
	}
}

// SetDocument hot-swaps the active standing-orders document. Callers
// must have validated it with ParseDocument first.
func (e *Engine) SetDocument(doc Document) {
	e.doc = doc
}

// SetStrictConfirm forces the confirmation guard for every high_risk
// tool regardless of its guard record (the strict-confirm feature
// flag).
func (e *Engine) SetStrictConfirm(v bool) {
	e.strictConfirm = v
}

// Evaluate runs the seven-step decision procedure, first-hit
// wins.
func (e *Engine) Evaluate(tool string, ctx Context) Decision {
	rules, hasCondition := e.doc.Conditions[ctx.WatchCondition]
	guard, hasGuard := e.doc.Guards[tool]

	// Step 1: explicit deny.
	if hasCondition && matchesAny(rules.Deny, tool) {
		return Decision{Allowed: false, ReasonCode: errs.DenyExplicitlyDenied}
	}

	// Step 2: must be in the allow list.
	if !hasCondition || !matchesAny(rules.Allow, tool) {
		return Decision{Allowed: false, ReasonCode: errs.DenyNotAllowedInCondition}
	}

	if !hasGuard {
		// A tool with no guard record is read_only with no further checks.
		return Decision{Allowed: true}
	}

	// Step 3: foreground process match.
	if len(guard.ForegroundRequired) > 0 && !contains(guard.ForegroundRequired, ctx.ForegroundApp) {
		return Decision{Allowed: false, ReasonCode: errs.DenyForegroundMismatch}
	}

	// Step 4: STT confidence floor.
	if guard.MinSTTConfidence != nil {
		if ctx.STTConfidence == nil || *ctx.STTConfidence < *guard.MinSTTConfidence {
			return Decision{Allowed: false, ReasonCode: errs.DenyLowSTTConfidence}
		}
	}

	// Step 5: rate limit.
	if guard.RateLimitWindowSec > 0 && guard.RateLimitMaxCount > 0 {
		if !e.limiters.allow(tool, guard.RateLimitWindowSec, guard.RateLimitMaxCount) {
			return Decision{Allowed: false, ReasonCode: errs.DenyRateLimit}
		}
	}

	// Step 6: confirmation guard.
	if guard.RequiresConfirm || (e.strictConfirm && guard.SafetyClass == "high_risk") {
		if ctx.ConfirmToken == "" || !e.tokens.isSatisfied(ctx.ConfirmToken, tool) {
			token, deadline := e.tokens.mint(tool, e.confirmWindow)
			return Decision{
				Allowed:      false,
				ReasonCode:   errs.DenyNeedsConfirmation,
				ConfirmToken: token,
				ConfirmByTS:  deadline,
			}
		}
	}

	// Step 7: allow.
	return Decision{Allowed: true}
}

// ConsumeConfirmToken marks a token as used; tokens are single-use.
// Returns an error code if the token is unknown or expired.
func (e *Engine) ConsumeConfirmToken(token string) (tool string, ok bool, code errs.Code) {
	return e.tokens.consume(token)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// tokenStore mints/consumes single-use confirm tokens with a TTL.
type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]confirmEntry
}

type confirmEntry struct {
	tool     string
	deadline time.Time
	consumed bool
}

func newTokenStore() *tokenStore {
	return &tokenStore{tokens: make(map[string]confirmEntry)}
}

func (t *tokenStore) mint(tool string, window time.Duration) (string, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	token := uuid.NewString()
	deadline := time.Now().Add(window)
	t.tokens[token] = confirmEntry{tool: tool, deadline: deadline}
	return token, deadline
}

// isSatisfied reports whether the token is valid, unexpired, and minted
// for this tool. It does not retire the token: that happens only on a
// successful /confirm via consume. Presenting a token during the policy
// check must not burn it before the action actually executes.
func (t *tokenStore) isSatisfied(token, tool string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.tokens[token]
	if !ok || entry.consumed || entry.tool != tool {
		return false
	}
	if time.Now().After(entry.deadline) {
		return false
	}
	return true
}

func (t *tokenStore) consume(token string) (tool string, ok bool, code errs.Code) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, exists := t.tokens[token]
	if !exists {
		return "", false, errs.ConfirmTokenUnknown
	}
	if entry.consumed {
		return "", false, errs.ConfirmTokenUnknown
	}
	if time.Now().After(entry.deadline) {
		return "", false, errs.ConfirmExpired
	}
	entry.consumed = true
	t.tokens[token] = entry
	return entry.tool, true, ""
}

// limiterStore keeps one golang.org/x/time/rate limiter per tool,
// reconfigured lazily to match the guard's (window, max) pair. Grounded
// on infrastructure/middleware/ratelimit.go's per-key limiter map.
// Each limiter is a token bucket holding max tokens and refilling them
// evenly over the window; calls are not counted over a strict rolling
// window, so after a burst of max calls the next one passes once
// window/max seconds have elapsed.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*configuredLimiter
}

type configuredLimiter struct {
	limiter *rate.Limiter
	window  int
	max     int
}

func newLimiterStore() *limiterStore {
	return &limiterStore{limiters: make(map[string]*configuredLimiter)}
}

func (l *limiterStore) allow(tool string, windowSec, max int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.limiters[tool]
	if !ok || cl.window != windowSec || cl.max != max {
		perSec := rate.Limit(float64(max) / float64(windowSec))
		cl = &configuredLimiter{
			limiter: rate.NewLimiter(perSec, max),
			window:  windowSec,
			max:     max,
		}
		l.limiters[tool] = cl
	}
	return cl.limiter.Allow()
}
