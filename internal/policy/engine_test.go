package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

func testDoc() Document {
	conf := 0.6
	return Document{
		Conditions: map[string]ConditionRules{
			"combat": {
				Allow: []string{"overlay.*", "lighting.scene"},
				Deny:  []string{"overlay.spoiler"},
			},
			"chill": {
				Allow: []string{"overlay.*", "lighting.scene", "media.next"},
			},
		},
		Guards: map[string]Guard{
			"overlay.spoiler": {SafetyClass: "high_risk"},
			"lighting.scene":  {SafetyClass: "low_risk", RequiresConfirm: true},
			"media.next":      {SafetyClass: "low_risk", RateLimitWindowSec: 60, RateLimitMaxCount: 1},
			"overlay.hype":    {SafetyClass: "low_risk", ForegroundRequired: []string{"game.exe"}},
			"overlay.note":    {SafetyClass: "low_risk", MinSTTConfidence: &conf},
		},
	}
}

func TestEvaluateDenyExplicit(t *testing.T) {
	e := NewEngine(testDoc(), time.Second)
	d := e.Evaluate("overlay.spoiler", Context{WatchCondition: "combat"})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyExplicitlyDenied, d.ReasonCode)
}

func TestEvaluateDenyNotInCondition(t *testing.T) {
	e := NewEngine(testDoc(), time.Second)
	d := e.Evaluate("media.next", Context{WatchCondition: "combat"})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyNotAllowedInCondition, d.ReasonCode)
}

func TestEvaluateUnknownConditionDenied(t *testing.T) {
	e := NewEngine(testDoc(), time.Second)
	d := e.Evaluate("overlay.hype", Context{WatchCondition: "unknown"})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyNotAllowedInCondition, d.ReasonCode)
}

func TestEvaluateForegroundMismatch(t *testing.T) {
	doc := testDoc()
	doc.Conditions["combat"] = ConditionRules{Allow: []string{"overlay.hype"}}
	e := NewEngine(doc, time.Second)
	d := e.Evaluate("overlay.hype", Context{WatchCondition: "combat", ForegroundApp: "browser.exe"})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyForegroundMismatch, d.ReasonCode)

	d = e.Evaluate("overlay.hype", Context{WatchCondition: "combat", ForegroundApp: "game.exe"})
	require.True(t, d.Allowed)
}

func TestEvaluateLowSTTConfidence(t *testing.T) {
	doc := testDoc()
	doc.Conditions["combat"] = ConditionRules{Allow: []string{"overlay.note"}}
	e := NewEngine(doc, time.Second)

	d := e.Evaluate("overlay.note", Context{WatchCondition: "combat"})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyLowSTTConfidence, d.ReasonCode)

	low := 0.1
	d = e.Evaluate("overlay.note", Context{WatchCondition: "combat", STTConfidence: &low})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyLowSTTConfidence, d.ReasonCode)

	high := 0.9
	d = e.Evaluate("overlay.note", Context{WatchCondition: "combat", STTConfidence: &high})
	require.True(t, d.Allowed)
}

func TestEvaluateRateLimit(t *testing.T) {
	e := NewEngine(testDoc(), time.Second)
	d := e.Evaluate("media.next", Context{WatchCondition: "chill"})
	require.True(t, d.Allowed)

	d = e.Evaluate("media.next", Context{WatchCondition: "chill"})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyRateLimit, d.ReasonCode)
}

func TestEvaluateConfirmationFlow(t *testing.T) {
	e := NewEngine(testDoc(), time.Minute)
	d := e.Evaluate("lighting.scene", Context{WatchCondition: "combat"})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyNeedsConfirmation, d.ReasonCode)
	require.NotEmpty(t, d.ConfirmToken)

	d2 := e.Evaluate("lighting.scene", Context{WatchCondition: "combat", ConfirmToken: d.ConfirmToken})
	require.True(t, d2.Allowed)

	tool, ok, code := e.ConsumeConfirmToken(d.ConfirmToken)
	require.True(t, ok)
	require.Empty(t, code)
	require.Equal(t, "lighting.scene", tool)

	_, ok, code = e.ConsumeConfirmToken(d.ConfirmToken)
	require.False(t, ok)
	require.Equal(t, errs.ConfirmTokenUnknown, code)
}

func TestStrictConfirmForcesHighRiskGuard(t *testing.T) {
	doc := testDoc()
	doc.Conditions["combat"] = ConditionRules{Allow: []string{"overlay.spoiler"}}
	e := NewEngine(doc, time.Minute)

	d := e.Evaluate("overlay.spoiler", Context{WatchCondition: "combat"})
	require.True(t, d.Allowed, "without strict-confirm the guard has no confirmation requirement")

	e.SetStrictConfirm(true)
	d = e.Evaluate("overlay.spoiler", Context{WatchCondition: "combat"})
	require.False(t, d.Allowed)
	require.Equal(t, errs.DenyNeedsConfirmation, d.ReasonCode)
	require.NotEmpty(t, d.ConfirmToken)

	d2 := e.Evaluate("overlay.spoiler", Context{WatchCondition: "combat", ConfirmToken: d.ConfirmToken})
	require.True(t, d2.Allowed)

	// low_risk tools without a confirmation guard stay unaffected
	d = e.Evaluate("media.next", Context{WatchCondition: "chill"})
	require.True(t, d.Allowed)
}

func TestConsumeConfirmTokenExpired(t *testing.T) {
	e := NewEngine(testDoc(), time.Millisecond)
	d := e.Evaluate("lighting.scene", Context{WatchCondition: "combat"})
	require.Equal(t, errs.DenyNeedsConfirmation, d.ReasonCode)

	time.Sleep(5 * time.Millisecond)
	_, ok, code := e.ConsumeConfirmToken(d.ConfirmToken)
	require.False(t, ok)
	require.Equal(t, errs.ConfirmExpired, code)
}

func TestConsumeConfirmTokenUnknown(t *testing.T) {
	e := NewEngine(testDoc(), time.Second)
	_, ok, code := e.ConsumeConfirmToken("not-a-real-token")
	require.False(t, ok)
	require.Equal(t, errs.ConfirmTokenUnknown, code)
}

func TestParseDocumentRejectsUnknownField(t *testing.T) {
	raw := []byte(`{"conditions":{},"guards":{},"extra":true}`)
	_, err := ParseDocument(raw)
	require.Error(t, err)
}

func TestParseDocumentValid(t *testing.T) {
	raw := []byte(`{
		"conditions": {"chill": {"allow": ["media.*"], "deny": []}},
		"guards": {"media.next": {"safety_class": "low_risk"}}
	}`)
	doc, err := ParseDocument(raw)
	require.NoError(t, err)
	require.Contains(t, doc.Conditions, "chill")
}

func TestMatchPatternWildcard(t *testing.T) {
	require.True(t, matchPattern("overlay.*", "overlay.hype"))
	require.False(t, matchPattern("overlay.*", "overlayx"))
	require.True(t, matchPattern("media.next", "media.next"))
	require.False(t, matchPattern("media.next", "media.prev"))
}
