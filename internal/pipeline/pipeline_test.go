package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/actuators"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/policy"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/toolrouter"
)

func newTestPipeline(t *testing.T, doc policy.Document, adapters map[string]actuators.Actuator) (*Pipeline, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine := policy.NewEngine(doc, 12*time.Second)
	router := toolrouter.New(toolrouter.DefaultBindings(), true, true)
	p := New(st, engine, router, adapters, nil)
	return p, st
}

func TestIntentThenExecuteDenyExplicit(t *testing.T) {
	doc := policy.Document{
		Conditions: map[string]policy.ConditionRules{
			"standby": {Deny: []string{"twitch.*"}},
		},
	}
	p, _ := newTestPipeline(t, doc, nil)
	ctx := context.Background()

	_, err := p.Intent(ctx, IntentRequest{
		RequestID: "req-1",
		Actions:   []ActionRequest{{ActionID: "a1", Tool: "twitch.send_chat"}},
	})
	require.NoError(t, err)

	res, err := p.Execute(ctx, ExecuteRequest{RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "standby"})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	require.Equal(t, store.ActionDenied, res.Actions[0].Status)
	require.Equal(t, "DENY_EXPLICITLY_DENIED", res.Actions[0].ReasonCode)
}

func TestExecuteRequiresIncidentID(t *testing.T) {
	p, _ := newTestPipeline(t, policy.Document{}, nil)
	_, err := p.Execute(context.Background(), ExecuteRequest{RequestID: "req-x"})
	require.Error(t, err)
}

func TestExecuteNeedsConfirmationThenConfirm(t *testing.T) {
	doc := policy.Document{
		Conditions: map[string]policy.ConditionRules{
			"standby": {Allow: []string{"input.keypress"}},
		},
		Guards: map[string]policy.Guard{
			"input.keypress": {SafetyClass: "high_risk", RequiresConfirm: true},
		},
	}
	fakeKeypress := &fakeActuator{}
	p, _ := newTestPipeline(t, doc, map[string]actuators.Actuator{"keypress": fakeKeypress})
	ctx := context.Background()

	_, err := p.Intent(ctx, IntentRequest{
		RequestID: "req-2",
		Actions:   []ActionRequest{{ActionID: "a1", Tool: "input.keypress", Parameters: json.RawMessage(`{"key":"f5"}`)}},
	})
	require.NoError(t, err)

	res, err := p.Execute(ctx, ExecuteRequest{RequestID: "req-2", IncidentID: "inc-2", WatchCondition: "standby"})
	require.NoError(t, err)
	require.Equal(t, store.ActionDenied, res.Actions[0].Status)
	require.NotEmpty(t, res.Actions[0].ConfirmToken)

	confirmRes, err := p.Confirm(ctx, ConfirmRequest{
		RequestID:    "req-2",
		ActionID:     "a1",
		IncidentID:   "inc-2",
		ConfirmToken: res.Actions[0].ConfirmToken,
	})
	require.NoError(t, err)
	require.Equal(t, store.ActionSuccess, confirmRes.Status)
	require.True(t, fakeKeypress.called)
}

func TestExecuteDryRunSkipsDispatch(t *testing.T) {
	doc := policy.Document{
		Conditions: map[string]policy.ConditionRules{"chill": {Allow: []string{"media.next"}}},
		Guards:     map[string]policy.Guard{"media.next": {SafetyClass: "low_risk"}},
	}
	fake := &fakeActuator{}
	p, _ := newTestPipeline(t, doc, map[string]actuators.Actuator{"mediakey": fake})
	ctx := context.Background()

	_, err := p.Intent(ctx, IntentRequest{RequestID: "req-3", Actions: []ActionRequest{{ActionID: "a1", Tool: "media.next"}}})
	require.NoError(t, err)

	res, err := p.Execute(ctx, ExecuteRequest{RequestID: "req-3", IncidentID: "inc-3", WatchCondition: "chill", DryRun: true})
	require.NoError(t, err)
	require.Equal(t, store.ActionSuccess, res.Actions[0].Status)
	require.False(t, fake.called, "dry run must not dispatch the actuator")
}

func TestReExecuteSuccessIsNoOp(t *testing.T) {
	doc := policy.Document{
		Conditions: map[string]policy.ConditionRules{"chill": {Allow: []string{"media.next"}}},
		Guards:     map[string]policy.Guard{"media.next": {SafetyClass: "low_risk"}},
	}
	fake := &fakeActuator{}
	p, _ := newTestPipeline(t, doc, map[string]actuators.Actuator{"mediakey": fake})
	ctx := context.Background()

	_, err := p.Intent(ctx, IntentRequest{RequestID: "req-4", Actions: []ActionRequest{{ActionID: "a1", Tool: "media.next"}}})
	require.NoError(t, err)

	_, err = p.Execute(ctx, ExecuteRequest{RequestID: "req-4", IncidentID: "inc-4a", WatchCondition: "chill"})
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls)

	_, err = p.Execute(ctx, ExecuteRequest{RequestID: "req-4", IncidentID: "inc-4b", WatchCondition: "chill"})
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls, "re-executing an already success action must not dispatch again")
}

func TestIntentReplayQueuesNoDuplicateActions(t *testing.T) {
	p, st := newTestPipeline(t, policy.Document{}, nil)
	ctx := context.Background()

	req := IntentRequest{
		RequestID: "req-5",
		UserText:  "original",
		Actions:   []ActionRequest{{ActionID: "a1", Tool: "media.next"}},
	}
	first, err := p.Intent(ctx, req)
	require.NoError(t, err)

	replay := req
	replay.UserText = "changed"
	second, err := p.Intent(ctx, replay)
	require.NoError(t, err)
	require.Equal(t, first.UserText, second.UserText)

	actions, err := st.ListActions(ctx, "req-5")
	require.NoError(t, err)
	require.Len(t, actions, 1)
}

func TestExecuteRunsActionsInDeclaredOrder(t *testing.T) {
	doc := policy.Document{
		Conditions: map[string]policy.ConditionRules{"chill": {Allow: []string{"media.*"}}},
	}
	order := &orderRecorder{}
	p, _ := newTestPipeline(t, doc, map[string]actuators.Actuator{"mediakey": order})
	ctx := context.Background()

	_, err := p.Intent(ctx, IntentRequest{RequestID: "req-6", Actions: []ActionRequest{
		{ActionID: "first", Tool: "media.pause"},
		{ActionID: "second", Tool: "media.next"},
		{ActionID: "third", Tool: "media.resume"},
	}})
	require.NoError(t, err)

	res, err := p.Execute(ctx, ExecuteRequest{RequestID: "req-6", IncidentID: "inc-6", WatchCondition: "chill"})
	require.NoError(t, err)
	require.Len(t, res.Actions, 3)
	require.Equal(t, []string{"media.pause", "media.next", "media.resume"}, order.tools)
}

func TestConcurrentExecutesOnOneIncidentEachRun(t *testing.T) {
	doc := policy.Document{
		Conditions: map[string]policy.ConditionRules{"chill": {Allow: []string{"media.*"}}},
	}
	fake := &fakeActuator{}
	p, st := newTestPipeline(t, doc, map[string]actuators.Actuator{"mediakey": fake})
	ctx := context.Background()

	const n = 4
	for i := 0; i < n; i++ {
		_, err := p.Intent(ctx, IntentRequest{
			RequestID: fmt.Sprintf("req-c%d", i),
			Actions:   []ActionRequest{{ActionID: "a1", Tool: "media.next"}},
		})
		require.NoError(t, err)
	}

	// concurrent execute calls sharing one incident id must each run
	// their own actions to completion, not receive a shared result
	var wg sync.WaitGroup
	results := make([]ExecuteResult, n)
	execErrs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], execErrs[i] = p.Execute(ctx, ExecuteRequest{
				RequestID:      fmt.Sprintf("req-c%d", i),
				IncidentID:     "inc-shared",
				WatchCondition: "chill",
			})
		}(i)
	}
	wg.Wait()

	for _, err := range execErrs {
		require.NoError(t, err)
	}
	require.Equal(t, n, fake.calls)
	for i, res := range results {
		require.Equal(t, fmt.Sprintf("req-c%d", i), res.RequestID)
		require.Len(t, res.Actions, 1)
		require.Equal(t, store.ActionSuccess, res.Actions[0].Status)
	}

	events, err := st.ReadEvents(ctx, store.EventFilter{CorrelationID: "inc-shared", EventType: "ACTION_EXECUTED"})
	require.NoError(t, err)
	require.Len(t, events, n)
}

type orderRecorder struct {
	tools []string
}

func (o *orderRecorder) Name() string { return "order" }

func (o *orderRecorder) Invoke(ctx context.Context, tool string, params json.RawMessage) actuators.Outcome {
	o.tools = append(o.tools, tool)
	return actuators.Outcome{Output: json.RawMessage(`{"ok":true}`)}
}

type fakeActuator struct {
	called bool
	calls  int
}

func (f *fakeActuator) Name() string { return "fake" }

func (f *fakeActuator) Invoke(ctx context.Context, tool string, params json.RawMessage) actuators.Outcome {
	f.called = true
	f.calls++
	return actuators.Outcome{Output: json.RawMessage(`{"ok":true}`)}
}
