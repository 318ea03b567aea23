package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/pipeline"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

// twitchEventPayload mirrors the TWITCH_EVENT payload shape the ingest
// gate writes: category, packet timestamp, the unspecified
// seq field, and whatever variables the bridge returned for the event.
type twitchEventPayload struct {
	Category  string         `json:"category"`
	Timestamp int64          `json:"timestamp"`
	Seq       string         `json:"seq,omitempty"`
	Variables map[string]any `json:"variables"`
}

func (s *Service) twitchEvents(r *http.Request, limit int) ([]twitchEventPayload, error) {
	rows, err := s.store.ReadEvents(r.Context(), store.EventFilter{EventType: "TWITCH_EVENT", Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]twitchEventPayload, 0, len(rows))
	for _, ev := range rows {
		var p twitchEventPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) handleTwitchRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.twitchEvents(r, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Service) handleTwitchUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	events, err := s.twitchEvents(r, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	matched := make([]twitchEventPayload, 0)
	for _, ev := range events {
		if variableString(ev.Variables, "user_id") == userID {
			matched = append(matched, ev)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "events": matched})
}

// handleTwitchTopRedeems groups REDEEM-category events for one user by
// redeem name and returns the highest-count redeems.
func (s *Service) handleTwitchTopRedeems(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	events, err := s.twitchEvents(r, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	counts := make(map[string]int)
	for _, ev := range events {
		if ev.Category != "REDEEM" || variableString(ev.Variables, "user_id") != userID {
			continue
		}
		name := variableString(ev.Variables, "redeem_name")
		if name == "" {
			name = "unknown"
		}
		counts[name]++
	}

	type redeemCount struct {
		Name  string `json:"redeem_name"`
		Count int    `json:"count"`
	}
	top := make([]redeemCount, 0, len(counts))
	for name, count := range counts {
		top = append(top, redeemCount{Name: name, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Name < top[j].Name
	})
	if len(top) > limit {
		top = top[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "top_redeems": top})
}

func variableString(vars map[string]any, key string) string {
	v, ok := vars[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

type twitchSendChatBody struct {
	IncidentID     string `json:"incident_id"`
	Message        string `json:"message"`
	WatchCondition string `json:"watch_condition,omitempty"`
	ConfirmToken   string `json:"confirm_token,omitempty"`
}

// handleTwitchSendChat is policy-gated and confirm-capable: it
// is driven through the same intent->execute path as every other tool
// call rather than a bespoke dispatch, so DENY_* and
// DENY_NEEDS_CONFIRMATION behave identically to any other action.
func (s *Service) handleTwitchSendChat(w http.ResponseWriter, r *http.Request) {
	var body twitchSendChatBody
	if err := decodeBody(r, "twitch_send_chat", &body); err != nil {
		writeError(w, err)
		return
	}

	requestID := body.IncidentID + ":twitch_send_chat"
	params, _ := json.Marshal(map[string]string{"message": body.Message})

	if _, err := s.pl.Intent(r.Context(), pipeline.IntentRequest{
		RequestID: requestID,
		Mode:      "tool_call",
		Domain:    "twitch",
		Actions: []pipeline.ActionRequest{
			{ActionID: "send_chat", Tool: "twitch.send_chat", Parameters: params},
		},
	}); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.pl.Execute(r.Context(), pipeline.ExecuteRequest{
		RequestID:      requestID,
		IncidentID:     body.IncidentID,
		WatchCondition: body.WatchCondition,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
