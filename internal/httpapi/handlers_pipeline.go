package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/pipeline"
)

type intentBody struct {
	RequestID  string                    `json:"request_id"`
	Mode       string                    `json:"mode"`
	Domain     string                    `json:"domain"`
	Urgency    string                    `json:"urgency"`
	UserText   string                    `json:"user_text"`
	NeedsTools bool                      `json:"needs_tools"`
	Questions  json.RawMessage           `json:"questions,omitempty"`
	References json.RawMessage          `json:"references,omitempty"`
	Response   string                    `json:"response,omitempty"`
	Actions    []pipeline.ActionRequest  `json:"actions,omitempty"`
}

func (s *Service) handlePostIntent(w http.ResponseWriter, r *http.Request) {
	var body intentBody
	if err := decodeBody(r, "intent", &body); err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.pl.Intent(r.Context(), pipeline.IntentRequest{
		RequestID:  body.RequestID,
		Mode:       body.Mode,
		Domain:     body.Domain,
		Urgency:    body.Urgency,
		UserText:   body.UserText,
		NeedsTools: body.NeedsTools,
		Questions:  body.Questions,
		References: body.References,
		Actions:    body.Actions,
		Response:   body.Response,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Service) handlePostExecute(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ExecuteRequest
	if err := decodeBody(r, "execute", &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.pl.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, a := range res.Actions {
		ObservePolicyDecision(a.ReasonCode)
		if a.Status != "" {
			ObserveActuatorOutcome(a.Tool, string(a.Status))
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handlePostConfirm(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ConfirmRequest
	if err := decodeBody(r, "confirm", &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.pl.Confirm(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handlePostFeedback(w http.ResponseWriter, r *http.Request) {
	var req pipeline.FeedbackRequest
	if err := decodeBody(r, "feedback", &req); err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.pl.Feedback(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
