package httpapi

import "net/http"

type appOpenBody struct {
	AppID string `json:"app_id"`
}

// handleAppOpen best-effort launches a configured application id.
// Failures are reported in the body but do not change the response
// status.
func (s *Service) handleAppOpen(w http.ResponseWriter, r *http.Request) {
	var body appOpenBody
	if err := decodeBody(r, "app_open", &body); err != nil {
		writeError(w, err)
		return
	}
	if s.launcher == nil {
		writeJSON(w, http.StatusOK, map[string]any{"app_id": body.AppID, "launched": false, "error": "no launcher configured"})
		return
	}
	err := s.launcher.Open(r.Context(), body.AppID)
	resp := map[string]any{"app_id": body.AppID, "launched": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
