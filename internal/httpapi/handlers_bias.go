package httpapi

import (
	"net/http"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

// handleGetBias and handlePostBias expose the STT bias lexicon so the
// speech subsystem's phrase weights are maintainable over HTTP.
func (s *Service) handleGetBias(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListBias(r.Context(), r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bias": rows})
}

type biasBody struct {
	Phrase     string  `json:"phrase"`
	Normalized string  `json:"normalized"`
	Mode       string  `json:"mode,omitempty"`
	Weight     float64 `json:"weight,omitempty"`
	Active     bool    `json:"active,omitempty"`
}

func (s *Service) handlePostBias(w http.ResponseWriter, r *http.Request) {
	var body biasBody
	if err := decodeBody(r, "bias", &body); err != nil {
		writeError(w, err)
		return
	}
	entry := store.BiasEntry{
		Phrase:     body.Phrase,
		Normalized: body.Normalized,
		Mode:       body.Mode,
		Weight:     body.Weight,
		Active:     body.Active,
	}
	if err := s.store.UpsertBias(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
