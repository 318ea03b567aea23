package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

func (s *Service) handleGetState(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	rows, err := s.store.ListState(r.Context(), prefix)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]store.StateEntry, len(rows))
	for _, row := range rows {
		out[row.Key] = row
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": out})
}

type stateItemBody struct {
	StateKey      string          `json:"state_key"`
	StateValue    json.RawMessage `json:"state_value"`
	Source        string          `json:"source"`
	Confidence    *float64        `json:"confidence,omitempty"`
	ObservedAtUTC string          `json:"observed_at_utc,omitempty"`
}

type postStateBody struct {
	Items         []stateItemBody `json:"items"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// handlePostState is the batch ingest endpoint. Every
// item is validated against the state-key regex and ingest allow-list by
// the store itself; a single invalid key fails the whole batch with
// INVALID_STATE_KEY, matching the store's synchronous validation
// contract.
func (s *Service) handlePostState(w http.ResponseWriter, r *http.Request) {
	var body postStateBody
	if err := decodeBody(r, "state", &body); err != nil {
		writeError(w, err)
		return
	}

	items := make([]store.BatchItem, 0, len(body.Items))
	for _, it := range body.Items {
		var observedAt time.Time
		if it.ObservedAtUTC != "" {
			if t, err := time.Parse(time.RFC3339Nano, it.ObservedAtUTC); err == nil {
				observedAt = t
			}
		}
		items = append(items, store.BatchItem{
			Key:        it.StateKey,
			Value:      it.StateValue,
			Source:     it.Source,
			Confidence: it.Confidence,
			ObservedAt: observedAt,
			Internal:   s.cfg.DevIngest,
		})
	}

	if err := s.store.BatchSetState(r.Context(), items, body.CorrelationID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(items)})
}
