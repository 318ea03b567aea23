package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

// handleSitrep aggregates the operational snapshot:
// current watch condition, recent handover notes, capability health,
// and process runtime.
func (s *Service) handleSitrep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	watchCondition := ""
	if entry, err := s.store.GetState(ctx, "app.watch_condition"); err == nil && entry != nil {
		_ = json.Unmarshal(entry.Value, &watchCondition)
	}

	notes, err := s.store.ReadEvents(ctx, store.EventFilter{EventType: "HANDOVER_NOTE", Limit: 5})
	if err != nil {
		writeError(w, err)
		return
	}

	caps, err := s.store.ListCapabilities(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"watch_condition": watchCondition,
		"handover_notes":  notes,
		"capabilities":    caps,
		"runtime": map[string]any{
			"version":    s.cfg.Version,
			"uptime_sec": int(time.Since(s.cfg.Started).Seconds()),
		},
	})
}
