package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an error to the closed reason-code taxonomy's HTTP
// status.
func writeError(w http.ResponseWriter, err error) {
	var sv *schemaViolationError
	if errors.As(err, &sv) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": errs.SchemaViolation,
			"message": sv.Error(),
		})
		return
	}
	if e := errs.As(err); e != nil {
		body := map[string]any{"error": e.Code, "message": e.Message}
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
		writeJSON(w, e.HTTPStatus, body)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error":   "INTERNAL",
		"message": err.Error(),
	})
}
