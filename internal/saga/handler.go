package saga

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// NewStatusHandler serves run checkpoints:
//
//	GET /sagas?status=STALLED
//	GET /sagas/{transactionId}
func NewStatusHandler(tracker *Tracker) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/sagas", func(w http.ResponseWriter, req *http.Request) {
		status := Status(strings.ToUpper(strings.TrimSpace(req.URL.Query().Get("status"))))
		switch status {
		case "", StatusRunning, StatusStalled, StatusCompleted, StatusAbandoned:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": tracker.List(status)})
	})
	r.Get("/sagas/{transactionId}", func(w http.ResponseWriter, req *http.Request) {
		run, ok := tracker.Get(chi.URLParam(req, "transactionId"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "saga not found"})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
