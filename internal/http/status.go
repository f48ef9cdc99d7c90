package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/52poke/wanderly/internal/worker"
)

type statusBody struct {
	worker.Status
	Entries int `json:"entries"`
}

// StatusHandler reports the lifecycle state and size of the active cache.
func StatusHandler(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		n, err := m.Count(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(statusBody{Status: m.Status(), Entries: n})
	}
}

// ReadyHandler answers 200 once a cache is active.
func ReadyHandler(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.Status().Active {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
