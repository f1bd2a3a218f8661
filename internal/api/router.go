// Package api provides the HTTP query surface over the durable bar store.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"optionflow/internal/model"
)

// BarStore is the read side of the durable store.
type BarStore interface {
	GetBars(token int64, tf int, from, to time.Time) ([]model.EnrichedBar, error)
	DistinctTFs(token int64) ([]int, error)
}

// NewRouter sets up HTTP routes for the bar query API.
//
//	GET /api/v1/health
//	GET /api/v1/bars?token=X&tf=60&from=T1&to=T2   (Unix seconds; to defaults to now)
//	GET /api/v1/tfs?token=X
func NewRouter(store BarStore) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/api/v1/bars", func(w http.ResponseWriter, r *http.Request) {
		token, err := strconv.ParseInt(r.URL.Query().Get("token"), 10, 64)
		if err != nil || token <= 0 {
			httpError(w, http.StatusBadRequest, "invalid token")
			return
		}
		tf, err := strconv.Atoi(r.URL.Query().Get("tf"))
		if err != nil || tf <= 0 {
			httpError(w, http.StatusBadRequest, "invalid tf")
			return
		}
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		if to == 0 {
			to = time.Now().Unix()
		}

		bars, err := store.GetBars(token, tf, time.Unix(from, 0), time.Unix(to, 0))
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]any{"count": len(bars), "bars": bars})
	})

	mux.HandleFunc("/api/v1/tfs", func(w http.ResponseWriter, r *http.Request) {
		token, err := strconv.ParseInt(r.URL.Query().Get("token"), 10, 64)
		if err != nil || token <= 0 {
			httpError(w, http.StatusBadRequest, "invalid token")
			return
		}
		tfs, err := store.DistinctTFs(token)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]any{"token": token, "tfs": tfs})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
