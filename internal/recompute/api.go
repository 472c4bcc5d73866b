package recompute

import (
	"encoding/json"
	"net/http"
)

// Handler exposes the trigger over HTTP:
//
//	GET  /healthz    liveness
//	GET  /status     state and last run as JSON
//	POST /recompute  queue a recompute (coalesced like any notification)
func (t *Trigger) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", t.handleStatus)
	mux.HandleFunc("/recompute", t.handleRecompute)
	return mux
}

type statusResponse struct {
	State   string  `json:"state"`
	LastRun *Result `json:"last_run,omitempty"`
}

func (t *Trigger) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{State: t.State().String()}
	if last, ok := t.Last(); ok {
		resp.LastRun = &last
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (t *Trigger) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	t.Notify()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}
