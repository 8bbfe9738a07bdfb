package server

import (
	"context"
	"net/http"

	"escrowd/faults"
)

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reconciler.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	if !s.reconciler.Trigger() {
		writeError(w, faults.New(faults.PreconditionFailed, "reconciler is not running"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) handleStartReconciler(w http.ResponseWriter, _ *http.Request) {
	// The loop outlives the request, so it runs off the background context.
	s.reconciler.Start(context.Background())
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopReconciler(w http.ResponseWriter, _ *http.Request) {
	s.reconciler.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
