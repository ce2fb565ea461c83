package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/threadsched/internal/app/replay"
	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
	"github.com/tutu-network/threadsched/internal/infra/sqlite"
	"github.com/tutu-network/threadsched/internal/workload"
)

// ─── Replays (/api/runs) ────────────────────────────────────────────────────

// createRunRequest names a built-in scenario or carries an inline YAML
// document. Scenario files on the server's disk are not reachable here.
type createRunRequest struct {
	Scenario string `json:"scenario"`
	YAML     string `json:"yaml,omitempty"`
	MLFQS    *bool  `json:"mlfqs,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var sc *workload.Scenario
	var err error
	switch {
	case req.YAML != "":
		if sc, err = workload.Parse([]byte(req.YAML)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case req.Scenario != "":
		if sc, err = workload.Builtin(req.Scenario); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "scenario or yaml is required")
		return
	}

	out, err := s.replayer.ReplayScenario(r.Context(), sc, replay.Options{MLFQS: req.MLFQS})
	switch {
	case errors.Is(err, domain.ErrModeMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && r.Context().Err() != nil:
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// ─── Recorded Traces ────────────────────────────────────────────────────────

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	kind := scheduler.EventKind(r.URL.Query().Get("kind"))
	events, err := s.runs.Events(chi.URLParam(r, "id"), kind)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if events == nil {
		events = []scheduler.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRunLoad(w http.ResponseWriter, r *http.Request) {
	samples, err := s.runs.LoadSamples(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if samples == nil {
		samples = []sqlite.LoadSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.DeleteRun(chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
