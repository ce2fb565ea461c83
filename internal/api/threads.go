package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/workload"
)

// ─── Live Scheduler (/api/threads, /api/stats) ──────────────────────────────

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads := s.kernel.Snapshot()
	if state := r.URL.Query().Get("state"); state != "" {
		kept := threads[:0]
		for _, t := range threads {
			if t.State.String() == state {
				kept = append(kept, t)
			}
		}
		threads = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "thread id must be a positive integer")
		return
	}
	id := domain.ThreadID(n)
	for _, t := range s.kernel.Snapshot() {
		if t.ID == id {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "thread "+id.String()+" not found")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.Stats())
}

// ─── Scenarios (/api/scenarios) ─────────────────────────────────────────────

type scenarioSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MLFQS       *bool  `json:"mlfqs,omitempty"`
	Threads     int    `json:"threads"`
	Locks       int    `json:"locks"`
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	names := workload.Builtins()
	out := make([]scenarioSummary, 0, len(names))
	for _, name := range names {
		sc, err := workload.Builtin(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, scenarioSummary{
			Name:        sc.Name,
			Description: sc.Description,
			MLFQS:       sc.MLFQS,
			Threads:     len(sc.Threads),
			Locks:       len(sc.Locks),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": out})
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	sc, err := workload.Builtin(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sc)
}
