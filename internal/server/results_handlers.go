package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/zfit/internal/results"
	"github.com/aristath/zfit/internal/spectra"
)

// ResultsHandlers serves runs and their candidates
type ResultsHandlers struct {
	repo *results.Repository
	log  zerolog.Logger
}

// NewResultsHandlers creates results handlers
func NewResultsHandlers(repo *results.Repository, log zerolog.Logger) *ResultsHandlers {
	return &ResultsHandlers{repo: repo, log: log.With().Str("handler", "results").Logger()}
}

// RegisterRoutes mounts the results routes on r
func (h *ResultsHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.HandleListRuns)
		r.Get("/{runID}", h.HandleGetRun)
		r.Get("/{runID}/targets", h.HandleListTargets)
		r.Get("/{runID}/targets/{targetID}", h.HandleGetTarget)
	})
}

// HandleListRuns returns every run, newest first
// GET /api/runs
func (h *ResultsHandlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.repo.ListRuns(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, runs)
}

// HandleGetRun returns one run
// GET /api/runs/{runID}
func (h *ResultsHandlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.repo.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, run)
}

// HandleListTargets returns the best candidate of every target
// GET /api/runs/{runID}/targets
func (h *ResultsHandlers) HandleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.repo.ListTargets(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, targets)
}

// HandleGetTarget returns every candidate of one target
// GET /api/runs/{runID}/targets/{targetID}
func (h *ResultsHandlers) HandleGetTarget(w http.ResponseWriter, r *http.Request) {
	res, err := h.repo.GetTarget(r.Context(), chi.URLParam(r, "runID"), spectra.TargetID(chi.URLParam(r, "targetID")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, res)
}

func (h *ResultsHandlers) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, results.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.log.Error().Err(err).Msg("Results query failed")
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, data interface{}) {
	writeJSONStatus(w, log, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, log zerolog.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
