package server

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/zfit/internal/database"
	"github.com/aristath/zfit/internal/scheduler"
)

// DBInfo is the part of the database the system endpoints report on.
type DBInfo interface {
	HealthCheck(ctx context.Context) error
	GetStats(ctx context.Context) (*database.Stats, error)
}

// SystemHandlers serves health, host statistics and manual job triggers
type SystemHandlers struct {
	db        DBInfo
	sched     *scheduler.Scheduler
	jobs      map[string]scheduler.Job
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(db DBInfo, sched *scheduler.Scheduler, jobs []scheduler.Job, log zerolog.Logger) *SystemHandlers {
	byName := make(map[string]scheduler.Job, len(jobs))
	for _, j := range jobs {
		byName[j.Name()] = j
	}
	return &SystemHandlers{
		db:        db,
		sched:     sched,
		jobs:      byName,
		startedAt: time.Now(),
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// SystemStatusResponse is the body of GET /api/system
type SystemStatusResponse struct {
	UptimeSeconds float64           `json:"uptime_seconds"`
	Goroutines    int               `json:"goroutines"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemPercent    float64           `json:"mem_percent"`
	Database      *database.Stats   `json:"database,omitempty"`
	Jobs          []scheduler.Entry `json:"jobs,omitempty"`
}

// HandleHealth reports whether the database answers
// GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			writeJSONStatus(w, h.log, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, h.log, map[string]string{"status": "healthy"})
}

// HandleSystemStatus returns host and database statistics
// GET /api/system
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()
	resp := SystemStatusResponse{
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		CPUPercent:    cpuPercent,
		MemPercent:    memPercent,
	}
	if h.db != nil {
		stats, err := h.db.GetStats(r.Context())
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to get database stats")
		}
		resp.Database = stats
	}
	if h.sched != nil {
		resp.Jobs = h.sched.Entries()
	}
	writeJSON(w, h.log, resp)
}

// getSystemStats samples CPU over 100ms and reads memory usage.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPercent[0], 0
	}
	return cpuPercent[0], memStat.UsedPercent
}

// HandleListJobs lists scheduled jobs and the names accepted by HandleTriggerJob
// GET /api/jobs
func (h *SystemHandlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.jobs))
	for name := range h.jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := struct {
		Triggerable []string          `json:"triggerable"`
		Scheduled   []scheduler.Entry `json:"scheduled"`
	}{Triggerable: names, Scheduled: []scheduler.Entry{}}
	if h.sched != nil {
		if entries := h.sched.Entries(); entries != nil {
			resp.Scheduled = entries
		}
	}
	writeJSON(w, h.log, resp)
}

// HandleTriggerJob runs a registered job in the background
// POST /api/jobs/{name}
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, ok := h.jobs[name]
	if !ok || h.sched == nil {
		http.Error(w, "unknown job "+name, http.StatusNotFound)
		return
	}

	h.log.Info().Str("job", name).Msg("Manual job triggered")
	go func() {
		if err := h.sched.RunNow(job); err != nil {
			h.log.Error().Err(err).Str("job", name).Msg("Manual job failed")
		}
	}()

	writeJSONStatus(w, h.log, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Job " + name + " triggered",
	})
}
