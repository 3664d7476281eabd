package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemHandlers handles system monitoring endpoints.
type SystemHandlers struct {
	log         zerolog.Logger
	startupTime time.Time
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		startupTime: time.Now(),
	}
}

// HandleLiveness is the bare liveness probe.
// GET /health
func (h *SystemHandlers) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(h.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

type systemHealth struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	Goroutines    int     `json:"goroutines"`
}

// HandleSystemHealth reports process and host health.
// GET /api/system/health
func (h *SystemHandlers) HandleSystemHealth(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := h.systemStats()
	writeJSON(h.log, w, http.StatusOK, systemHealth{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startupTime).Seconds()),
		CPUPercent:    cpuPct,
		MemPercent:    memPct,
		Goroutines:    runtime.NumGoroutine(),
	})
}

// systemStats samples CPU over a short window so the endpoint stays fast
// enough for dashboard polling.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}
