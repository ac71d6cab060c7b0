package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemHandlers serves process and host health information.
type SystemHandlers struct {
	dataDir string
	started time.Time
	log     zerolog.Logger
}

// NewSystemHandlers creates the system status handler. dataDir is the
// directory whose disk usage is reported.
func NewSystemHandlers(dataDir string, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		dataDir: dataDir,
		started: time.Now(),
		log:     log.With().Str("component", "system_handlers").Logger(),
	}
}

// HandleStatus reports process uptime, Go runtime stats and host memory and
// disk usage. Host probes that fail are omitted rather than failing the
// request.
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := map[string]any{
		"uptime_sec": int64(time.Since(h.started).Seconds()),
		"go": map[string]any{
			"version":          runtime.Version(),
			"goroutines":       runtime.NumGoroutine(),
			"heap_alloc_bytes": ms.HeapAlloc,
			"sys_bytes":        ms.Sys,
			"num_gc":           ms.NumGC,
		},
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory"] = map[string]any{
			"total_bytes": vm.Total,
			"used_bytes":  vm.Used,
			"used_pct":    vm.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Memory probe failed")
	}

	if du, err := disk.Usage(h.dataDir); err == nil {
		resp["disk"] = map[string]any{
			"path":        h.dataDir,
			"total_bytes": du.Total,
			"free_bytes":  du.Free,
			"used_pct":    du.UsedPercent,
		}
	} else {
		h.log.Warn().Err(err).Msg("Disk probe failed")
	}

	if up, err := host.Uptime(); err == nil {
		resp["host_uptime_sec"] = up
	}

	writeJSON(h.log, w, http.StatusOK, resp)
}
