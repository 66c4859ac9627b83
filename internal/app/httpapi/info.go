package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/silkroad/internal/httputil"
)

const healthTimeout = 2 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// health runs every registered check. Any failure turns the response 503.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if err := h.checks[name](ctx); err != nil {
				resp.Status = "degraded"
				resp.Checks[name] = err.Error()
				h.logger.WithContext(ctx).WithError(err).WithField("check", name).Warn("Health check failed")
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

type hostInfo struct {
	CPUs          int     `json:"cpus,omitempty"`
	MemoryTotal   uint64  `json:"memory_total_bytes,omitempty"`
	MemoryUsedPct float64 `json:"memory_used_percent,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
}

type infoResponse struct {
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	GoVersion     string   `json:"go_version"`
	Goroutines    int      `json:"goroutines"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Controllers   int      `json:"controllers"`
	Items         int      `json:"items"`
	Regions       int      `json:"regions"`
	Host          hostInfo `json:"host"`
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	world := h.engine.World()
	httputil.WriteJSON(w, http.StatusOK, infoResponse{
		Service:       "silkroad",
		Version:       h.version,
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Controllers:   h.manager.Len(),
		Items:         world.Catalog.Len(),
		Regions:       len(world.Graph.Regions()),
		Host:          collectHostInfo(r.Context()),
	})
}

// collectHostInfo samples host statistics. Unavailable figures are left
// zero, as on sandboxed hosts without /proc.
func collectHostInfo(ctx context.Context) hostInfo {
	var hi hostInfo
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		hi.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hi.MemoryTotal = vm.Total
		hi.MemoryUsedPct = vm.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		hi.UptimeSeconds = up
	}
	return hi
}
