package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantsim/marketsim/internal/domain"
)

// handleLoopStatus reports tick-loop state. With ?instanceId= it returns the
// overview of one instance; without it, a map of every live instance.
func (s *Server) handleLoopStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		s.respond(w, http.StatusOK, s.controller.Overview())
		return
	}

	inst, err := s.controller.Instance(instanceID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, inst.Manager().Overview())
}

func (s *Server) handleLoopStart(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		s.fail(w, domain.NewError(domain.CodeValidation, "instanceId query parameter is required"))
		return
	}
	if err := s.controller.StartInstance(instanceID); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleLoopStop(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	if instanceID == "" {
		s.fail(w, domain.NewError(domain.CodeValidation, "instanceId query parameter is required"))
		return
	}
	if err := s.controller.StopInstance(instanceID); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"running": false})
}

// handlePerformance reports process and host resource usage.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"goroutines":  runtime.NumGoroutine(),
		"subscribers": s.bus.SubscriberCount(),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		out["cpuPercent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		out["memUsedPercent"] = memStat.UsedPercent
		out["memUsedBytes"] = memStat.Used
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out["heapAllocBytes"] = ms.HeapAlloc

	s.respond(w, http.StatusOK, out)
}

// handleObjectStats aggregates object counts across all instances.
func (s *Server) handleObjectStats(w http.ResponseWriter, r *http.Request) {
	overviews := s.controller.Overview()

	totalObjects := 0
	totalErrors := 0
	running := 0
	for _, ov := range overviews {
		totalObjects += ov.TotalObjects
		totalErrors += ov.ErrorCount
		if ov.IsRunning {
			running++
		}
	}

	s.respond(w, http.StatusOK, map[string]any{
		"instances":        len(overviews),
		"runningInstances": running,
		"totalObjects":     totalObjects,
		"totalErrors":      totalErrors,
		"perInstance":      overviews,
	})
}
