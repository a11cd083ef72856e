package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats tracks process and host resource usage for the gateway's
// status endpoint.
type HostStats struct {
	mu         sync.RWMutex
	startTime  time.Time
	cpuPercent float64
	memStats   runtime.MemStats
	hostMem    *mem.VirtualMemoryStat
}

func NewHostStats() *HostStats {
	hs := &HostStats{startTime: time.Now()}
	hs.refresh()
	return hs
}

// Collect refreshes the stats on interval until ctx-free stop via the
// returned func.
func (hs *HostStats) Collect(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hs.refresh()
			}
		}
	}()
	return func() { close(done) }
}

func (hs *HostStats) refresh() {
	// cpu.Percent with interval 0 compares against the previous call.
	percents, err := cpu.Percent(0, false)
	vm, memErr := mem.VirtualMemory()

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if err == nil && len(percents) > 0 {
		// Exponential moving average to smooth spikes.
		if hs.cpuPercent == 0 {
			hs.cpuPercent = percents[0]
		} else {
			hs.cpuPercent = 0.3*percents[0] + 0.7*hs.cpuPercent
		}
	}
	if memErr == nil {
		hs.hostMem = vm
	}
	runtime.ReadMemStats(&hs.memStats)
}

// Snapshot returns a JSON-friendly view of the current stats.
func (hs *HostStats) Snapshot() map[string]any {
	hs.mu.RLock()
	defer hs.mu.RUnlock()

	out := map[string]any{
		"uptime_seconds": time.Since(hs.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    hs.cpuPercent,
		"heap_alloc":     hs.memStats.HeapAlloc,
		"heap_sys":       hs.memStats.HeapSys,
		"num_gc":         hs.memStats.NumGC,
	}
	if hs.hostMem != nil {
		out["host_memory_used_percent"] = hs.hostMem.UsedPercent
		out["host_memory_total"] = hs.hostMem.Total
	}
	return out
}
