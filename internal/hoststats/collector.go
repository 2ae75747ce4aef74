// Package hoststats samples worker host utilization for heartbeat
// payloads. Collection is best-effort: a probe failure leaves the
// corresponding fields zero rather than failing the heartbeat.
package hoststats

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time view of host utilization.
type Snapshot struct {
	CPUCount      int     `json:"cpuCount"`
	CPUPercent    float64 `json:"cpuPercent"`
	Load1         float64 `json:"load1"`
	MemoryUsedGB  float64 `json:"memoryUsedGb"`
	MemoryTotalGB float64 `json:"memoryTotalGb"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskUsedGB    float64 `json:"diskUsedGb"`
	DiskTotalGB   float64 `json:"diskTotalGb"`
	DiskPercent   float64 `json:"diskPercent"`
}

const gb = 1024 * 1024 * 1024

// Collect gathers a snapshot of the local host.
func Collect() *Snapshot {
	snap := &Snapshot{CPUCount: runtime.NumCPU()}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedGB = float64(v.Used) / gb
		snap.MemoryTotalGB = float64(v.Total) / gb
		snap.MemoryPercent = v.UsedPercent
	}

	if percentages, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		snap.CPUPercent = percentages[0]
	}

	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
	}

	if d, err := disk.Usage("/"); err == nil {
		snap.DiskUsedGB = float64(d.Used) / gb
		snap.DiskTotalGB = float64(d.Total) / gb
		snap.DiskPercent = d.UsedPercent
	}

	return snap
}
