// Package metrics collects host resource utilization for heartbeat reporting.
// Collection is best-effort: a probe failure yields a zero value for that
// field rather than an error, because a heartbeat must never fail over a
// metrics hiccup.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fabrice-guiot/shuttersense/shared/types"
)

// probeTimeout bounds the whole collection pass. gopsutil's CPU sampling
// already blocks for its sample window; everything else is near-instant.
const probeTimeout = 3 * time.Second

// cpuSample is the window over which CPU utilization is averaged.
const cpuSample = 500 * time.Millisecond

// Collect returns a snapshot of current host resource usage for the
// heartbeat body. diskPath is the mount whose free space is reported —
// the agent uses its state directory's filesystem.
func Collect(diskPath string) types.AgentMetrics {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var m types.AgentMetrics

	if pcts, err := cpu.PercentWithContext(ctx, cpuSample, false); err == nil && len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		m.DiskFreeGB = float64(du.Free) / (1 << 30)
	}
	return m
}
