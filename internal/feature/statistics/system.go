package statistics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sampler reports host CPU and memory utilisation in percent.
type Sampler interface {
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// HostSampler samples the host through gopsutil. CPU usage is measured since
// the previous call, so the first sample after start may read high.
type HostSampler struct{}

// Sample implements Sampler.
func (HostSampler) Sample(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return cpuPercent, 0, fmt.Errorf("sample memory: %w", err)
	}

	return cpuPercent, vm.UsedPercent, nil
}

// FormatUptime renders d as "1d 2h 3m 4s", dropping leading zero units.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if days > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if days > 0 || hours > 0 || minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))

	return strings.Join(parts, " ")
}
