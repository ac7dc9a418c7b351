package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sampler measures host utilization as percentages in [0, 100].
type Sampler interface {
	Sample(ctx context.Context) (cpuPercent, memoryPercent float64, err error)
}

// SystemSampler reads utilization from the host via gopsutil.
type SystemSampler struct {
	// Window is how long CPU usage is measured over. Zero compares against
	// the previous call.
	Window time.Duration
}

// Sample implements Sampler.
func (s SystemSampler) Sample(ctx context.Context) (float64, float64, error) {
	window := s.Window
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	percents, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sample cpu: %w", err)
	}
	if len(percents) == 0 {
		return 0, 0, fmt.Errorf("sample cpu: no data")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sample memory: %w", err)
	}
	return percents[0], vm.UsedPercent, nil
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (float64, float64, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context) (float64, float64, error) {
	return f(ctx)
}
