package health

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"vidqueue/internal/config"
	"vidqueue/internal/logging"
)

// Report is the cached readiness snapshot.
type Report struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Accepting     bool      `json:"accepting"`
	ShuttingDown  bool      `json:"shutting_down"`
	CheckedAt     time.Time `json:"checked_at"`
	Error         string    `json:"error,omitempty"`
}

// Reporter caches the latest utilization sample and derives readiness from
// the configured thresholds.
type Reporter struct {
	sampler         Sampler
	logger          *slog.Logger
	cpuThreshold    float64
	memoryThreshold float64
	now             func() time.Time

	mu           sync.RWMutex
	report       Report
	shuttingDown bool
}

// NewReporter builds a reporter using the worker thresholds. A nil sampler
// uses the host sampler.
func NewReporter(cfg *config.Config, sampler Sampler, logger *slog.Logger) *Reporter {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	return &Reporter{
		sampler:         sampler,
		logger:          logging.NewComponentLogger(logger, "health"),
		cpuThreshold:    cfg.Worker.CPUThreshold,
		memoryThreshold: cfg.Worker.MemoryThreshold,
		now:             time.Now,
	}
}

// Refresh takes one sample and updates the cached report.
func (r *Reporter) Refresh(ctx context.Context) Report {
	cpuPct, memPct, err := r.sampler.Sample(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	next := Report{
		CPUPercent:    round2(cpuPct),
		MemoryPercent: round2(memPct),
		ShuttingDown:  r.shuttingDown,
		CheckedAt:     r.now().UTC(),
	}
	if err != nil {
		// An unreadable host is reported as not ready.
		next.Error = err.Error()
		r.logger.Warn("utilization sample failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "health_sample_failed"),
			logging.String(logging.FieldImpact, "worker reported not ready"),
		)
	} else {
		next.Accepting = !r.shuttingDown && cpuPct < r.cpuThreshold && memPct < r.memoryThreshold
	}
	if next.Accepting != r.report.Accepting || r.report.CheckedAt.IsZero() {
		r.logger.Info("readiness changed",
			logging.String(logging.FieldEventType, "readiness_changed"),
			logging.Bool("accepting", next.Accepting),
			logging.Float64("cpu_percent", next.CPUPercent),
			logging.Float64("memory_percent", next.MemoryPercent),
		)
	}
	r.report = next
	return next
}

// Report returns the cached snapshot.
func (r *Reporter) Report() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report
}

// SetShuttingDown flips the reporter to not-ready immediately.
func (r *Reporter) SetShuttingDown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shuttingDown = true
	r.report.ShuttingDown = true
	r.report.Accepting = false
}

// Run refreshes the report every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
