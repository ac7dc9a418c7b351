package transcode

import (
	"strconv"
	"strings"
	"time"
)

// progressTracker folds ffmpeg "-progress" key=value lines into a percentage.
// Each block ends with progress=continue or progress=end.
type progressTracker struct {
	total   time.Duration
	outTime time.Duration
}

func newProgressTracker(total time.Duration) *progressTracker {
	return &progressTracker{total: total}
}

// Observe consumes one line. It reports a percentage (-1 when the input
// length is unknown) and a phase at the end of each progress block.
func (p *progressTracker) Observe(line string) (float64, string, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, "", false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// ffmpeg reports microseconds under both keys.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			p.outTime = time.Duration(us) * time.Microsecond
		}
		return 0, "", false
	case "progress":
		phase := "encoding"
		if value == "end" {
			phase = "finalizing"
			return 100, phase, true
		}
		return p.percent(), phase, true
	default:
		return 0, "", false
	}
}

func (p *progressTracker) percent() float64 {
	if p.total <= 0 {
		return -1
	}
	pct := float64(p.outTime) / float64(p.total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
