package engine

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

// loadSampler memoizes a host CPU-load reading for interval, so the
// prefetch admission check (§11.1) doesn't re-sample on every request.
// Grounded on the same cache-a-host-metric-for-N-seconds pattern used by
// hardware-detection code elsewhere in the encoder ecosystem.
type loadSampler struct {
	interval time.Duration

	mu       sync.Mutex
	lastAt   time.Time
	lastLoad float64
}

func newLoadSampler(interval time.Duration) *loadSampler {
	return &loadSampler{interval: interval}
}

// Load returns the fraction (0..1) of CPU currently in use, refreshing
// the sample if the interval has elapsed. A sampling failure returns the
// previous value (0 if none yet taken) rather than blocking admission.
func (s *loadSampler) Load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastAt) < s.interval && !s.lastAt.IsZero() {
		return s.lastLoad
	}

	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return s.lastLoad
	}

	s.lastLoad = percents[0] / 100.0
	s.lastAt = time.Now()
	return s.lastLoad
}
