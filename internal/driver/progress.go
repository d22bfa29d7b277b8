package driver

import (
	"sync"
	"sync/atomic"
	"time"
)

// progressTracker accumulates downloaded bytes across concurrent fetch
// goroutines and decides when a progress event is due: every time the
// percentage complete advances by progressDeltaFraction or a second has
// passed, whichever comes first. baseline carries bytes already on disk
// from a previous run so a resume doesn't restart the percentage at zero.
type progressTracker struct {
	baseline  int64
	total     int64
	startedAt time.Time

	session atomic.Int64 // bytes downloaded by this run only

	mu           sync.Mutex
	lastFraction float64
	lastEmit     time.Time
}

func newProgressTracker(baseline, total int64) *progressTracker {
	return &progressTracker{baseline: baseline, total: total, startedAt: time.Now(), lastEmit: time.Now()}
}

// add records n newly-downloaded bytes and returns the running total
// including the pre-existing baseline.
func (p *progressTracker) add(n int64) int64 {
	return p.baseline + p.session.Add(n)
}

// current returns the running total without adding anything.
func (p *progressTracker) current() int64 {
	return p.baseline + p.session.Load()
}

func (p *progressTracker) fraction(downloaded int64) float64 {
	if p.total <= 0 {
		return 0
	}
	f := float64(downloaded) / float64(p.total)
	if f > 1 {
		f = 1
	}
	return f
}

func (p *progressTracker) speedBps() int64 {
	elapsed := time.Since(p.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(p.session.Load()) / elapsed)
}

// shouldEmit reports whether a progress event is due for the given
// running total, updating its own last-emitted bookkeeping if so.
func (p *progressTracker) shouldEmit(downloaded int64) bool {
	frac := p.fraction(downloaded)

	p.mu.Lock()
	defer p.mu.Unlock()

	due := frac-p.lastFraction >= progressDeltaFraction || time.Since(p.lastEmit) >= progressInterval
	if due {
		p.lastFraction = frac
		p.lastEmit = time.Now()
	}
	return due
}
