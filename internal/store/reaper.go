package store

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Reaper periodically removes expired entries that nobody reads again. Lazy
// expiration already hides them, so the reaper only reclaims memory.
type Reaper struct {
	st       Store
	interval time.Duration
	logger   hclog.Logger

	// OnReap, when set, receives the number of entries removed by each sweep.
	OnReap func(n int)
}

func NewReaper(st Store, interval time.Duration, logger hclog.Logger) *Reaper {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reaper{st: st, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled. A non-positive interval disables it.
func (r *Reaper) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("reaper stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	n := r.st.PurgeExpired()
	if n == 0 {
		return
	}
	r.logger.Trace("purged expired keys", "count", n)
	if r.OnReap != nil {
		r.OnReap(n)
	}
}
