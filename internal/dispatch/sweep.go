package dispatch

import (
	"context"
	"time"

	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/logging"
)

// Sweeper periodically expires Envs whose lifetime has elapsed,
// mirroring the original's background reaper: a ticker-driven loop
// rather than a timer per Env, so the work stays O(live envs) per tick
// instead of O(envs ever created).
type Sweeper struct {
	d        *Dispatcher
	interval time.Duration
}

// defaultSweepInterval matches the original's roughly-once-a-minute
// expiry sweep; it doesn't need to be tighter than the coarsest
// lifetime granularity (seconds) clients can request.
const defaultSweepInterval = time.Minute

// NewSweeper builds a sweeper that expires envs through d every
// interval (defaultSweepInterval if interval<=0).
func NewSweeper(d *Dispatcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{d: d, interval: interval}
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep removes every Env past its lifetime and, when the dispatcher
// carries a CfgDB, deletes its persisted entry too — otherwise a
// restart would read back a snapshot for an Env that no longer exists.
func (s *Sweeper) sweep(ctx context.Context) {
	expired := s.d.Serv.ExpiredEnvs(env.Now())
	for _, k := range expired {
		if err := s.d.Serv.DelEnv(ctx, k.Cli, k.Env); err != nil {
			logging.Op().Error("sweep: failed to remove expired env", "client", k.Cli, "env", k.Env, "error", err)
			continue
		}
		if s.d.CfgDB != nil {
			_ = s.d.CfgDB.Del(k.Cli, k.Env)
		}
	}
	if len(expired) > 0 {
		logging.Op().Info("sweep: expired envs removed", "count", len(expired))
	}
}
