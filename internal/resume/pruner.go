package resume

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/consult/internal/store"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Pruner periodically drops active-session records older than a retention
// window, so abandoned consultations are not resumed forever.
type Pruner struct {
	store     store.Pruner
	schedule  cron.Schedule
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// PrunerOpts holds parameters for creating a Pruner.
type PrunerOpts struct {
	Store     store.Pruner
	Schedule  string
	Retention time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewPruner validates the schedule and creates a Pruner.
func NewPruner(opts PrunerOpts) (*Pruner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("resume: pruner: store is required")
	}
	if opts.Retention <= 0 {
		return nil, fmt.Errorf("resume: pruner: retention must be positive")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("resume: pruner: schedule %q: %w", opts.Schedule, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pruner{
		store:     opts.Store,
		schedule:  sched,
		retention: opts.Retention,
		logger:    logger.Named("pruner"),
		now:       now,
	}, nil
}

// Next returns the next run time after t.
func (p *Pruner) Next(t time.Time) time.Time {
	return p.schedule.Next(t)
}

// PruneNow removes every record older than the retention window.
func (p *Pruner) PruneNow(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("resume: prune: %w", err)
	}
	if n > 0 {
		p.logger.Info("pruned stale active sessions", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run prunes on schedule until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	for {
		d := time.Until(p.schedule.Next(time.Now()))
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := p.PruneNow(ctx); err != nil {
				p.logger.Warn("prune failed", zap.Error(err))
			}
		}
	}
}
