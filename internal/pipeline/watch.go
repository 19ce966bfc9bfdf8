package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Watch runs cycles on the given cron spec until ctx is cancelled. A cycle
// that is still running when the next trigger fires is not stacked; the
// trigger is skipped with a warning. Classification calls are metered, so
// overlapping cycles would only fight over the same rate budget.
func (p *Pipeline) Watch(ctx context.Context, spec string) error {
	var running atomic.Bool

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			p.log.Warnw("previous cycle still running, skipping trigger", "spec", spec)
			return
		}
		defer running.Store(false)

		if _, err := p.Run(ctx); err != nil {
			p.log.Errorw("scheduled cycle failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	c.Start()
	p.log.Infow("scheduler started", "spec", spec)

	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	p.log.Infow("scheduler stopped")
	return nil
}
