package emergency

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"emergency-orchestrator/internal/metrics"
)

// Recover resumes every non-terminal case that has not been touched for
// StaleAfter and is not being driven by this process. Each case continues from
// its persisted state, so a DISPATCHING case only re-issues legs still
// IN_FLIGHT. It returns the number of cases resumed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	cases, err := o.repo.ListByState(ctx, ActiveStates()...)
	if err != nil {
		return 0, err
	}
	cutoff := o.now().Add(-o.cfg.StaleAfter)

	var g errgroup.Group
	g.SetLimit(o.cfg.RecoveryConcurrency)
	var resumed atomic.Int64

	for _, c := range cases {
		if c.UpdatedAt.After(cutoff) {
			continue
		}
		if _, busy := o.running.LoadOrStore(c.ID, struct{}{}); busy {
			continue
		}
		id, state := c.ID, c.State
		resumed.Add(1)
		metrics.RecoveredTotal.Inc()
		g.Go(func() error {
			defer o.running.Delete(id)
			log.WithFields(log.Fields{"case_id": id, "state": state}).Info("resuming stale case")
			o.run(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return int(resumed.Load()), nil
}

// StartRecovery runs Recover once immediately and then every interval until
// the orchestrator is closed.
func (o *Orchestrator) StartRecovery(interval time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if n, err := o.Recover(o.ctx); err != nil {
				log.WithError(err).Warn("recovery sweep failed")
			} else if n > 0 {
				log.Infof("recovery sweep resumed %d cases", n)
			}
			select {
			case <-o.stop:
				return
			case <-o.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
