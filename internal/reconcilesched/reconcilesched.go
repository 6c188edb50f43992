// Package reconcilesched runs the executor's reconciliation pass on a fixed
// interval, independent of the Configure/Install/Uninstall-triggered runs
// spec.md already mandates. This heals drift introduced by out-of-band
// filesystem changes between calls.
package reconcilesched

import (
	"context"
	"fmt"
	"log"

	"github.com/go-co-op/gocron/v2"
)

// Reconciler is the subset of *executor.Executor this package depends on,
// kept narrow so the scheduler can be tested without a real catalog.
type Reconciler interface {
	Reconcile(ctx context.Context)
}

// Scheduler wraps a gocron scheduler running a single periodic job.
type Scheduler struct {
	gocron gocron.Scheduler
}

// New constructs a Scheduler that calls r.Reconcile every interval. interval
// is a cron expression, e.g. "*/15 * * * *" for every 15 minutes.
func New(r Reconciler, interval string) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reconcilesched: creating scheduler: %w", err)
	}

	_, err = gs.NewJob(
		gocron.CronJob(interval, false),
		gocron.NewTask(func() {
			log.Printf("INFO: reconcilesched: running scheduled reconciliation")
			r.Reconcile(context.Background())
		}),
		gocron.WithName("reconcile"),
	)
	if err != nil {
		return nil, fmt.Errorf("reconcilesched: scheduling job: %w", err)
	}

	return &Scheduler{gocron: gs}, nil
}

// Start begins running the scheduled job.
func (s *Scheduler) Start() error {
	s.gocron.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for any in-flight run to finish.
func (s *Scheduler) Stop() error {
	return s.gocron.Shutdown()
}
