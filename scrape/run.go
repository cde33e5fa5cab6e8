package scrape

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/use-agent/advprof/models"
)

// Runner fans a batch of targets out over the gate. Each target gets its
// own goroutine and its own outcome slot; one target's failure never
// affects its siblings.
type Runner struct {
	scraper *Scraper
	gate    *Gate
}

// NewRunner wires a Runner over a scraper and an admission gate.
func NewRunner(scraper *Scraper, gate *Gate) *Runner {
	return &Runner{scraper: scraper, gate: gate}
}

// Run scrapes every target concurrently, bounded by the gate, and returns
// one outcome per target in input order.
func (r *Runner) Run(ctx context.Context, targets []string) []models.Outcome {
	outcomes := make([]models.Outcome, len(targets))

	var wg conc.WaitGroup
	for i, target := range targets {
		i, target := i, target
		wg.Go(func() {
			outcomes[i] = r.scrapeTarget(ctx, target)
		})
	}
	wg.Wait()

	return outcomes
}

// ScrapeOne runs a single gated scrape. Used by the API handler, where the
// gate bounds concurrent requests the same way it bounds batch targets.
func (r *Runner) ScrapeOne(ctx context.Context, target string) (*models.ProfileRecord, error) {
	if err := r.gate.Acquire(ctx); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeTimeout, "timed out waiting for a fetch slot", err)
	}
	defer r.gate.Release()

	return r.scraper.ScrapeOne(ctx, target)
}

// Active reports how many scrapes currently hold a gate slot.
func (r *Runner) Active() int {
	return r.gate.Active()
}

// Capacity reports the gate's concurrency limit.
func (r *Runner) Capacity() int {
	return r.gate.Capacity()
}

func (r *Runner) scrapeTarget(ctx context.Context, target string) models.Outcome {
	out := models.Outcome{TargetURL: target}

	rec, err := r.ScrapeOne(ctx, target)
	if err != nil {
		out.Error = models.AsScrapeError(err).ToDetail()
		return out
	}
	out.Record = rec
	return out
}
