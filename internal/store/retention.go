package store

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Retention periodically purges terminal jobs older than a TTL so the
// in-memory store stays bounded on long-lived deployments.
type Retention struct {
	store  *Store
	ttl    time.Duration
	logger *slog.Logger
	cron   *cron.Cron
}

// NewRetention creates a retention sweeper. schedule is a cron spec
// (robfig/cron syntax, e.g. "@every 1h"); ttl is how long terminal jobs
// are kept after completion.
func NewRetention(store *Store, ttl time.Duration, schedule string, logger *slog.Logger) (*Retention, error) {
	r := &Retention{
		store:  store,
		ttl:    ttl,
		logger: logger,
		cron:   cron.New(),
	}
	if _, err := r.cron.AddFunc(schedule, r.sweep); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins the sweep schedule in a background goroutine.
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Info("retention sweep started", "ttl", r.ttl)
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Retention) sweep() {
	cutoff := time.Now().UTC().Add(-r.ttl)
	if purged := r.store.PurgeTerminalBefore(cutoff); purged > 0 {
		r.logger.Info("retention sweep purged jobs", "count", purged, "cutoff", cutoff)
	}
}
