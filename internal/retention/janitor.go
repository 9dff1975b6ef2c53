// Package retention runs the background log-cap maintenance task described
// in spec.md §4.E: every cleanup_interval_hours, enforce max_log_entries by
// deleting the oldest rows. Grounded on the teacher's ticker-driven
// Janitor (internal/retention/janitor.go), generalized from multi-tenant
// trace/audit archival to the gateway's single log_entries cap.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/store"
)

// DefaultCleanupInterval matches config.Default's cleanup_interval_hours.
const DefaultCleanupInterval = 24 * time.Hour

// DefaultMaxLogEntries is the default log_entries cap.
const DefaultMaxLogEntries = 1_000_000

// Janitor periodically enforces the log_entries row cap.
type Janitor struct {
	store        store.LogStore
	interval     time.Duration
	maxLogEntries int
}

// NewJanitor creates a janitor that runs on the given interval, enforcing
// maxLogEntries. interval below a minute is clamped up to DefaultCleanupInterval.
func NewJanitor(s store.LogStore, interval time.Duration, maxLogEntries int) *Janitor {
	if interval < time.Minute {
		interval = DefaultCleanupInterval
	}
	if maxLogEntries <= 0 {
		maxLogEntries = DefaultMaxLogEntries
	}
	return &Janitor{store: s, interval: interval, maxLogEntries: maxLogEntries}
}

// Start runs the janitor until ctx is cancelled, performing one sweep
// immediately on startup.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Int("max_log_entries", j.maxLogEntries).Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	deleted, err := j.store.LogEnforceCap(ctx, j.maxLogEntries)
	if err != nil {
		log.Warn().Err(err).Msg("retention janitor: log cap enforcement failed")
		return
	}
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("retention janitor: evicted old log entries")
	}
}
