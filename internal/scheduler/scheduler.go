// Package scheduler runs one cooperative polling loop per (device, schedule
// group) pair, per spec.md §4.D. It owns no device state of its own — the
// supervisor tracks which loops exist; the scheduler just runs them and
// reports outcomes back through callbacks.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/models"
	"github.com/avagate/gateway/internal/protocol"
)

// connectBackoff is the fixed delay applied after a connect or read failure
// streak before the loop retries, per spec.md §4.D step 5.
const connectBackoff = 5 * time.Second

// Sink receives every LogEntry a loop produces; normally internal/supervisor
// wires this to the store's LogAppend, but a failure there must never abort
// the poll (spec.md §4.F).
type Sink func(ctx context.Context, entry models.LogEntry)

// StatusFunc reports a device's state transitions to the supervisor, which
// persists them via StatusStore.
type StatusFunc func(state models.DeviceState, errMessage string)

// Loop polls one schedule group's tags for one device until ctx is
// cancelled.
type Loop struct {
	device     models.DeviceInstance
	group      models.ScheduleGroup
	tags       []models.DeviceTag
	client     protocol.Client
	sink       Sink
	reportStat StatusFunc
	retryCount uint32
}

// NewLoop builds a polling loop. client is the shared per-device protocol
// client (spec.md §4.D step 1: one client per device across all its loops).
func NewLoop(device models.DeviceInstance, group models.ScheduleGroup, tags []models.DeviceTag, client protocol.Client, sink Sink, reportStat StatusFunc) *Loop {
	retry := device.RetryCount
	if retry == 0 {
		retry = 3
	}
	return &Loop{device: device, group: group, tags: tags, client: client, sink: sink, reportStat: reportStat, retryCount: retry}
}

// Run blocks until ctx is cancelled, cycling through connect/poll/backoff.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.group.PollingIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	connected := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !connected {
			if err := l.connectWithBackoff(ctx); err != nil {
				// Only returns non-nil when ctx was cancelled mid-retry.
				return
			}
			connected = true
			l.reportStat(models.StateConnected, "")
		}

		if ok := l.pollUntilFailureStreak(ctx); !ok {
			return
		}
		// pollUntilFailureStreak returned because the failure streak was hit;
		// disconnect is implicit (the client itself owns that decision) — we
		// just mark disconnected and retry the connect phase after backoff.
		connected = false
		if !sleepOrDone(ctx, connectBackoff) {
			return
		}
	}
}

// connectWithBackoff retries Connect at a fixed connectBackoff interval,
// wrapping the transport-layer Connect call in a constant backoff.Backoff
// — the retry policy spec.md §4.D step 5 calls for, expressed with the
// same library the upstream client uses for retries instead of a
// hand-rolled sleep loop. Returns only once Connect succeeds or ctx is
// cancelled.
func (l *Loop) connectWithBackoff(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(connectBackoff), ctx)
	return backoff.Retry(func() error {
		l.reportStat(models.StateStarting, "")
		err := l.client.Connect(ctx)
		if err != nil {
			l.reportStat(models.StateError, err.Error())
			log.Warn().Str("device", l.device.ID).Str("group", l.group.ID).Err(err).Msg("scheduler connect failed")
		}
		return err
	}, policy)
}

// pollUntilFailureStreak ticks every interval, reading tags and appending
// entries, until N consecutive reads fail (N = device.retry_count) or ctx is
// cancelled. Returns false only when ctx was cancelled.
func (l *Loop) pollUntilFailureStreak(ctx context.Context) bool {
	interval := time.Duration(l.group.PollingIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var consecutiveFailures uint32

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		entries := l.client.Read(ctx, l.tags)
		if len(entries) == 0 {
			consecutiveFailures++
		} else {
			allBad := true
			for _, e := range entries {
				if e.Quality == models.QualityGood {
					allBad = false
				}
				l.appendSafely(ctx, e)
			}
			if allBad {
				consecutiveFailures++
			} else {
				consecutiveFailures = 0
				l.reportStat(models.StateReading, "")
			}
		}

		if consecutiveFailures >= l.retryCount {
			l.reportStat(models.StateError, "read failure streak exceeded retry_count")
			return true
		}
	}
}

// appendSafely writes one entry to the sink, swallowing panics/errors so a
// single bad append never aborts the poll loop (spec.md §4.F).
func (l *Loop) appendSafely(ctx context.Context, e models.LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("device", l.device.ID).Interface("panic", r).Msg("log sink panicked, entry dropped")
		}
	}()
	l.sink(ctx, e)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// GroupForTag resolves a tag's schedule group id, falling back to
// medium_freq per spec.md §4.D.
func GroupForTag(tag models.DeviceTag) string {
	if tag.ScheduleGroupID != "" {
		return tag.ScheduleGroupID
	}
	return models.ScheduleMedium
}

// PartitionByGroup splits enabled tags into buckets keyed by resolved
// schedule group id, skipping disabled tags. Disabled groups are filtered by
// the caller, which has the full group list.
func PartitionByGroup(tags []models.DeviceTag) map[string][]models.DeviceTag {
	out := make(map[string][]models.DeviceTag)
	for _, t := range tags {
		if !t.Enabled {
			continue
		}
		gid := GroupForTag(t)
		out[gid] = append(out[gid], t)
	}
	// Reads are issued serially in address order within a loop (spec.md §4.D).
	for gid := range out {
		bucket := out[gid]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Address < bucket[j].Address })
		out[gid] = bucket
	}
	return out
}
