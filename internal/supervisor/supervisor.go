// Package supervisor implements the per-device lifecycle state machine
// described in spec.md §4.E: start/stop, one shared protocol client per
// device, one scheduler.Loop per (device, schedule group), and the status
// and log writes those loops report. Periodic log cap enforcement runs
// separately, in internal/retention. It is grounded on the teacher's keyed mutex-guarded
// registry (internal/process/manager.go), generalized from agent processes
// to field devices.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/models"
	"github.com/avagate/gateway/internal/protocol"
	"github.com/avagate/gateway/internal/scheduler"
	"github.com/avagate/gateway/internal/store"
)

// running tracks one device's active loops and shared client.
type running struct {
	cancel context.CancelFunc
	client protocol.Client
	loops  int
}

// Supervisor owns the registry of running devices.
type Supervisor struct {
	mu      sync.RWMutex
	devices map[string]*running // key: device id

	store store.Store
}

// New builds a Supervisor backed by store for config, tags, groups, logs,
// and status.
func New(st store.Store) *Supervisor {
	return &Supervisor{devices: make(map[string]*running), store: st}
}

// IsRunning reports whether at least one loop exists for deviceID.
func (s *Supervisor) IsRunning(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.devices[deviceID]
	return ok && r.loops > 0
}

// Start stops any existing loops for the device, reloads its config/tags/
// groups from the store, and spawns one loop per schedule group with at
// least one enabled tag.
func (s *Supervisor) Start(ctx context.Context, deviceID string) error {
	s.Stop(ctx, deviceID)

	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("supervisor: load device %s: %w", deviceID, err)
	}
	tags, err := s.store.GetDeviceTags(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("supervisor: load tags for %s: %w", deviceID, err)
	}
	groups, err := s.store.ListScheduleGroups(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: load schedule groups: %w", err)
	}
	enabledGroups := make(map[string]models.ScheduleGroup, len(groups))
	for _, g := range groups {
		if g.Enabled {
			enabledGroups[g.ID] = g
		}
	}

	s.writeStatus(ctx, deviceID, models.StateStarting, "")

	rawClient, err := protocol.New(*device)
	if err != nil {
		s.writeStatus(ctx, deviceID, models.StateError, err.Error())
		return fmt.Errorf("supervisor: build protocol client for %s: %w", deviceID, err)
	}
	// Every schedule-group loop below shares this one Client instance; wrap
	// it so concurrent loops serialize their Connect/Read calls instead of
	// racing the transport (spec.md §4.A, §5 — "the shared client enforces
	// mutual exclusion").
	client := protocol.Serialize(rawClient)

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, client: client}

	buckets := scheduler.PartitionByGroup(tags)
	for gid, groupTags := range buckets {
		group, ok := enabledGroups[gid]
		if !ok || len(groupTags) == 0 {
			continue
		}
		loop := scheduler.NewLoop(*device, group, groupTags, client,
			func(ctx context.Context, e models.LogEntry) { s.appendLog(ctx, e) },
			func(state models.DeviceState, errMsg string) { s.writeStatus(context.Background(), deviceID, state, errMsg) },
		)
		r.loops++
		go loop.Run(loopCtx)
	}

	s.mu.Lock()
	s.devices[deviceID] = r
	s.mu.Unlock()

	if r.loops == 0 {
		// No enabled tags: device is "started" with zero loops, per §4.D.
		log.Info().Str("device", deviceID).Msg("device started with no enabled tags, no loops spawned")
	}
	return nil
}

// Stop cancels all loops for a device and disconnects its shared client
// (best-effort; disconnect errors are logged, never returned).
func (s *Supervisor) Stop(ctx context.Context, deviceID string) {
	s.mu.Lock()
	r, ok := s.devices[deviceID]
	if ok {
		delete(s.devices, deviceID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	r.cancel()
	if r.client != nil {
		if err := r.client.Disconnect(); err != nil {
			log.Warn().Str("device", deviceID).Err(err).Msg("error disconnecting device client on stop")
		}
	}
	s.writeStatus(ctx, deviceID, models.StateStopped, "")
}

// StopAll cancels every running device's loops. Called on server shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Stop(ctx, id)
	}
}

func (s *Supervisor) writeStatus(ctx context.Context, deviceID string, state models.DeviceState, errMessage string) {
	existing, _ := s.store.GetDeviceStatus(ctx, deviceID)
	connCount := int64(0)
	if existing != nil {
		connCount = existing.ConnectionCount
	}
	if state == models.StateConnected && (existing == nil || existing.State != models.StateConnected) {
		connCount++
	}
	status := &models.DeviceStatus{
		DeviceID:        deviceID,
		State:           state,
		LastUpdate:      time.Now().UTC(),
		ErrorMessage:    errMessage,
		ConnectionCount: connCount,
	}
	if err := s.store.UpsertDeviceStatus(ctx, status); err != nil {
		log.Warn().Str("device", deviceID).Err(err).Msg("failed to persist device status")
	}
}

func (s *Supervisor) appendLog(ctx context.Context, e models.LogEntry) {
	if err := s.store.LogAppend(ctx, &e); err != nil {
		log.Warn().Str("device", e.DeviceID).Str("tag", e.TagName).Err(err).Msg("failed to append log entry")
	}
}
