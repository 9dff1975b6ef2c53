package topology

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/models"
	"github.com/avagate/gateway/internal/store"
	"github.com/avagate/gateway/internal/upstream"
)

// Syncer publishes the device catalog's inverter hierarchy to the upstream
// platform, grounded on original_source's sync_device_hierarchy_to_thingsboard:
// every enabled device becomes an Inverter node plus its MPPT/String
// children, created idempotently (an "already exists" response is not an
// error) under the plant's configured entity group.
type Syncer struct {
	store    store.Store
	upstream *upstream.Client
}

// NewSyncer builds a Syncer against st and an already-logged-in upstream client.
func NewSyncer(st store.Store, client *upstream.Client) *Syncer {
	return &Syncer{store: st, upstream: client}
}

// Sync publishes every enabled device under entityGroupID and returns a
// SyncReport summarizing what was created, updated, or failed (spec.md §6
// POST /api/sync-thingsboard response shape).
func (s *Syncer) Sync(ctx context.Context, entityGroupID string) (models.SyncReport, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return models.SyncReport{}, fmt.Errorf("topology: list devices: %w", err)
	}

	report := models.SyncReport{}
	var inverterIndex uint32

	for _, device := range devices {
		if !device.Enabled {
			continue
		}
		inverterIndex++
		report.TotalDevices++

		tags, err := s.store.GetDeviceTags(ctx, device.ID)
		if err != nil {
			report.FailedCount++
			report.FailedDevices = append(report.FailedDevices, models.FailedDevice{Name: device.Name, Error: err.Error()})
			continue
		}

		hierarchy := Materialize(tags, entityGroupID, inverterIndex)
		customer := groupPrefix(entityGroupID)

		failed := false
		for _, node := range hierarchy.AllNodes() {
			created, err := s.upstream.CreateDevice(ctx, entityGroupID, upstream.Device{
				Name:  node.Name,
				Type:  string(node.Kind),
				Label: node.Label,
			})
			if err != nil && err != upstream.ErrAlreadyExists {
				log.Warn().Str("device", device.ID).Str("node", node.Name).Err(err).Msg("topology sync: create device failed")
				failed = true
				break
			}
			if err == upstream.ErrAlreadyExists {
				continue
			}
			if attrErr := s.upstream.UpdateAttributes(ctx, created.ID, Attributes(node, hierarchy, customer)); attrErr != nil {
				log.Warn().Str("device", device.ID).Str("node", node.Name).Err(attrErr).Msg("topology sync: update attributes failed")
			}
			report.UpdatedDeviceIDs = append(report.UpdatedDeviceIDs, created.ID)
		}

		if failed {
			report.FailedCount++
			report.FailedDevices = append(report.FailedDevices, models.FailedDevice{Name: device.Name, Error: "upstream device creation failed"})
			continue
		}
		report.CreatedCount++
	}

	return report, nil
}
