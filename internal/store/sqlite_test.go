package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avagate/gateway/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateSeedsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	models_, err := s.ListDeviceModels(ctx)
	require.NoError(t, err)
	assert.Len(t, models_, 3)

	templates, err := s.ListTagTemplates(ctx, "sungrow_1")
	require.NoError(t, err)
	assert.Len(t, templates, 7)

	groups, err := s.ListScheduleGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 4)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	models_, err := s.ListDeviceModels(ctx)
	require.NoError(t, err)
	assert.Len(t, models_, 3) // INSERT OR IGNORE: no duplicates
}

func TestDeviceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &models.DeviceInstance{
		ID:                "dev-1",
		Name:              "Inverter 1",
		ModelID:           "sungrow_1",
		Enabled:           true,
		PollingIntervalMs: 1000,
		TimeoutMs:         5000,
		RetryCount:        3,
		Protocol: models.ProtocolConfig{
			Type: models.ProtocolModbusTCP,
			Host: "10.0.0.5",
			Port: 502,
		},
	}
	require.NoError(t, s.UpsertDevice(ctx, d))

	got, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Inverter 1", got.Name)
	assert.Equal(t, models.ProtocolModbusTCP, got.Protocol.Type)
	assert.Equal(t, "10.0.0.5", got.Protocol.Host)

	_, err = s.GetDevice(ctx, "missing")
	assert.Error(t, err)

	list, err := s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteDevice(ctx, "dev-1"))
	_, err = s.GetDevice(ctx, "dev-1")
	assert.Error(t, err)
}

func TestDeviceTagRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDevice(ctx, &models.DeviceInstance{ID: "dev-2", Name: "d2"}))

	tag := &models.DeviceTag{
		DeviceID: "dev-2",
		Name:     "temp",
		Address:  100,
		Size:     1,
		DataType: "I16",
		Enabled:  true,
	}
	require.NoError(t, s.UpsertDeviceTag(ctx, tag))
	assert.NotZero(t, tag.ID)

	tags, err := s.GetDeviceTags(ctx, "dev-2")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "temp", tags[0].Name)

	require.NoError(t, s.DeleteDeviceTag(ctx, tag.ID))
	tags, err = s.GetDeviceTags(ctx, "dev-2")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestLogEnforceCapDeletesExactlyOverflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.LogAppend(ctx, &models.LogEntry{
			DeviceID:  "dev-1",
			TagName:   "t",
			Value:     float64(i),
			Quality:   models.QualityGood,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	deleted, err := s.LogEnforceCap(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	logs, err := s.ListLogs(ctx, models.LogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 7)

	deleted, err = s.LogEnforceCap(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestListLogsFilterAndOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.LogAppend(ctx, &models.LogEntry{
			DeviceID:  "dev-a",
			TagName:   "t",
			Value:     float64(i),
			Quality:   models.QualityGood,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	logs, err := s.ListLogs(ctx, models.LogFilter{DeviceID: "dev-a", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	// Ordered newest-first: offset 1 skips the newest (value 4), returns 3 then 2.
	assert.Equal(t, 3.0, logs[0].Value)
	assert.Equal(t, 2.0, logs[1].Value)
}

func TestDeviceAvaTypePriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDeviceModel(ctx, &models.DeviceModel{ID: "m1", Name: "Acme Inverter"}))
	require.NoError(t, s.UpsertDevice(ctx, &models.DeviceInstance{ID: "dev-ava", Name: "d", ModelID: "m1"}))

	require.NoError(t, s.BulkUpsertTagRegisters(ctx, []models.ModbusTcpTagRegister{
		{DeviceBrand: "Acme", DeviceModel: "Acme Inverter", AvaType: models.AvaMPPT, DataLabel: "mppt1", Address: 1, Size: 1, ModbusType: models.TypeU16, Divider: 1, RegisterType: models.RegisterHolding},
		{DeviceBrand: "Acme", DeviceModel: "Acme Inverter", AvaType: models.AvaInverter, DataLabel: "inv1", Address: 2, Size: 1, ModbusType: models.TypeU16, Divider: 1, RegisterType: models.RegisterHolding},
	}))

	ava, err := s.DeviceAvaType(ctx, "dev-ava")
	require.NoError(t, err)
	assert.Equal(t, models.AvaInverter, ava) // Inverter outranks MPPT
}

func TestPlantConfigDefaultsUnconfigured(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetPlantConfig(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.Configured())

	require.NoError(t, s.UpsertPlantConfig(ctx, &models.PlantConfiguration{PlantName: "Solar Farm 1", UpstreamGroupID: "grp-1"}))
	cfg, err = s.GetPlantConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.Configured())
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{
		Token:     "abc123",
		Username:  "operator",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "operator", got.Username)

	require.NoError(t, s.DeleteSession(ctx, "abc123"))
	_, err = s.GetSession(ctx, "abc123")
	assert.Error(t, err)
}
