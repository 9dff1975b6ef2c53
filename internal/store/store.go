// Package store provides the tag catalog store interface and its embedded
// SQLite implementation. All handler and scheduler code depends on the
// Store interface, not the concrete SQLite type, so tests can swap in an
// in-memory fake.
package store

import (
	"context"
	"time"

	"github.com/avagate/gateway/internal/models"
)

// Store is the durable, single-writer relational store backing the
// gateway: device catalog, tag catalog, schedules, logs, status, plant
// config, and sessions.
type Store interface {
	DeviceStore
	DeviceTagStore
	ScheduleGroupStore
	CatalogRegisterStore
	DeviceModelStore
	LogStore
	StatusStore
	PlantConfigStore
	SessionStore

	// Ping checks whether the underlying connection is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs idempotent schema migrations and seeds defaults.
	Migrate(ctx context.Context) error
}

// ── Device Store ────────────────────────────────────────────

type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*models.DeviceInstance, error)
	ListDevices(ctx context.Context) ([]models.DeviceInstance, error)
	ListDevicesByGroup(ctx context.Context, upstreamGroupID string) ([]models.DeviceInstance, error)
	ListUnsyncedDevices(ctx context.Context) ([]models.DeviceInstance, error)
	UpsertDevice(ctx context.Context, device *models.DeviceInstance) error
	DeleteDevice(ctx context.Context, id string) error
	DeviceAvaType(ctx context.Context, deviceID string) (models.AvaType, error)
}

// ── Device Tag Store ────────────────────────────────────────

type DeviceTagStore interface {
	GetDeviceTags(ctx context.Context, deviceID string) ([]models.DeviceTag, error)
	UpsertDeviceTag(ctx context.Context, tag *models.DeviceTag) error
	DeleteDeviceTag(ctx context.Context, id int64) error
}

// ── Schedule Group Store ────────────────────────────────────

type ScheduleGroupStore interface {
	ListScheduleGroups(ctx context.Context) ([]models.ScheduleGroup, error)
	GetScheduleGroup(ctx context.Context, id string) (*models.ScheduleGroup, error)
	UpsertScheduleGroup(ctx context.Context, group *models.ScheduleGroup) error
	DeleteScheduleGroup(ctx context.Context, id string) error
}

// ── Device Model Store ──────────────────────────────────────

type DeviceModelStore interface {
	ListDeviceModels(ctx context.Context) ([]models.DeviceModel, error)
	GetDeviceModel(ctx context.Context, id string) (*models.DeviceModel, error)
	UpsertDeviceModel(ctx context.Context, model *models.DeviceModel) error
	DeleteDeviceModel(ctx context.Context, id string) error
	ListTagTemplates(ctx context.Context, modelID string) ([]models.TagTemplate, error)
}

// ── Catalog Register Store ──────────────────────────────────

// CatalogRegisterStore manages the ModbusTcpTagRegister topology catalog
// (§4.C / §4.G: brand+model+address+mppt+input keyed rows).
type CatalogRegisterStore interface {
	// BulkUpsertTagRegisters inserts rows in one transaction; conflict on
	// (brand, model, address, mppt, input) replaces the row.
	BulkUpsertTagRegisters(ctx context.Context, rows []models.ModbusTcpTagRegister) error

	ListTagRegisters(ctx context.Context, filter RegisterFilter) ([]models.ModbusTcpTagRegister, error)

	// GetTagRegistersByModelID resolves a device model id to its
	// manufacturer+name and returns the distinct catalog rows for that pair.
	GetTagRegistersByModelID(ctx context.Context, modelID string) ([]models.ModbusTcpTagRegister, error)
}

// RegisterFilter narrows ListTagRegisters by any combination of fields.
type RegisterFilter struct {
	ModelID     string
	DeviceBrand string
	DeviceModel string
}

// ── Log Store ────────────────────────────────────────────────

type LogStore interface {
	LogAppend(ctx context.Context, entry *models.LogEntry) error
	// LogEnforceCap deletes the oldest rows ordered by timestamp ascending
	// until the total is at most max, returning the number deleted.
	LogEnforceCap(ctx context.Context, max int) (int, error)
	ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error)
}

// ── Status Store ─────────────────────────────────────────────

type StatusStore interface {
	UpsertDeviceStatus(ctx context.Context, status *models.DeviceStatus) error
	GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error)
	ListDeviceStatuses(ctx context.Context) ([]models.DeviceStatus, error)
}

// ── Plant Config Store ───────────────────────────────────────

type PlantConfigStore interface {
	GetPlantConfig(ctx context.Context) (*models.PlantConfiguration, error)
	UpsertPlantConfig(ctx context.Context, cfg *models.PlantConfiguration) error
}

// ── Session Store ────────────────────────────────────────────

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
}

// ── Errors ────────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ───────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
