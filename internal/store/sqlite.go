package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/avagate/gateway/internal/models"
)

// SQLiteStore implements Store over a single embedded SQLite file, guarded
// by one mutex around the whole connection — the gateway is single-writer
// by design, so there is no pooling to configure.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (or reuses) the SQLite database file at path and runs
// migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single logical connection per spec.md §4.C concurrency discipline

	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Migrate creates tables/indexes if absent and is safe to call repeatedly:
// ALTER TABLE ADD COLUMN failures because the column already exists are
// ignored, mirroring original_source's migration idiom.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	for _, stmt := range addColumnStatements {
		s.db.ExecContext(ctx, stmt) // ignore errors: column already present
	}
	if err := s.seedDefaults(ctx); err != nil {
		return fmt.Errorf("store: seed defaults: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		tag_name TEXT NOT NULL,
		value REAL NOT NULL,
		quality TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		unit TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS device_status (
		device_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_update TEXT NOT NULL,
		error_message TEXT,
		connection_count INTEGER DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS device_models (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		manufacturer TEXT,
		protocol_type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tag_templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model_id TEXT NOT NULL,
		name TEXT NOT NULL,
		address INTEGER NOT NULL,
		data_type TEXT NOT NULL,
		description TEXT,
		scaling_multiplier REAL DEFAULT 1.0,
		scaling_offset REAL DEFAULT 0.0,
		unit TEXT,
		read_only INTEGER DEFAULT 0,
		FOREIGN KEY (model_id) REFERENCES device_models (id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		serial_number TEXT,
		model_id TEXT,
		enabled INTEGER DEFAULT 0,
		polling_interval_ms INTEGER DEFAULT 1000,
		timeout_ms INTEGER DEFAULT 5000,
		retry_count INTEGER DEFAULT 3,
		protocol_config TEXT NOT NULL,
		upstream_device_id TEXT,
		upstream_group_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (model_id) REFERENCES device_models (id) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		name TEXT NOT NULL,
		address INTEGER NOT NULL,
		size INTEGER NOT NULL DEFAULT 1,
		data_type TEXT NOT NULL,
		description TEXT,
		scaling_multiplier REAL DEFAULT 1.0,
		scaling_offset REAL DEFAULT 0.0,
		unit TEXT,
		read_only INTEGER DEFAULT 0,
		enabled INTEGER DEFAULT 1,
		schedule_group_id TEXT,
		byte_order TEXT,
		FOREIGN KEY (device_id) REFERENCES devices (id) ON DELETE CASCADE,
		FOREIGN KEY (schedule_group_id) REFERENCES schedule_groups (id) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schedule_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		polling_interval_ms INTEGER NOT NULL,
		description TEXT,
		enabled INTEGER DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS modbus_tcp_tag_registers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_brand TEXT NOT NULL,
		device_model TEXT NOT NULL,
		ava_type TEXT NOT NULL,
		mppt INTEGER,
		input INTEGER,
		data_label TEXT NOT NULL,
		address INTEGER NOT NULL,
		size INTEGER NOT NULL,
		modbus_type TEXT NOT NULL,
		divider REAL NOT NULL DEFAULT 1.0,
		register_type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(device_brand, device_model, address, mppt, input)
	)`,
	`CREATE TABLE IF NOT EXISTS plant_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		plant_name TEXT NOT NULL,
		upstream_group_id TEXT,
		last_sync_time TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_device_timestamp ON log_entries(device_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp ON log_entries(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_tag_templates_model ON tag_templates(model_id)`,
	`CREATE INDEX IF NOT EXISTS idx_device_tags_device ON device_tags(device_id)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_model ON devices(model_id)`,
	`CREATE INDEX IF NOT EXISTS idx_modbus_tcp_device ON modbus_tcp_tag_registers(device_brand, device_model)`,
	`CREATE INDEX IF NOT EXISTS idx_modbus_tcp_address ON modbus_tcp_tag_registers(address)`,
	`CREATE INDEX IF NOT EXISTS idx_modbus_tcp_ava_type ON modbus_tcp_tag_registers(ava_type)`,
	`CREATE INDEX IF NOT EXISTS idx_modbus_tcp_mppt_input ON modbus_tcp_tag_registers(mppt, input)`,
}

// addColumnStatements are ALTER TABLE migrations applied to pre-existing
// databases; errors (column already present) are ignored by the caller.
var addColumnStatements = []string{
	`ALTER TABLE device_tags ADD COLUMN byte_order TEXT`,
	`ALTER TABLE devices ADD COLUMN upstream_device_id TEXT`,
	`ALTER TABLE devices ADD COLUMN upstream_group_id TEXT`,
	`ALTER TABLE devices ADD COLUMN serial_number TEXT`,
}

func (s *SQLiteStore) seedDefaults(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)

	models := []struct{ id, name, description, manufacturer, protocol string }{
		{"custom", "Custom Device", "Generic device model without predefined tags", "Various", "any"},
		{"sungrow_1", "Sungrow Inverter", "Sungrow Solar Inverter", "Sungrow", "modbus_tcp"},
		{"iec104_rtu", "IEC 104 RTU", "Generic IEC 60870-5-104 Remote Terminal Unit", "Various", "iec104"},
	}
	for _, m := range models {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO device_models (id, name, description, manufacturer, protocol_type, created_at, updated_at)
			 VALUES (?,?,?,?,?,?,?)`,
			m.id, m.name, m.description, m.manufacturer, m.protocol, now, now); err != nil {
			return err
		}
	}

	type tagSeed struct {
		name, dataType, description, unit string
		address                           int
		multiplier, offset                float64
	}
	m221Tags := []tagSeed{
		{"system_status", "uint16", "System status register", "", 1, 1.0, 0.0},
		{"production_count", "uint32", "Production counter", "units", 100, 1.0, 0.0},
		{"temperature_1", "int16", "Temperature sensor 1", "°C", 200, 0.1, 0.0},
		{"temperature_2", "int16", "Temperature sensor 2", "°C", 201, 0.1, 0.0},
		{"pressure_1", "uint16", "Pressure sensor 1", "bar", 300, 0.01, 0.0},
		{"flow_rate", "uint32", "Flow rate measurement", "L/min", 400, 0.1, 0.0},
		{"alarm_status", "uint16", "Alarm status register", "", 500, 1.0, 0.0},
	}
	for _, t := range m221Tags {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO tag_templates (model_id, name, address, data_type, description, scaling_multiplier, scaling_offset, unit, read_only)
			 SELECT ?,?,?,?,?,?,?,?,0
			 WHERE NOT EXISTS (SELECT 1 FROM tag_templates WHERE model_id = ? AND name = ?)`,
			"sungrow_1", t.name, t.address, t.dataType, t.description, t.multiplier, t.offset, nullableString(t.unit),
			"sungrow_1", t.name); err != nil {
			return err
		}
	}

	for _, g := range models2ScheduleGroups() {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schedule_groups (id, name, polling_interval_ms, description, enabled, created_at, updated_at)
			 VALUES (?,?,?,?,?,?,?)`,
			g.ID, g.Name, g.PollingIntervalMs, "", true, now, now); err != nil {
			return err
		}
	}
	return nil
}

func models2ScheduleGroups() []models.ScheduleGroup { return models.DefaultScheduleGroups() }

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ── Devices ──────────────────────────────────────────────────

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *models.DeviceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	protoJSON, err := json.Marshal(d.Protocol)
	if err != nil {
		return fmt.Errorf("store: marshal protocol config: %w", err)
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, serial_number, model_id, enabled, polling_interval_ms, timeout_ms, retry_count,
			protocol_config, upstream_device_id, upstream_group_id, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, serial_number=excluded.serial_number, model_id=excluded.model_id,
			enabled=excluded.enabled, polling_interval_ms=excluded.polling_interval_ms,
			timeout_ms=excluded.timeout_ms, retry_count=excluded.retry_count,
			protocol_config=excluded.protocol_config, upstream_device_id=excluded.upstream_device_id,
			upstream_group_id=excluded.upstream_group_id, updated_at=excluded.updated_at`,
		d.ID, d.Name, nullableString(d.SerialNumber), nullableString(d.ModelID), d.Enabled,
		d.PollingIntervalMs, d.TimeoutMs, d.RetryCount, string(protoJSON),
		nullableString(d.UpstreamDeviceID), nullableString(d.UpstreamGroupID),
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*models.DeviceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, serial_number, model_id, enabled, polling_interval_ms, timeout_ms, retry_count,
			protocol_config, upstream_device_id, upstream_group_id, created_at, updated_at
		 FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "device", Key: id}
	}
	return d, err
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]models.DeviceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, serial_number, model_id, enabled, polling_interval_ms, timeout_ms, retry_count,
			protocol_config, upstream_device_id, upstream_group_id, created_at, updated_at
		 FROM devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (s *SQLiteStore) ListDevicesByGroup(ctx context.Context, upstreamGroupID string) ([]models.DeviceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, serial_number, model_id, enabled, polling_interval_ms, timeout_ms, retry_count,
			protocol_config, upstream_device_id, upstream_group_id, created_at, updated_at
		 FROM devices WHERE upstream_group_id = ? ORDER BY name`, upstreamGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (s *SQLiteStore) ListUnsyncedDevices(ctx context.Context) ([]models.DeviceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, serial_number, model_id, enabled, polling_interval_ms, timeout_ms, retry_count,
			protocol_config, upstream_device_id, upstream_group_id, created_at, updated_at
		 FROM devices WHERE upstream_device_id IS NULL OR upstream_device_id = '' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_tags WHERE device_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_status WHERE device_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeviceAvaType(ctx context.Context, deviceID string) (models.AvaType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT mtr.ava_type
		FROM devices d
		JOIN device_models dm ON d.model_id = dm.id
		JOIN modbus_tcp_tag_registers mtr ON dm.name = mtr.device_model
		WHERE d.id = ?`, deviceID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	present := map[models.AvaType]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return "", err
		}
		present[models.AvaType(t)] = true
	}
	for _, candidate := range models.AvaTypePriority {
		if present[candidate] {
			return candidate, nil
		}
	}
	for t := range present {
		return t, nil // any type present but not in the priority table
	}
	return "", &ErrNotFound{Entity: "device_ava_type", Key: deviceID}
}

func scanDevice(row *sql.Row) (*models.DeviceInstance, error) {
	var d models.DeviceInstance
	var serial, modelID, upDevice, upGroup sql.NullString
	var protoJSON string
	var created, updated string

	err := row.Scan(&d.ID, &d.Name, &serial, &modelID, &d.Enabled, &d.PollingIntervalMs, &d.TimeoutMs,
		&d.RetryCount, &protoJSON, &upDevice, &upGroup, &created, &updated)
	if err != nil {
		return nil, err
	}
	return finishDeviceScan(&d, serial, modelID, upDevice, upGroup, protoJSON, created, updated)
}

func scanDevices(rows *sql.Rows) ([]models.DeviceInstance, error) {
	var out []models.DeviceInstance
	for rows.Next() {
		var d models.DeviceInstance
		var serial, modelID, upDevice, upGroup sql.NullString
		var protoJSON string
		var created, updated string

		if err := rows.Scan(&d.ID, &d.Name, &serial, &modelID, &d.Enabled, &d.PollingIntervalMs, &d.TimeoutMs,
			&d.RetryCount, &protoJSON, &upDevice, &upGroup, &created, &updated); err != nil {
			return nil, err
		}
		dev, err := finishDeviceScan(&d, serial, modelID, upDevice, upGroup, protoJSON, created, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, *dev)
	}
	return out, rows.Err()
}

func finishDeviceScan(d *models.DeviceInstance, serial, modelID, upDevice, upGroup sql.NullString, protoJSON, created, updated string) (*models.DeviceInstance, error) {
	d.SerialNumber = serial.String
	d.ModelID = modelID.String
	d.UpstreamDeviceID = upDevice.String
	d.UpstreamGroupID = upGroup.String
	if err := json.Unmarshal([]byte(protoJSON), &d.Protocol); err != nil {
		return nil, fmt.Errorf("store: unmarshal protocol config for %s: %w", d.ID, err)
	}
	var err error
	d.CreatedAt, err = time.Parse(time.RFC3339, created)
	if err != nil {
		return nil, err
	}
	d.UpdatedAt, err = time.Parse(time.RFC3339, updated)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ── Device Tags ──────────────────────────────────────────────

func (s *SQLiteStore) GetDeviceTags(ctx context.Context, deviceID string) ([]models.DeviceTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, name, address, size, data_type, description, scaling_multiplier, scaling_offset,
			unit, read_only, enabled, schedule_group_id, byte_order
		 FROM device_tags WHERE device_id = ? ORDER BY address`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeviceTag
	for rows.Next() {
		var t models.DeviceTag
		var description, unit, group, order sql.NullString
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Name, &t.Address, &t.Size, &t.DataType, &description,
			&t.ScalingMultiplier, &t.ScalingOffset, &unit, &t.ReadOnly, &t.Enabled, &group, &order); err != nil {
			return nil, err
		}
		t.Description = description.String
		t.Unit = unit.String
		t.ScheduleGroupID = group.String
		t.ByteOrder = models.ByteOrder(order.String)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertDeviceTag(ctx context.Context, t *models.DeviceTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO device_tags (device_id, name, address, size, data_type, description, scaling_multiplier,
				scaling_offset, unit, read_only, enabled, schedule_group_id, byte_order)
			 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.DeviceID, t.Name, t.Address, t.Size, t.DataType, nullableString(t.Description),
			t.ScalingMultiplier, t.ScalingOffset, nullableString(t.Unit), t.ReadOnly, t.Enabled,
			nullableString(t.ScheduleGroupID), nullableString(string(t.ByteOrder)))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		t.ID = id
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE device_tags SET name=?, address=?, size=?, data_type=?, description=?, scaling_multiplier=?,
			scaling_offset=?, unit=?, read_only=?, enabled=?, schedule_group_id=?, byte_order=? WHERE id=?`,
		t.Name, t.Address, t.Size, t.DataType, nullableString(t.Description), t.ScalingMultiplier,
		t.ScalingOffset, nullableString(t.Unit), t.ReadOnly, t.Enabled, nullableString(t.ScheduleGroupID),
		nullableString(string(t.ByteOrder)), t.ID)
	return err
}

func (s *SQLiteStore) DeleteDeviceTag(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_tags WHERE id = ?`, id)
	return err
}

// ── Schedule Groups ──────────────────────────────────────────

func (s *SQLiteStore) ListScheduleGroups(ctx context.Context) ([]models.ScheduleGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, polling_interval_ms, enabled, created_at, updated_at FROM schedule_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScheduleGroup
	for rows.Next() {
		var g models.ScheduleGroup
		var created, updated string
		if err := rows.Scan(&g.ID, &g.Name, &g.PollingIntervalMs, &g.Enabled, &created, &updated); err != nil {
			return nil, err
		}
		g.CreatedAt, _ = time.Parse(time.RFC3339, created)
		g.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetScheduleGroup(ctx context.Context, id string) (*models.ScheduleGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, polling_interval_ms, enabled, created_at, updated_at FROM schedule_groups WHERE id = ?`, id)
	var g models.ScheduleGroup
	var created, updated string
	err := row.Scan(&g.ID, &g.Name, &g.PollingIntervalMs, &g.Enabled, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "schedule_group", Key: id}
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt, _ = time.Parse(time.RFC3339, created)
	g.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &g, nil
}

func (s *SQLiteStore) UpsertScheduleGroup(ctx context.Context, g *models.ScheduleGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_groups (id, name, polling_interval_ms, enabled, created_at, updated_at)
		 VALUES (?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, polling_interval_ms=excluded.polling_interval_ms,
			enabled=excluded.enabled, updated_at=excluded.updated_at`,
		g.ID, g.Name, g.PollingIntervalMs, g.Enabled, g.CreatedAt.Format(time.RFC3339), g.UpdatedAt.Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) DeleteScheduleGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule_groups WHERE id = ?`, id)
	return err
}

// ── Device Models ────────────────────────────────────────────

func (s *SQLiteStore) ListDeviceModels(ctx context.Context) ([]models.DeviceModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, manufacturer, protocol_type, created_at, updated_at FROM device_models ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeviceModel
	for rows.Next() {
		var m models.DeviceModel
		var description, manufacturer sql.NullString
		var created, updated string
		if err := rows.Scan(&m.ID, &m.Name, &description, &manufacturer, &m.Protocol, &created, &updated); err != nil {
			return nil, err
		}
		m.Description = description.String
		m.Manufacturer = manufacturer.String
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		m.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetDeviceModel(ctx context.Context, id string) (*models.DeviceModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, manufacturer, protocol_type, created_at, updated_at FROM device_models WHERE id = ?`, id)
	var m models.DeviceModel
	var description, manufacturer sql.NullString
	var created, updated string
	err := row.Scan(&m.ID, &m.Name, &description, &manufacturer, &m.Protocol, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "device_model", Key: id}
	}
	if err != nil {
		return nil, err
	}
	m.Description = description.String
	m.Manufacturer = manufacturer.String
	m.CreatedAt, _ = time.Parse(time.RFC3339, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &m, nil
}

func (s *SQLiteStore) UpsertDeviceModel(ctx context.Context, m *models.DeviceModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_models (id, name, description, manufacturer, protocol_type, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
			manufacturer=excluded.manufacturer, protocol_type=excluded.protocol_type, updated_at=excluded.updated_at`,
		m.ID, m.Name, nullableString(m.Description), nullableString(m.Manufacturer), string(m.Protocol),
		m.CreatedAt.Format(time.RFC3339), m.UpdatedAt.Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) DeleteDeviceModel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_models WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ListTagTemplates(ctx context.Context, modelID string) ([]models.TagTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_id, name, address, data_type, description, scaling_multiplier, scaling_offset, unit, read_only
		 FROM tag_templates WHERE model_id = ? ORDER BY address`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TagTemplate
	for rows.Next() {
		var t models.TagTemplate
		var description, unit sql.NullString
		if err := rows.Scan(&t.ID, &t.ModelID, &t.Name, &t.Address, &t.DataType, &description,
			&t.Divider, &t.Offset, &unit, &t.ReadOnly); err != nil {
			return nil, err
		}
		t.Description = description.String
		t.Unit = unit.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// ── Catalog Registers ────────────────────────────────────────

func (s *SQLiteStore) BulkUpsertTagRegisters(ctx context.Context, rowsIn []models.ModbusTcpTagRegister) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO modbus_tcp_tag_registers
			(device_brand, device_model, ava_type, mppt, input, data_label, address, size, modbus_type,
			 divider, register_type, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(device_brand, device_model, address, mppt, input) DO UPDATE SET
			ava_type=excluded.ava_type, data_label=excluded.data_label, size=excluded.size,
			modbus_type=excluded.modbus_type, divider=excluded.divider, register_type=excluded.register_type,
			updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rowsIn {
		if _, err := stmt.ExecContext(ctx, r.DeviceBrand, r.DeviceModel, string(r.AvaType),
			nullableInt(r.Mppt), nullableInt(r.Input), r.DataLabel, r.Address, r.Size, string(r.ModbusType),
			r.Divider, string(r.RegisterType), now, now); err != nil {
			return fmt.Errorf("store: upsert tag register %s/%s@%d: %w", r.DeviceBrand, r.DeviceModel, r.Address, err)
		}
	}
	return tx.Commit()
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s *SQLiteStore) ListTagRegisters(ctx context.Context, filter RegisterFilter) ([]models.ModbusTcpTagRegister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT mtr.id, mtr.device_brand, mtr.device_model, mtr.ava_type, mtr.mppt, mtr.input,
		mtr.data_label, mtr.address, mtr.size, mtr.modbus_type, mtr.divider, mtr.register_type,
		mtr.created_at, mtr.updated_at
		FROM modbus_tcp_tag_registers mtr`
	var args []any
	var conditions []string
	if filter.ModelID != "" {
		query += ` JOIN device_models dm ON dm.name = mtr.device_model`
		conditions = append(conditions, `dm.id = ?`)
		args = append(args, filter.ModelID)
	}
	if filter.DeviceBrand != "" {
		conditions = append(conditions, `mtr.device_brand = ?`)
		args = append(args, filter.DeviceBrand)
	}
	if filter.DeviceModel != "" {
		conditions = append(conditions, `mtr.device_model = ?`)
		args = append(args, filter.DeviceModel)
	}
	if len(conditions) > 0 {
		query += ` WHERE `
		for i, c := range conditions {
			if i > 0 {
				query += ` AND `
			}
			query += c
		}
	}
	query += ` ORDER BY mtr.address`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTagRegisters(rows)
}

func (s *SQLiteStore) GetTagRegistersByModelID(ctx context.Context, modelID string) ([]models.ModbusTcpTagRegister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT mtr.id, mtr.device_brand, mtr.device_model, mtr.ava_type, mtr.mppt, mtr.input,
			mtr.data_label, mtr.address, mtr.size, mtr.modbus_type, mtr.divider, mtr.register_type,
			mtr.created_at, mtr.updated_at
		FROM device_models dm
		JOIN modbus_tcp_tag_registers mtr ON mtr.device_model = dm.name AND mtr.device_brand = dm.manufacturer
		WHERE dm.id = ?
		ORDER BY mtr.address`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTagRegisters(rows)
}

func scanTagRegisters(rows *sql.Rows) ([]models.ModbusTcpTagRegister, error) {
	var out []models.ModbusTcpTagRegister
	for rows.Next() {
		var r models.ModbusTcpTagRegister
		var mppt, input sql.NullInt64
		var created, updated string
		if err := rows.Scan(&r.ID, &r.DeviceBrand, &r.DeviceModel, &r.AvaType, &mppt, &input, &r.DataLabel,
			&r.Address, &r.Size, &r.ModbusType, &r.Divider, &r.RegisterType, &created, &updated); err != nil {
			return nil, err
		}
		if mppt.Valid {
			v := int(mppt.Int64)
			r.Mppt = &v
		}
		if input.Valid {
			v := int(input.Int64)
			r.Input = &v
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Logs ─────────────────────────────────────────────────────

func (s *SQLiteStore) LogAppend(ctx context.Context, e *models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO log_entries (device_id, tag_name, value, quality, timestamp, unit) VALUES (?,?,?,?,?,?)`,
		e.DeviceID, e.TagName, e.Value, string(e.Quality), e.Timestamp.Format(time.RFC3339), nullableString(e.Unit))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		e.ID = id
	}
	return nil
}

// LogEnforceCap deletes exactly total-max oldest rows ordered by timestamp
// ascending, matching original_source's cleanup_old_entries.
func (s *SQLiteStore) LogEnforceCap(ctx context.Context, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`).Scan(&total); err != nil {
		return 0, err
	}
	if total <= max {
		return 0, nil
	}
	toDelete := total - max

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM log_entries WHERE id IN (SELECT id FROM log_entries ORDER BY timestamp ASC LIMIT ?)`, toDelete)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	return int(deleted), err
}

func (s *SQLiteStore) ListLogs(ctx context.Context, filter models.LogFilter) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, device_id, tag_name, value, quality, timestamp, unit FROM log_entries`
	var args []any
	if filter.DeviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, filter.DeviceID)
	}
	query += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1` // SQLite only accepts OFFSET after a LIMIT clause
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var unit sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.TagName, &e.Value, &e.Quality, &ts, &unit); err != nil {
			return nil, err
		}
		e.Unit = unit.String
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Status ───────────────────────────────────────────────────

func (s *SQLiteStore) UpsertDeviceStatus(ctx context.Context, st *models.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_status (device_id, status, last_update, error_message, connection_count)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(device_id) DO UPDATE SET status=excluded.status, last_update=excluded.last_update,
			error_message=excluded.error_message, connection_count=excluded.connection_count`,
		st.DeviceID, string(st.State), st.LastUpdate.Format(time.RFC3339), nullableString(st.ErrorMessage), st.ConnectionCount)
	return err
}

func (s *SQLiteStore) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, status, last_update, error_message, connection_count FROM device_status WHERE device_id = ?`, deviceID)
	var st models.DeviceStatus
	var errMsg sql.NullString
	var last string
	err := row.Scan(&st.DeviceID, &st.State, &last, &errMsg, &st.ConnectionCount)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "device_status", Key: deviceID}
	}
	if err != nil {
		return nil, err
	}
	st.ErrorMessage = errMsg.String
	st.LastUpdate, _ = time.Parse(time.RFC3339, last)
	return &st, nil
}

func (s *SQLiteStore) ListDeviceStatuses(ctx context.Context) ([]models.DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, status, last_update, error_message, connection_count FROM device_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeviceStatus
	for rows.Next() {
		var st models.DeviceStatus
		var errMsg sql.NullString
		var last string
		if err := rows.Scan(&st.DeviceID, &st.State, &last, &errMsg, &st.ConnectionCount); err != nil {
			return nil, err
		}
		st.ErrorMessage = errMsg.String
		st.LastUpdate, _ = time.Parse(time.RFC3339, last)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ── Plant Config ─────────────────────────────────────────────

func (s *SQLiteStore) GetPlantConfig(ctx context.Context) (*models.PlantConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT plant_name, upstream_group_id, last_sync_time FROM plant_config WHERE id = 1`)
	var cfg models.PlantConfiguration
	var group, sync sql.NullString
	err := row.Scan(&cfg.PlantName, &group, &sync)
	if err == sql.ErrNoRows {
		return &models.PlantConfiguration{PlantName: "Unconfigured Plant"}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.UpstreamGroupID = group.String
	if sync.Valid {
		t, err := time.Parse(time.RFC3339, sync.String)
		if err == nil {
			cfg.LastSyncTime = &t
		}
	}
	return &cfg, nil
}

func (s *SQLiteStore) UpsertPlantConfig(ctx context.Context, cfg *models.PlantConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var syncStr any
	if cfg.LastSyncTime != nil {
		syncStr = cfg.LastSyncTime.Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plant_config (id, plant_name, upstream_group_id, last_sync_time) VALUES (1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET plant_name=excluded.plant_name, upstream_group_id=excluded.upstream_group_id,
			last_sync_time=excluded.last_sync_time`,
		cfg.PlantName, nullableString(cfg.UpstreamGroupID), syncStr)
	return err
}

// ── Sessions ─────────────────────────────────────────────────

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, username, created_at, expires_at) VALUES (?,?,?,?)`,
		sess.Token, sess.Username, sess.CreatedAt.Format(time.RFC3339), sess.ExpiresAt.Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT token, username, created_at, expires_at FROM sessions WHERE token = ?`, token)
	var sess models.Session
	var created, expires string
	err := row.Scan(&sess.Token, &sess.Username, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "session", Key: token}
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, created)
	sess.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
	return &sess, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return err
}
