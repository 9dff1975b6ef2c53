// Package models defines the data model shared across the acquisition
// gateway: device catalog entities, topology tags, schedule groups,
// readings, and the plant-level configuration/session singletons.
package models

import "time"

// ProtocolFamily is the transport a DeviceModel or device instance speaks.
type ProtocolFamily string

const (
	ProtocolModbusTCP ProtocolFamily = "modbus_tcp"
	ProtocolModbusRTU ProtocolFamily = "modbus_rtu"
	ProtocolIEC104    ProtocolFamily = "iec104"
	ProtocolAny       ProtocolFamily = "any"
)

// AvaType is the logical role a catalog tag plays in plant topology.
type AvaType string

const (
	AvaInverter       AvaType = "Inverter"
	AvaString         AvaType = "String"
	AvaMPPT           AvaType = "MPPT"
	AvaBattery        AvaType = "Battery"
	AvaMeter          AvaType = "Meter"
	AvaPowerMeter     AvaType = "PowerMeter"
	AvaWeatherStation AvaType = "Weather Station"
	AvaPlant          AvaType = "Plant"
)

// AvaTypePriority is the centralized, deterministic resolution order used
// whenever a device resolves to more than one ava_type (spec.md §4.C,
// §9 "centralize the priority table"). Earlier entries win.
var AvaTypePriority = []AvaType{
	AvaInverter,
	AvaWeatherStation,
	AvaPowerMeter,
	AvaMeter,
	AvaMPPT,
	AvaString,
}

// RegisterType is the Modbus function-code family backing a tag.
type RegisterType string

const (
	RegisterInput    RegisterType = "input"
	RegisterHolding  RegisterType = "holding"
	RegisterCoil     RegisterType = "coil"
	RegisterDiscrete RegisterType = "discrete"
)

// ModbusDataType is the wire encoding of a tag's value.
type ModbusDataType string

const (
	TypeU16    ModbusDataType = "U16"
	TypeI16    ModbusDataType = "I16"
	TypeU32    ModbusDataType = "U32"
	TypeI32    ModbusDataType = "I32"
	TypeF32    ModbusDataType = "F32"
	TypeFloat  ModbusDataType = "FLOAT"
	TypeDouble ModbusDataType = "DOUBLE"
)

// WordSizeFor returns the register count a modbus type occupies, per
// spec.md §3's ModbusTcpTagRegister size invariant.
func WordSizeFor(t ModbusDataType) int {
	switch t {
	case TypeU16, TypeI16:
		return 1
	case TypeU32, TypeI32, TypeF32, TypeFloat:
		return 2
	case TypeDouble:
		return 4
	default:
		return 0
	}
}

// ByteOrder selects which 16-bit-word / byte permutation a Float32 read uses.
type ByteOrder string

const (
	OrderABCD ByteOrder = "ABCD"
	OrderCDAB ByteOrder = "CDAB"
	OrderBADC ByteOrder = "BADC"
	OrderDCBA ByteOrder = "DCBA"
)

// DeviceModel is a vendor template (spec.md §3).
type DeviceModel struct {
	ID           string
	Name         string
	Manufacturer string
	Protocol     ProtocolFamily
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TagTemplate is a default register definition attached to a DeviceModel.
type TagTemplate struct {
	ID         int64
	ModelID    string
	Name       string
	Address    uint16
	DataType   string
	Divider    float64
	Offset     float64
	Unit       string
	ReadOnly   bool
	Description string
}

// ModbusTcpTagRegister is the canonical topology tag catalog row.
type ModbusTcpTagRegister struct {
	ID           int64
	DeviceBrand  string
	DeviceModel  string
	AvaType      AvaType
	Mppt         *int
	Input        *int
	DataLabel    string
	Address      int
	Size         int
	ModbusType   ModbusDataType
	Divider      float64
	RegisterType RegisterType
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProtocolConfig is the tagged-variant transport configuration for a
// DeviceInstance (spec.md §9 "enumerated configuration").
type ProtocolConfig struct {
	Type ProtocolFamily `json:"type"`

	// Modbus TCP / shared with RTU
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	SlaveID uint8  `json:"slave_id,omitempty"`

	// Modbus RTU
	SerialPort string `json:"serial_port,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty"`
	DataBits   int    `json:"data_bits,omitempty"`
	StopBits   int    `json:"stop_bits,omitempty"`
	Parity     string `json:"parity,omitempty"`

	// IEC 104
	CommonAddress uint16 `json:"common_address,omitempty"`

	// FrequencyRegisterAddress is the per-device override of the frequency
	// calibration register used by the Float32 byte-order heuristic
	// (spec.md §4.A, §9). Zero means "use the protocol default (19050)".
	FrequencyRegisterAddress uint16 `json:"frequency_register_address,omitempty"`
}

// DeviceInstance is one physical endpoint (spec.md §3).
type DeviceInstance struct {
	ID                string
	Name              string
	SerialNumber      string
	ModelID           string
	Enabled           bool
	PollingIntervalMs uint32
	TimeoutMs         uint32
	RetryCount        uint32
	Protocol          ProtocolConfig
	UpstreamDeviceID  string
	UpstreamGroupID   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeviceTag is a materialized register on a device instance.
type DeviceTag struct {
	ID                int64
	DeviceID          string
	Name              string
	Address           uint16
	Size              int
	DataType          string
	Description       string
	ScalingMultiplier float64
	ScalingOffset     float64
	Unit              string
	ReadOnly          bool
	Enabled           bool
	ScheduleGroupID   string
	ByteOrder         ByteOrder
	AggregationField  string
}

// ScheduleGroup is a named polling cadence.
type ScheduleGroup struct {
	ID                string
	Name              string
	PollingIntervalMs uint32
	Enabled           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Built-in schedule groups seeded on first start (spec.md §3).
const (
	ScheduleHigh   = "high_freq"
	ScheduleMedium = "medium_freq"
	ScheduleLow    = "low_freq"
	ScheduleEnergy = "energy_freq"
)

// DefaultScheduleGroups returns the four built-in cadences.
func DefaultScheduleGroups() []ScheduleGroup {
	now := time.Now().UTC()
	mk := func(id, name string, ms uint32) ScheduleGroup {
		return ScheduleGroup{ID: id, Name: name, PollingIntervalMs: ms, Enabled: true, CreatedAt: now, UpdatedAt: now}
	}
	return []ScheduleGroup{
		mk(ScheduleHigh, "High Frequency", 100),
		mk(ScheduleMedium, "Medium Frequency", 1000),
		mk(ScheduleLow, "Low Frequency", 5000),
		mk(ScheduleEnergy, "Energy", 30000),
	}
}

// DeviceState is a coarse lifecycle state tracked per device.
type DeviceState string

const (
	StateStopped   DeviceState = "Stopped"
	StateStarting  DeviceState = "Starting"
	StateConnected DeviceState = "Connected"
	StateReading   DeviceState = "Reading"
	StateError     DeviceState = "Error"
)

// DeviceStatus is the last observed state for one device instance.
type DeviceStatus struct {
	DeviceID        string
	State           DeviceState
	LastUpdate      time.Time
	ErrorMessage    string
	ConnectionCount int64
}

// Quality flags whether a reading was obtained cleanly.
type Quality string

const (
	QualityGood Quality = "Good"
	QualityBad  Quality = "Bad"
)

// LogEntry is one tag reading.
type LogEntry struct {
	ID        int64
	DeviceID  string
	TagName   string
	Value     float64
	Quality   Quality
	Timestamp time.Time
	Unit      string
}

// LogFilter narrows a log query; Offset is honored (spec.md §9 open question).
type LogFilter struct {
	DeviceID string
	Limit    int
	Offset   int
}

// PlantConfiguration is the singleton plant identity row.
type PlantConfiguration struct {
	PlantName       string
	UpstreamGroupID string
	LastSyncTime    *time.Time
}

// Configured reports whether the plant has a non-default name and an
// upstream entity group bound (spec.md §4.H).
func (p PlantConfiguration) Configured() bool {
	return p.PlantName != "" && p.PlantName != "Unconfigured Plant" && p.UpstreamGroupID != ""
}

// Session is an opaque bearer token bound to a user.
type Session struct {
	Token     string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session TTL has elapsed as of now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// FailedDevice records one device's failure during an upstream sync pass.
type FailedDevice struct {
	Name  string
	Error string
}

// SyncReport is the outcome of a topology sync against the upstream
// platform (spec.md §6 POST /api/sync-thingsboard response shape).
type SyncReport struct {
	TotalDevices      int
	CreatedCount      int
	FailedCount       int
	FailedDevices     []FailedDevice
	UpdatedDeviceIDs  []string
	UpdateFailedCount int
}
