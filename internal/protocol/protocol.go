// Package protocol implements the field-side transports the gateway
// speaks to devices: Modbus (TCP and RTU) and IEC 60870-5-104. Both
// implement the same narrow Client contract so the scheduler and
// supervisor never branch on transport.
package protocol

import (
	"context"
	"time"

	"github.com/avagate/gateway/internal/models"
)

// Client is a single-owner, non-reentrant connection to one device.
// Callers (the supervisor/scheduler) guarantee at most one concurrent
// call per Client.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Read(ctx context.Context, tags []models.DeviceTag) []models.LogEntry
}

// New builds the appropriate Client for a device's protocol configuration.
func New(device models.DeviceInstance) (Client, error) {
	timeout := time.Duration(device.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	switch device.Protocol.Type {
	case models.ProtocolModbusTCP:
		return NewModbusTCPClient(device, timeout), nil
	case models.ProtocolModbusRTU:
		return NewModbusRTUClient(device, timeout), nil
	case models.ProtocolIEC104:
		return NewIEC104Client(device, timeout), nil
	default:
		return nil, protocolErr("unknown protocol %q", device.Protocol.Type)
	}
}
