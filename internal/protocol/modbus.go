package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/decode"
	"github.com/avagate/gateway/internal/models"
)

// modbusClient implements Client over github.com/goburrow/modbus, shared
// between the TCP and RTU variants — they differ only in how the
// underlying handler is built and torn down.
type modbusClient struct {
	device  models.DeviceInstance
	timeout time.Duration

	kind    models.ProtocolFamily
	tcp     *modbus.TCPClientHandler
	rtu     *modbus.RTUClientHandler
	client  modbus.Client
}

// NewModbusTCPClient builds a Modbus TCP master for device.
func NewModbusTCPClient(device models.DeviceInstance, timeout time.Duration) Client {
	return &modbusClient{device: device, timeout: timeout, kind: models.ProtocolModbusTCP}
}

// NewModbusRTUClient builds a Modbus RTU master for device.
func NewModbusRTUClient(device models.DeviceInstance, timeout time.Duration) Client {
	return &modbusClient{device: device, timeout: timeout, kind: models.ProtocolModbusRTU}
}

func (c *modbusClient) Connect(ctx context.Context) error {
	switch c.kind {
	case models.ProtocolModbusTCP:
		addr := fmt.Sprintf("%s:%d", c.device.Protocol.Host, c.device.Protocol.Port)
		handler := modbus.NewTCPClientHandler(addr)
		handler.Timeout = c.timeout
		handler.SlaveId = c.device.Protocol.SlaveID
		if err := handler.Connect(); err != nil {
			return transportErr("modbus_tcp_connect", err)
		}
		c.tcp = handler
		c.client = modbus.NewClient(handler)
		log.Info().Str("device", c.device.ID).Str("addr", addr).Msg("connected modbus tcp device")
		return nil

	case models.ProtocolModbusRTU:
		port := c.device.Protocol.SerialPort
		if port == "" {
			return unsupportedErr("modbus_rtu_connect", "no serial port configured")
		}
		handler := modbus.NewRTUClientHandler(port)
		handler.BaudRate = orDefault(c.device.Protocol.BaudRate, 9600)
		handler.DataBits = orDefault(c.device.Protocol.DataBits, 8)
		handler.StopBits = orDefault(c.device.Protocol.StopBits, 1)
		handler.Parity = parityOrDefault(c.device.Protocol.Parity)
		handler.SlaveId = c.device.Protocol.SlaveID
		handler.Timeout = c.timeout
		if err := handler.Connect(); err != nil {
			// Deliberately no TCP fallback: an unopenable serial port is an
			// Unsupported transport condition, logged and surfaced, never
			// silently redirected to a loopback TCP listener.
			log.Warn().Str("device", c.device.ID).Str("port", port).Err(err).
				Msg("modbus rtu serial port unavailable, no fallback")
			return unsupportedErr("modbus_rtu_connect", err.Error())
		}
		c.rtu = handler
		c.client = modbus.NewClient(handler)
		log.Info().Str("device", c.device.ID).Str("port", port).Msg("connected modbus rtu device")
		return nil

	default:
		return protocolErr("invalid protocol %q for modbus client", c.kind)
	}
}

func (c *modbusClient) Disconnect() error {
	var err error
	switch {
	case c.tcp != nil:
		err = c.tcp.Close()
		c.tcp = nil
	case c.rtu != nil:
		err = c.rtu.Close()
		c.rtu = nil
	}
	c.client = nil
	return err
}

func (c *modbusClient) Read(ctx context.Context, tags []models.DeviceTag) []models.LogEntry {
	entries := make([]models.LogEntry, 0, len(tags))
	timestamp := time.Now().UTC()

	for _, tag := range tags {
		value, quality := c.readTag(tag)
		scaled := value
		if quality == models.QualityGood {
			scaled = decode.ApplyScaling(value, tag.ScalingMultiplier, tag.ScalingOffset)
		} else {
			scaled = 0.0
		}
		entries = append(entries, models.LogEntry{
			DeviceID:  c.device.ID,
			TagName:   tag.Name,
			Value:     scaled,
			Quality:   quality,
			Timestamp: timestamp,
			Unit:      tag.Unit,
		})
	}
	return entries
}

func (c *modbusClient) readTag(tag models.DeviceTag) (float64, models.Quality) {
	if c.client == nil {
		log.Warn().Str("device", c.device.ID).Str("tag", tag.Name).Msg("modbus read with no connected client")
		return 0, models.QualityBad
	}

	dataType := models.ModbusDataType(tag.DataType)

	value, err := c.readRegisters(tag, dataType)
	if err != nil {
		log.Warn().Str("device", c.device.ID).Str("tag", tag.Name).Err(err).Msg("failed to read modbus tag")
		return 0, models.QualityBad
	}
	return value, models.QualityGood
}

func (c *modbusClient) readRegisters(tag models.DeviceTag, dataType models.ModbusDataType) (float64, error) {
	switch dataType {
	case "coil", "COIL":
		bytes, err := c.client.ReadCoils(tag.Address, 1)
		if err != nil {
			return 0, err
		}
		return decode.DecodeBit(bytes[0]&0x01 != 0), nil

	case "discrete_input", "DISCRETE":
		bytes, err := c.client.ReadDiscreteInputs(tag.Address, 1)
		if err != nil {
			return 0, err
		}
		return decode.DecodeBit(bytes[0]&0x01 != 0), nil

	case models.TypeU16, "holding_register":
		bytes, err := c.client.ReadHoldingRegisters(tag.Address, 1)
		if err != nil {
			return 0, err
		}
		return decode.DecodeRegisters(bytesToWords(bytes), models.TypeU16, tag.Address, tag.ByteOrder, c.device.Protocol.FrequencyRegisterAddress)

	case "input_register":
		bytes, err := c.client.ReadInputRegisters(tag.Address, 1)
		if err != nil {
			return 0, err
		}
		return decode.DecodeRegisters(bytesToWords(bytes), models.TypeU16, tag.Address, tag.ByteOrder, c.device.Protocol.FrequencyRegisterAddress)

	case models.TypeI16:
		bytes, err := c.client.ReadHoldingRegisters(tag.Address, 1)
		if err != nil {
			return 0, err
		}
		return decode.DecodeRegisters(bytesToWords(bytes), models.TypeI16, tag.Address, tag.ByteOrder, c.device.Protocol.FrequencyRegisterAddress)

	case models.TypeU32:
		bytes, err := c.client.ReadHoldingRegisters(tag.Address, 2)
		if err != nil {
			return 0, err
		}
		return decode.DecodeRegisters(bytesToWords(bytes), models.TypeU32, tag.Address, tag.ByteOrder, c.device.Protocol.FrequencyRegisterAddress)

	case models.TypeI32:
		bytes, err := c.client.ReadHoldingRegisters(tag.Address, 2)
		if err != nil {
			return 0, err
		}
		return decode.DecodeRegisters(bytesToWords(bytes), models.TypeI32, tag.Address, tag.ByteOrder, c.device.Protocol.FrequencyRegisterAddress)

	case models.TypeF32, models.TypeFloat, "float32":
		size := tag.Size
		if size < 2 {
			size = 2
		}
		bytes, err := c.client.ReadHoldingRegisters(tag.Address, uint16(size))
		if err != nil {
			return 0, err
		}
		return decode.DecodeRegisters(bytesToWords(bytes), models.TypeF32, tag.Address, tag.ByteOrder, c.device.Protocol.FrequencyRegisterAddress)

	case models.TypeDouble:
		bytes, err := c.client.ReadHoldingRegisters(tag.Address, 4)
		if err != nil {
			return 0, err
		}
		return decode.DecodeRegisters(bytesToWords(bytes), models.TypeDouble, tag.Address, tag.ByteOrder, c.device.Protocol.FrequencyRegisterAddress)

	default:
		// Unknown data types default to a holding-register U16 read,
		// matching original_source's parse_data_type fallback.
		bytes, err := c.client.ReadHoldingRegisters(tag.Address, 1)
		if err != nil {
			return 0, err
		}
		return decode.DecodeRegisters(bytesToWords(bytes), models.TypeU16, tag.Address, tag.ByteOrder, c.device.Protocol.FrequencyRegisterAddress)
	}
}

// bytesToWords reinterprets the big-endian byte payload goburrow/modbus
// returns as a slice of 16-bit register words.
func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return words
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parityOrDefault(p string) string {
	if p == "" {
		return "N"
	}
	return p
}
