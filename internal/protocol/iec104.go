package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avagate/gateway/internal/models"
)

const (
	iecStartByte = 0x68
	iecMinAPDU   = 4

	iecFormatI = 0x00
	iecFormatU = 0x03

	uStartDTAct = 0x07
	uStartDTCon = 0x0B
	uStopDTAct  = 0x13

	asduSinglePoint  = 1
	asduScaledValue  = 11
	asduFloatValue   = 13

	// interrogationIdleTimeout bounds the gap between inbound frames during
	// a general interrogation; interrogationFrameCap bounds the total
	// number of frames consumed per interrogation, per the conservative
	// windowing defaults documented in DESIGN.md.
	interrogationIdleTimeout = 1 * time.Second
	interrogationFrameCap    = 10
)

// iec104Client implements Client over a raw IEC 60870-5-104 APCI/ASDU
// connection.
type iec104Client struct {
	device  models.DeviceInstance
	timeout time.Duration

	conn    net.Conn
	sendSeq uint16
	recvSeq uint16
}

// NewIEC104Client builds an IEC 104 master for device.
func NewIEC104Client(device models.DeviceInstance, timeout time.Duration) Client {
	return &iec104Client{device: device, timeout: timeout}
}

func (c *iec104Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.device.Protocol.Host, c.device.Protocol.Port)
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return transportErr("iec104_connect", err)
	}
	c.conn = conn
	c.sendSeq = 0
	c.recvSeq = 0

	if err := c.sendUFormat(uStartDTAct); err != nil {
		c.conn.Close()
		c.conn = nil
		return transportErr("iec104_startdt", err)
	}

	frame, err := c.receiveFrame()
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return transportErr("iec104_startdt_con", err)
	}
	uType, ok := parseUFormat(frame)
	if !ok {
		c.conn.Close()
		c.conn = nil
		return handshakeErr("iec104_handshake", "expected U-format STARTDT_CON")
	}
	if uType != uStartDTCon {
		c.conn.Close()
		c.conn = nil
		return handshakeErr("iec104_handshake", fmt.Sprintf("unexpected U-format response 0x%02X", uType))
	}

	log.Info().Str("device", c.device.ID).Str("addr", addr).Msg("connected iec104 device")
	return nil
}

func (c *iec104Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.sendUFormat(uStopDTAct)
	closeErr := c.conn.Close()
	c.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Read ignores the requested tags — IEC 104 reports whatever the station
// sends back during a general interrogation, addressed by IOA rather than
// by a pre-declared tag list — and decodes every inbound ASDU until the
// idle timeout or frame cap is reached.
func (c *iec104Client) Read(ctx context.Context, tags []models.DeviceTag) []models.LogEntry {
	if c.conn == nil {
		log.Warn().Str("device", c.device.ID).Msg("iec104 read with no connection")
		return nil
	}

	if err := c.sendInterrogation(); err != nil {
		log.Warn().Str("device", c.device.ID).Err(err).Msg("failed to send iec104 interrogation")
		return nil
	}

	timestamp := time.Now().UTC()
	var entries []models.LogEntry

	for i := 0; i < interrogationFrameCap; i++ {
		c.conn.SetReadDeadline(time.Now().Add(interrogationIdleTimeout))
		frame, err := c.receiveFrame()
		if err != nil {
			break // idle timeout or closed connection: interrogation is done
		}
		entries = append(entries, c.parseDataFrame(frame, timestamp)...)
	}
	return entries
}

func (c *iec104Client) sendUFormat(control byte) error {
	frame := []byte{iecStartByte, 4, control, 0, 0, 0}
	_, err := c.conn.Write(frame)
	return err
}

func (c *iec104Client) sendInterrogation() error {
	commonAddress := c.device.Protocol.CommonAddress
	if commonAddress == 0 {
		commonAddress = 1
	}

	frame := make([]byte, 0, 16)
	frame = append(frame, iecStartByte, 14)

	sendField := make([]byte, 2)
	binary.LittleEndian.PutUint16(sendField, c.sendSeq<<1)
	frame = append(frame, sendField...)

	recvField := make([]byte, 2)
	binary.LittleEndian.PutUint16(recvField, c.recvSeq<<1)
	frame = append(frame, recvField...)

	frame = append(frame, 100)  // C_IC_NA_1
	frame = append(frame, 0x01) // SQ=0, number of objects=1
	frame = append(frame, 0x06) // COT=6 activation
	frame = append(frame, 0)    // originator address

	caField := make([]byte, 2)
	binary.LittleEndian.PutUint16(caField, commonAddress)
	frame = append(frame, caField...)

	frame = append(frame, 0, 0, 0) // information object address
	frame = append(frame, 20)      // QOI=20 station interrogation

	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	c.sendSeq = (c.sendSeq + 1) % 32768
	return nil
}

func (c *iec104Client) receiveFrame() ([]byte, error) {
	var start [1]byte
	if _, err := io.ReadFull(c.conn, start[:]); err != nil {
		return nil, err
	}
	if start[0] != iecStartByte {
		return nil, fmt.Errorf("iec104: invalid start byte 0x%02X", start[0])
	}

	var length [1]byte
	if _, err := io.ReadFull(c.conn, length[:]); err != nil {
		return nil, err
	}
	if length[0] < iecMinAPDU {
		return nil, fmt.Errorf("iec104: frame too short: %d", length[0])
	}

	body := make([]byte, length[0])
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 2+len(body))
	frame = append(frame, start[0], length[0])
	frame = append(frame, body...)
	return frame, nil
}

func parseUFormat(frame []byte) (byte, bool) {
	if len(frame) < 6 {
		return 0, false
	}
	control := frame[2]
	if control&0x03 == iecFormatU {
		return control, true
	}
	return 0, false
}

func (c *iec104Client) parseDataFrame(frame []byte, timestamp time.Time) []models.LogEntry {
	if len(frame) < 6 {
		return nil
	}
	control := frame[2]
	if control&0x01 != iecFormatI {
		return nil // not an I-format frame
	}
	if len(frame) < 12 {
		return nil
	}

	typeID := frame[6]

	var entries []models.LogEntry
	switch typeID {
	case asduFloatValue:
		if len(frame) >= 19 {
			ioa := ioa3(frame[12], frame[13], frame[14])
			bits := binary.LittleEndian.Uint32(frame[15:19])
			value := float64(math.Float32frombits(bits))
			entries = append(entries, models.LogEntry{
				DeviceID:  c.device.ID,
				TagName:   fmt.Sprintf("float_%d", ioa),
				Value:     value,
				Quality:   models.QualityGood,
				Timestamp: timestamp,
			})
		}
	case asduScaledValue:
		if len(frame) >= 17 {
			ioa := ioa3(frame[12], frame[13], frame[14])
			value := float64(int16(binary.LittleEndian.Uint16(frame[15:17])))
			entries = append(entries, models.LogEntry{
				DeviceID:  c.device.ID,
				TagName:   fmt.Sprintf("scaled_%d", ioa),
				Value:     value,
				Quality:   models.QualityGood,
				Timestamp: timestamp,
			})
		}
	case asduSinglePoint:
		if len(frame) >= 16 {
			ioa := ioa3(frame[12], frame[13], frame[14])
			siq := frame[15]
			value := 0.0
			if siq&0x01 != 0 {
				value = 1.0
			}
			entries = append(entries, models.LogEntry{
				DeviceID:  c.device.ID,
				TagName:   fmt.Sprintf("sp_%d", ioa),
				Value:     value,
				Quality:   models.QualityGood,
				Timestamp: timestamp,
			})
		}
	default:
		log.Debug().Str("device", c.device.ID).Uint8("type_id", typeID).Msg("unsupported iec104 asdu type")
	}

	if len(entries) > 0 {
		c.recvSeq = (c.recvSeq + 1) % 32768
	}
	return entries
}

// ioa3 assembles a 3-byte little-endian information object address.
func ioa3(b0, b1, b2 byte) uint32 {
	return uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16
}
