// Package decode turns raw Modbus register words into scaled engineering
// values. It is pure and side-effect free so the float byte-order and
// scaling laws can be tested without a live device.
package decode

import (
	"fmt"
	"math"

	"github.com/avagate/gateway/internal/models"
)

// FrequencyRegisterDefault is the legacy calibration address (50/60 Hz
// mains frequency registers on most power meters) the byte-order
// heuristic falls back to when a device has no explicit override
// configured.
const FrequencyRegisterDefault = 19050

// Candidate is one byte-order interpretation of a 2-register float32.
type Candidate struct {
	Order models.ByteOrder
	Value float32
}

// float32Candidates returns the four byte-order interpretations of a
// 32-bit value spread across two 16-bit registers, grounded on the
// ABCD/CDAB/BADC/DCBA combinations.
func float32Candidates(reg0, reg1 uint16) []Candidate {
	abcd := uint32(reg0)<<16 | uint32(reg1)
	cdab := uint32(reg1)<<16 | uint32(reg0)

	return []Candidate{
		{models.OrderABCD, math.Float32frombits(abcd)},
		{models.OrderCDAB, math.Float32frombits(cdab)},
		{models.OrderBADC, math.Float32frombits(swapBytePairs(abcd))},
		{models.OrderDCBA, math.Float32frombits(reverseBytes(abcd))},
	}
}

// swapBytePairs swaps the byte order within each 16-bit half without
// swapping the halves themselves (big-endian words, little-endian bytes).
func swapBytePairs(v uint32) uint32 {
	hi := v >> 16
	lo := v & 0xFFFF
	return (swap16(uint16(hi)) << 16) | swap16(uint16(lo))
}

func reverseBytes(v uint32) uint32 {
	return uint32(byte(v>>24)) | uint32(byte(v>>16))<<8 | uint32(byte(v>>8))<<16 | uint32(byte(v))<<24
}

func swap16(v uint16) uint32 {
	return uint32(v>>8) | uint32(v&0xFF)<<8
}

// DecodeFloat32 assembles a float32 from two registers using the given
// order, or — when order is empty and address matches freqRegister (0
// means FrequencyRegisterDefault) — the frequency-calibration heuristic:
// among the four candidates, pick the one closest to 50.0 Hz that is
// finite and within (0, 1000); otherwise fall back to ABCD.
func DecodeFloat32(reg0, reg1 uint16, address uint16, order models.ByteOrder, freqRegister uint16) float32 {
	candidates := float32Candidates(reg0, reg1)

	if order != "" {
		for _, c := range candidates {
			if c.Order == order {
				return c.Value
			}
		}
		return candidates[0].Value
	}

	freq := freqRegister
	if freq == 0 {
		freq = FrequencyRegisterDefault
	}
	if address != freq {
		return candidates[0].Value // ABCD default
	}

	best := candidates[0].Value
	bestDistance := float32(math.Inf(1))
	for _, c := range candidates {
		if !isPlausibleFrequency(c.Value) {
			continue
		}
		distance := float32(math.Abs(float64(c.Value - 50.0)))
		if distance < bestDistance {
			bestDistance = distance
			best = c.Value
		}
	}
	return best
}

func isPlausibleFrequency(v float32) bool {
	return !math.IsInf(float64(v), 0) && !math.IsNaN(float64(v)) && v > 0 && v < 1000
}

// DecodeRegisters converts a slice of raw register words for one tag into
// an engineering-unit float64, per the tag's ModbusDataType. regs must
// contain at least models.WordSizeFor(dataType) elements.
func DecodeRegisters(regs []uint16, dataType models.ModbusDataType, address uint16, order models.ByteOrder, freqRegister uint16) (float64, error) {
	need := models.WordSizeFor(dataType)
	if need == 0 {
		return 0, fmt.Errorf("decode: unsupported data type %q", dataType)
	}
	if len(regs) < need {
		return 0, fmt.Errorf("decode: need %d registers for %q, got %d", need, dataType, len(regs))
	}

	switch dataType {
	case models.TypeU16:
		return float64(regs[0]), nil
	case models.TypeI16:
		return float64(int16(regs[0])), nil
	case models.TypeU32:
		v := uint32(regs[1])<<16 | uint32(regs[0])
		return float64(v), nil
	case models.TypeI32:
		v := uint32(regs[1])<<16 | uint32(regs[0])
		return float64(int32(v)), nil
	case models.TypeF32, models.TypeFloat:
		return float64(DecodeFloat32(regs[0], regs[1], address, order, freqRegister)), nil
	case models.TypeDouble:
		bits := uint64(regs[0])<<48 | uint64(regs[1])<<32 | uint64(regs[2])<<16 | uint64(regs[3])
		return math.Float64frombits(bits), nil
	default:
		return 0, fmt.Errorf("decode: unsupported data type %q", dataType)
	}
}

// DecodeBit converts a single coil/discrete-input bit to 1.0/0.0.
func DecodeBit(set bool) float64 {
	if set {
		return 1.0
	}
	return 0.0
}

// ApplyScaling applies the linear scaling law value*multiplier + offset,
// matching original_source's apply_scaling. A zero multiplier is treated
// as "no scaling configured" and returns value unchanged, mirroring the
// Rust source's Option<ScalingConfig> semantics for callers that always
// populate a ScalingConfig with multiplier 1.0/offset 0.0 as a no-op.
func ApplyScaling(value, multiplier, offset float64) float64 {
	if multiplier == 0 {
		return value
	}
	return value*multiplier + offset
}
