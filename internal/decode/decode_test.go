package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avagate/gateway/internal/models"
)

func TestDecodeFloat32ABCD(t *testing.T) {
	v, err := DecodeRegisters([]uint16{0x4248, 0xF5C3}, models.TypeF32, 100, "", 0)
	assert.NoError(t, err)
	assert.InDelta(t, 50.24, v, 0.01)
}

func TestDecodeFloat32FrequencyHeuristicPrefersPlausibleCandidate(t *testing.T) {
	v, err := DecodeRegisters([]uint16{0x4248, 0xF5C3}, models.TypeF32, FrequencyRegisterDefault, "", 0)
	assert.NoError(t, err)
	assert.InDelta(t, 50.24, v, 0.01)
}

func TestDecodeFloat32ExplicitOverrideWins(t *testing.T) {
	v, err := DecodeRegisters([]uint16{0x4248, 0xF5C3}, models.TypeF32, FrequencyRegisterDefault, models.OrderCDAB, 0)
	assert.NoError(t, err)

	candidates := float32Candidates(0x4248, 0xF5C3)
	var want float64
	for _, c := range candidates {
		if c.Order == models.OrderCDAB {
			want = float64(c.Value)
		}
	}
	assert.InDelta(t, want, v, 1e-6)
}

func TestDecodeU32HiLoAssembly(t *testing.T) {
	// hi = reg[1], lo = reg[0]
	v, err := DecodeRegisters([]uint16{0x0001, 0x0000}, models.TypeU32, 10, "", 0)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), v)

	v, err = DecodeRegisters([]uint16{0x0000, 0x0001}, models.TypeU32, 10, "", 0)
	assert.NoError(t, err)
	assert.Equal(t, float64(1<<16), v)
}

func TestDecodeI16SignExtends(t *testing.T) {
	v, err := DecodeRegisters([]uint16{0xFFFF}, models.TypeI16, 1, "", 0)
	assert.NoError(t, err)
	assert.Equal(t, float64(-1), v)
}

func TestDecodeUnsupportedType(t *testing.T) {
	_, err := DecodeRegisters([]uint16{0}, "bogus", 1, "", 0)
	assert.Error(t, err)
}

func TestDecodeInsufficientRegisters(t *testing.T) {
	_, err := DecodeRegisters([]uint16{0}, models.TypeU32, 1, "", 0)
	assert.Error(t, err)
}

func TestApplyScaling(t *testing.T) {
	assert.Equal(t, 5.0, ApplyScaling(10, 0.5, 0))
	assert.Equal(t, 12.0, ApplyScaling(10, 1, 2))
	assert.Equal(t, 10.0, ApplyScaling(10, 0, 0))
}

func TestDecodeBit(t *testing.T) {
	assert.Equal(t, 1.0, DecodeBit(true))
	assert.Equal(t, 0.0, DecodeBit(false))
}
