package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avagate/gateway/internal/models"
)

func tag(name, description string) models.DeviceTag {
	return models.DeviceTag{Name: name, Description: description}
}

func TestMaterializeGroupsByDescription(t *testing.T) {
	tags := []models.DeviceTag{
		tag("Temperature", "Inverter (SG150CX)"),
		tag("Power", "MPPT - MPPT 1 (SG150CX)"),
		tag("Idc", "String - MPPT 1 - Input 1 (SG150CX)"),
		tag("Udc", "String - MPPT 1 - Input 1 (SG150CX)"),
		tag("Idc", "String - MPPT 1 - Input 2 (SG150CX)"),
	}

	h := Materialize(tags, "ACCV-Plant1", 1)

	assert.Equal(t, "ACCV-Plant1-I01", h.Inverter.Name)
	require.Len(t, h.MPPTs, 1)
	assert.Equal(t, "ACCV-Plant1-I01-M01", h.MPPTs[0].Name)
	require.Len(t, h.Strings, 2)
	assert.Equal(t, "ACCV-Plant1-I01-M01-PV01", h.Strings[0].Name)
	assert.Equal(t, "ACCV-Plant1-I01-M01-PV02", h.Strings[1].Name)
	require.NotNil(t, h.Strings[0].IdcTag)
	require.NotNil(t, h.Strings[0].UdcTag)
}

func TestMaterializePVIndexIsGlobalAcrossMPPTs(t *testing.T) {
	// Three strings on MPPT 1 and two on MPPT 2: the original's per-MPPT
	// modulo-3 formula would reset to PV01 at MPPT 2; the corrected
	// behavior keeps one monotonic counter across the whole inverter.
	tags := []models.DeviceTag{
		tag("Idc", "String - MPPT 1 - Input 1 (SG150CX)"),
		tag("Idc", "String - MPPT 1 - Input 2 (SG150CX)"),
		tag("Idc", "String - MPPT 1 - Input 3 (SG150CX)"),
		tag("Idc", "String - MPPT 2 - Input 1 (SG150CX)"),
		tag("Idc", "String - MPPT 2 - Input 2 (SG150CX)"),
	}

	h := Materialize(tags, "ACCV-Plant1", 1)
	require.Len(t, h.Strings, 5)
	assert.Equal(t, "ACCV-Plant1-I01-M02-PV04", h.Strings[3].Name)
	assert.Equal(t, "ACCV-Plant1-I01-M02-PV05", h.Strings[4].Name)
}

func TestMaterializeMPPTWithOnlyStringTagsGetsNode(t *testing.T) {
	// spec.md §8 scenario 5: MPPT 2 has no explicit "MPPT - MPPT 2" tag of
	// its own, only strings referencing it — it must still be materialized
	// as a node so its string's Parent resolves upstream.
	tags := []models.DeviceTag{
		tag("Power", "MPPT - MPPT 1 (SG150CX)"),
		tag("Idc", "String - MPPT 1 - Input 1 (SG150CX)"),
		tag("Idc", "String - MPPT 1 - Input 2 (SG150CX)"),
		tag("Idc", "String - MPPT 2 - Input 1 (SG150CX)"),
	}

	h := Materialize(tags, "ACCV-Plant1", 1)

	require.Len(t, h.MPPTs, 2)
	assert.Equal(t, "ACCV-Plant1-I01-M01", h.MPPTs[0].Name)
	assert.Equal(t, "ACCV-Plant1-I01-M02", h.MPPTs[1].Name)

	require.Len(t, h.Strings, 3)
	assert.Equal(t, "ACCV-Plant1-I01-M02-PV03", h.Strings[2].Name)
	assert.Equal(t, "ACCV-Plant1-I01-M02", h.Strings[2].Parent)
}

func TestMaterializeUnknownDescriptionIgnored(t *testing.T) {
	tags := []models.DeviceTag{tag("Foo", "not a recognized shape")}
	h := Materialize(tags, "ACCV-Plant1", 1)
	assert.Empty(t, h.Inverter.Tags)
	assert.Empty(t, h.MPPTs)
	assert.Empty(t, h.Strings)
}

func TestAllNodesOrder(t *testing.T) {
	tags := []models.DeviceTag{
		tag("Temperature", "Inverter (SG150CX)"),
		tag("Power", "MPPT - MPPT 1 (SG150CX)"),
		tag("Idc", "String - MPPT 1 - Input 1 (SG150CX)"),
	}
	h := Materialize(tags, "ACCV-Plant1", 1)
	nodes := h.AllNodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, KindInverter, nodes[0].Kind)
	assert.Equal(t, KindMPPT, nodes[1].Kind)
	assert.Equal(t, KindString, nodes[2].Kind)
}
