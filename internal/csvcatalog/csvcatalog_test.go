package csvcatalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCSV = `Device Brand,Device Model,AVA Type,MPPT,INPUT,Data Label,Address,Size,Modbus Type,Divider,Register Type
Sungrow,SG150CX,Inverter,,,Temperature,100,1,U16,10,holding
Sungrow,SG150CX,String,1,1,Idc,200,2,FLOAT,1,input
`

func TestParseValidCSV(t *testing.T) {
	rows, err := Parse(strings.NewReader(validCSV), Override{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Sungrow", rows[0].DeviceBrand)
	assert.Nil(t, rows[0].Mppt)
	require.NotNil(t, rows[1].Mppt)
	assert.Equal(t, 1, *rows[1].Mppt)
}

func TestParseMissingHeader(t *testing.T) {
	_, err := Parse(strings.NewReader("A,B\n1,2\n"), Override{})
	assert.Error(t, err)
}

func TestParseEmptyCSVRejected(t *testing.T) {
	csvData := "Device Brand,Device Model,AVA Type,MPPT,INPUT,Data Label,Address,Size,Modbus Type,Divider,Register Type\n"
	_, err := Parse(strings.NewReader(csvData), Override{})
	assert.ErrorContains(t, err, "empty CSV")
}

func TestParseInvalidAvaType(t *testing.T) {
	csvData := `Device Brand,Device Model,AVA Type,MPPT,INPUT,Data Label,Address,Size,Modbus Type,Divider,Register Type
Sungrow,SG150CX,Bogus,,,Temperature,100,1,U16,10,holding
`
	_, err := Parse(strings.NewReader(csvData), Override{})
	assert.Error(t, err)
}

func TestParseSizeMismatch(t *testing.T) {
	csvData := `Device Brand,Device Model,AVA Type,MPPT,INPUT,Data Label,Address,Size,Modbus Type,Divider,Register Type
Sungrow,SG150CX,Inverter,,,Temperature,100,2,U16,10,holding
`
	_, err := Parse(strings.NewReader(csvData), Override{})
	assert.ErrorContains(t, err, "size")
}

func TestParseInverterWithMpptRejected(t *testing.T) {
	csvData := `Device Brand,Device Model,AVA Type,MPPT,INPUT,Data Label,Address,Size,Modbus Type,Divider,Register Type
Sungrow,SG150CX,Inverter,1,,Temperature,100,1,U16,10,holding
`
	_, err := Parse(strings.NewReader(csvData), Override{})
	assert.ErrorContains(t, err, "Inverter-level")
}

func TestParseOverrideWinsOverCSVColumns(t *testing.T) {
	rows, err := Parse(strings.NewReader(validCSV), Override{DeviceModelName: "SG250", Manufacturer: "Acme"})
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, "Acme", r.DeviceBrand)
		assert.Equal(t, "SG250", r.DeviceModel)
	}
}

func TestSummary(t *testing.T) {
	rows, err := Parse(strings.NewReader(validCSV), Override{})
	require.NoError(t, err)
	summary := Summary(rows)
	assert.Contains(t, summary, "Total: 2")
	assert.Contains(t, summary, "Inverter: 1")
	assert.Contains(t, summary, "String: 1")
}
