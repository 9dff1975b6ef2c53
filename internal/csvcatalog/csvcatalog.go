// Package csvcatalog parses and exports the Modbus TCP tag register CSV
// format (spec.md §6 upload-csv / generate-device-catalog), grounded on
// original_source's ModbusTcpCsvParserService (src/csv_parser.rs). The
// stdlib encoding/csv is used directly here: no third-party CSV library
// appears anywhere in the pack (see DESIGN.md).
package csvcatalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/avagate/gateway/internal/models"
)

// Header is the exact, order-insensitive set of required CSV columns.
var Header = []string{
	"Device Brand", "Device Model", "AVA Type", "MPPT", "INPUT",
	"Data Label", "Address", "Size", "Modbus Type", "Divider", "Register Type",
}

var validAvaTypes = map[string]bool{
	"Inverter": true, "String": true, "MPPT": true, "Battery": true,
	"Meter": true, "Weather Station": true, "PowerMeter": true, "Plant": true,
}

var validModbusTypes = map[string]bool{
	"U16": true, "I16": true, "U32": true, "I32": true, "FLOAT": true, "DOUBLE": true, "F32": true,
}

var validRegisterTypes = map[string]bool{
	"input": true, "holding": true, "coil": true, "discrete": true,
}

// Override optionally replaces each row's Device Brand and/or Device Model,
// matching original_source's parse_csv_with_device_model_and_manufacturer
// (the request's explicit device_model_name/manufacturer win over the CSV
// columns).
type Override struct {
	DeviceModelName string
	Manufacturer    string
}

// Parse reads a CSV upload and returns validated tag register rows. Every
// row is validated as a whole after parsing, matching
// validate_record_data's all-rows-then-report-first-error behavior.
func Parse(r io.Reader, override Override) ([]models.ModbusTcpTagRegister, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headerRow, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("csvcatalog: read header: %w", err)
	}
	if err := validateHeader(headerRow); err != nil {
		return nil, err
	}
	index := columnIndex(headerRow)

	var rows []models.ModbusTcpTagRegister
	rowNumber := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csvcatalog: parse error at row %d: %w", rowNumber+1, err)
		}
		rowNumber++

		row, err := convertRow(record, index, rowNumber, override)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("csvcatalog: empty CSV: no data rows after header")
	}
	if err := validateRows(rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func validateHeader(headerRow []string) error {
	seen := make(map[string]bool, len(headerRow))
	for _, h := range headerRow {
		seen[strings.TrimSpace(h)] = true
	}
	for _, expected := range Header {
		if !seen[expected] {
			return fmt.Errorf("csvcatalog: missing required header: %q", expected)
		}
	}
	return nil
}

func columnIndex(headerRow []string) map[string]int {
	idx := make(map[string]int, len(headerRow))
	for i, h := range headerRow {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func field(record []string, index map[string]int, name string) string {
	i, ok := index[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func convertRow(record []string, index map[string]int, rowNumber int, override Override) (models.ModbusTcpTagRegister, error) {
	brand := field(record, index, "Device Brand")
	model := field(record, index, "Device Model")
	if override.Manufacturer != "" {
		brand = override.Manufacturer
	}
	if override.DeviceModelName != "" {
		model = override.DeviceModelName
	}

	mppt, err := parseOptionalInt(field(record, index, "MPPT"), "MPPT", rowNumber)
	if err != nil {
		return models.ModbusTcpTagRegister{}, err
	}
	input, err := parseOptionalInt(field(record, index, "INPUT"), "INPUT", rowNumber)
	if err != nil {
		return models.ModbusTcpTagRegister{}, err
	}

	address, err := strconv.Atoi(field(record, index, "Address"))
	if err != nil {
		return models.ModbusTcpTagRegister{}, fmt.Errorf("csvcatalog: row %d: invalid Address: %w", rowNumber, err)
	}
	size, err := strconv.Atoi(field(record, index, "Size"))
	if err != nil {
		return models.ModbusTcpTagRegister{}, fmt.Errorf("csvcatalog: row %d: invalid Size: %w", rowNumber, err)
	}
	divider, err := strconv.ParseFloat(field(record, index, "Divider"), 64)
	if err != nil {
		return models.ModbusTcpTagRegister{}, fmt.Errorf("csvcatalog: row %d: invalid Divider: %w", rowNumber, err)
	}

	return models.ModbusTcpTagRegister{
		DeviceBrand:  brand,
		DeviceModel:  model,
		AvaType:      models.AvaType(field(record, index, "AVA Type")),
		Mppt:         mppt,
		Input:        input,
		DataLabel:    field(record, index, "Data Label"),
		Address:      address,
		Size:         size,
		ModbusType:   models.ModbusDataType(field(record, index, "Modbus Type")),
		Divider:      divider,
		RegisterType: models.RegisterType(field(record, index, "Register Type")),
	}, nil
}

func parseOptionalInt(value, fieldName string, rowNumber int) (*int, error) {
	if value == "" {
		return nil, nil // empty means inverter-level register
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("csvcatalog: row %d: failed to parse %s %q: %w", rowNumber, fieldName, value, err)
	}
	return &n, nil
}

func validateRows(rows []models.ModbusTcpTagRegister) error {
	for i, row := range rows {
		rowNumber := i + 2
		if row.DeviceBrand == "" {
			return fmt.Errorf("csvcatalog: row %d: Device Brand cannot be empty", rowNumber)
		}
		if row.DeviceModel == "" {
			return fmt.Errorf("csvcatalog: row %d: Device Model cannot be empty", rowNumber)
		}
		if row.DataLabel == "" {
			return fmt.Errorf("csvcatalog: row %d: Data Label cannot be empty", rowNumber)
		}
		if !validAvaTypes[string(row.AvaType)] {
			return fmt.Errorf("csvcatalog: row %d: invalid AVA Type %q", rowNumber, row.AvaType)
		}
		if !validModbusTypes[string(row.ModbusType)] {
			return fmt.Errorf("csvcatalog: row %d: invalid Modbus Type %q", rowNumber, row.ModbusType)
		}
		if !validRegisterTypes[string(row.RegisterType)] {
			return fmt.Errorf("csvcatalog: row %d: invalid Register Type %q", rowNumber, row.RegisterType)
		}

		if expected := models.WordSizeFor(row.ModbusType); expected != 0 && row.Size != expected {
			return fmt.Errorf("csvcatalog: row %d: size %d doesn't match Modbus Type %s, expected %d", rowNumber, row.Size, row.ModbusType, expected)
		}
		if row.Address < 0 || row.Address > 65535 {
			return fmt.Errorf("csvcatalog: row %d: address %d out of range (0-65535)", rowNumber, row.Address)
		}

		switch row.AvaType {
		case models.AvaInverter:
			if row.Mppt != nil || row.Input != nil {
				return fmt.Errorf("csvcatalog: row %d: Inverter-level registers should not have MPPT or INPUT values", rowNumber)
			}
		case models.AvaString:
			if row.Mppt == nil || row.Input == nil {
				return fmt.Errorf("csvcatalog: row %d: String-level registers must have both MPPT and INPUT values", rowNumber)
			}
			if *row.Mppt < 1 || *row.Mppt > 20 {
				return fmt.Errorf("csvcatalog: row %d: MPPT %d out of range (1-20)", rowNumber, *row.Mppt)
			}
			if *row.Input < 1 || *row.Input > 50 {
				return fmt.Errorf("csvcatalog: row %d: INPUT %d out of range (1-50)", rowNumber, *row.Input)
			}
		}

		if row.Divider <= 0 {
			return fmt.Errorf("csvcatalog: row %d: Divider must be greater than 0", rowNumber)
		}
	}
	return nil
}

// Summary returns a one-line count breakdown, logged after a successful
// bulk insert (original_source's get_summary).
func Summary(rows []models.ModbusTcpTagRegister) string {
	var inverterCount, stringCount, inputRegisters, holdingRegisters int
	for _, r := range rows {
		switch r.AvaType {
		case models.AvaInverter:
			inverterCount++
		case models.AvaString:
			stringCount++
		}
		switch r.RegisterType {
		case models.RegisterInput:
			inputRegisters++
		case models.RegisterHolding:
			holdingRegisters++
		}
	}
	return fmt.Sprintf("Total: %d records | Inverter: %d | String: %d | Input registers: %d | Holding registers: %d",
		len(rows), inverterCount, stringCount, inputRegisters, holdingRegisters)
}
