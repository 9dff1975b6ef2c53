package csvcatalog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/avagate/gateway/internal/models"
	"github.com/avagate/gateway/internal/store"
	"github.com/avagate/gateway/internal/topology"
)

// ExportHeader is the detailed device catalog's 28-column schema, per
// original_source's generate_detailed_device_catalog_csv.
var ExportHeader = []string{
	"IOA", "Index", "Serial Number", "Device Name", "Device Brand", "Device Model",
	"Customer", "AVA Type", "Token", "Parent", "Plant", "INV", "MPPT", "INPUT",
	"Label", "Device ID", "Host", "Port", "Forwarding Modbus ID", "Protocol",
	"Data Label", "Address", "Size", "Modbus Type", "Divider", "Register Type",
	"Frequency", "Agg To Field",
}

// SanitizeFilename replaces filesystem-hostile characters with "-", matching
// the original's safe_group_name transform.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		" ", "-", "/", "-", "\\", "-", ":", "-", "*", "-",
		"?", "-", "\"", "-", "<", "-", ">", "-", "|", "-",
	)
	return replacer.Replace(name)
}

// Export writes the detailed device catalog CSV for every enabled device
// bound to upstreamGroupID, generalizing the inverter/MPPT/string rows from
// internal/topology plus each row's catalog register metadata.
func Export(ctx context.Context, st store.Store, upstreamGroupID, plantName string, w io.Writer) (int, error) {
	devices, err := st.ListDevicesByGroup(ctx, upstreamGroupID)
	if err != nil {
		return 0, fmt.Errorf("csvcatalog: list devices for group %s: %w", upstreamGroupID, err)
	}
	if len(devices) == 0 {
		return 0, fmt.Errorf("csvcatalog: no devices found for group %s", upstreamGroupID)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(ExportHeader); err != nil {
		return 0, fmt.Errorf("csvcatalog: write header: %w", err)
	}

	rowIndex := 0
	var inverterIndex uint32
	customer := strings.SplitN(upstreamGroupID, "-", 2)[0]

	for _, device := range devices {
		if !device.Enabled {
			continue
		}
		inverterIndex++

		tags, err := st.GetDeviceTags(ctx, device.ID)
		if err != nil {
			return rowIndex, fmt.Errorf("csvcatalog: load tags for %s: %w", device.ID, err)
		}
		hierarchy := topology.Materialize(tags, upstreamGroupID, inverterIndex)

		for _, node := range hierarchy.AllNodes() {
			nodeTags := node.Tags
			if node.Kind == topology.KindString {
				if node.IdcTag != nil {
					nodeTags = append(nodeTags, *node.IdcTag)
				}
				if node.UdcTag != nil {
					nodeTags = append(nodeTags, *node.UdcTag)
				}
			}
			if len(nodeTags) == 0 {
				if err := writer.Write(exportRow(rowIndex, device, node, models.DeviceTag{}, plantName, customer)); err != nil {
					return rowIndex, err
				}
				rowIndex++
				continue
			}
			for _, tag := range nodeTags {
				if err := writer.Write(exportRow(rowIndex, device, node, tag, plantName, customer)); err != nil {
					return rowIndex, err
				}
				rowIndex++
			}
		}
	}

	writer.Flush()
	return rowIndex, writer.Error()
}

func exportRow(index int, device models.DeviceInstance, node topology.Node, tag models.DeviceTag, plantName, customer string) []string {
	mppt, input := "", ""
	if node.MPPT > 0 {
		mppt = strconv.Itoa(node.MPPT)
	}
	if node.Input > 0 {
		input = strconv.Itoa(node.Input)
	}
	divider := 0.0
	if tag.ScalingMultiplier != 0 {
		divider = 1 / tag.ScalingMultiplier
	}

	return []string{
		"",                          // IOA — not tracked per tag; always left blank
		strconv.Itoa(index),         // Index
		device.SerialNumber,         // Serial Number
		node.Name,                   // Device Name
		"",                          // Device Brand — DeviceTag carries no brand; always left blank
		node.Model,                  // Device Model
		customer,                    // Customer
		string(node.Kind),           // AVA Type
		"",                          // Token — requires a live upstream session, not produced locally
		node.Parent,                 // Parent
		plantName,                   // Plant
		strconv.Itoa(int(deviceInverterIndex(node))), // INV
		mppt,                        // MPPT
		input,                       // INPUT
		node.Label,                  // Label
		device.UpstreamDeviceID,     // Device ID
		device.Protocol.Host,        // Host
		strconv.Itoa(device.Protocol.Port), // Port
		"",                          // Forwarding Modbus ID — not tracked locally
		string(device.Protocol.Type), // Protocol
		tag.Name,                    // Data Label
		strconv.Itoa(int(tag.Address)), // Address
		strconv.Itoa(tag.Size),      // Size
		tag.DataType,                // Modbus Type
		formatFloat(divider),        // Divider (1 / ScalingMultiplier)
		"",                          // Register Type — DeviceTag carries no register type; always left blank
		"",                          // Frequency — Modbus calibration detail, not per-row
		tag.AggregationField,        // Agg To Field
	}
}

func deviceInverterIndex(node topology.Node) int {
	// The inverter's own index is encoded in its name suffix (-I%02d);
	// MPPT/String nodes inherit it via their Parent chain, but the export
	// only needs it on the inverter row itself.
	parts := strings.Split(node.Name, "-I")
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.Atoi(strings.SplitN(parts[len(parts)-1], "-", 2)[0])
	if err != nil {
		return 0
	}
	return n
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
