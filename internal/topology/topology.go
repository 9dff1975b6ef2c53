// Package topology builds the inverter/MPPT/string device hierarchy that
// gets published to the upstream platform (spec.md §4.G) and keeps it
// synced idempotently on repeated runs. It is grounded on
// original_source's ThingsBoardClient device-hierarchy analysis
// (tb_rust_client.rs): a device's tags are grouped by the description
// grammar written into each DeviceTag.Description, then materialized into
// named child nodes under the inverter.
//
// The original computed each string's PV number as (input_num - 1) % 3 + 1,
// which resets the numbering at every MPPT boundary; spec.md §4.G.2
// requires a single monotonic PV index across the whole inverter instead,
// so Materialize numbers strings PV01, PV02, ... in MPPT/input order across
// all of an inverter's MPPTs.
package topology

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/avagate/gateway/internal/models"
)

// NodeKind is the role a materialized topology node plays.
type NodeKind string

const (
	KindInverter NodeKind = "Inverter"
	KindMPPT     NodeKind = "MPPT"
	KindString   NodeKind = "String"
)

// Node is one device to publish upstream: a name, a kind, and the tags
// (for Inverter/MPPT) or Idc/Udc pair (for String) it carries.
type Node struct {
	Kind     NodeKind
	Name     string
	Label    string
	Parent   string // parent node name, empty for the inverter itself
	MPPT     int    // 0 for the inverter node
	Input    int    // 0 unless Kind == KindString
	PVIndex  int    // global monotonic PV number within the inverter, 0 unless KindString
	Tags     []models.DeviceTag
	IdcTag   *models.DeviceTag
	UdcTag   *models.DeviceTag
	Model    string
}

// Hierarchy is the full materialized tree for one physical inverter device.
type Hierarchy struct {
	Inverter Node
	MPPTs    []Node
	Strings  []Node
}

// parsedKind classifies one tag's description string.
type parsedKind struct {
	kind  NodeKind
	mppt  int
	input int
}

// parseDescription mirrors the original's parse_device_description: it
// reads the "Inverter (...)" / "MPPT - MPPT N (...)" / "String - MPPT N -
// Input M (...)" grammar written into a tag's description at catalog time.
func parseDescription(description string) (parsedKind, bool) {
	switch {
	case strings.HasPrefix(description, "Inverter"):
		return parsedKind{kind: KindInverter}, true

	case strings.HasPrefix(description, "MPPT - MPPT "):
		fields := strings.Fields(description)
		if len(fields) < 4 {
			return parsedKind{}, false
		}
		n, err := strconv.Atoi(fields[3])
		if err != nil {
			return parsedKind{}, false
		}
		return parsedKind{kind: KindMPPT, mppt: n}, true

	case strings.HasPrefix(description, "String - MPPT "):
		parts := strings.Split(description, " - ")
		if len(parts) < 3 {
			return parsedKind{}, false
		}
		mpptStr, ok := cutPrefix(parts[1], "MPPT ")
		if !ok {
			return parsedKind{}, false
		}
		mppt, err := strconv.Atoi(mpptStr)
		if err != nil {
			return parsedKind{}, false
		}
		inputStr, ok := cutPrefix(parts[2], "Input ")
		if !ok {
			return parsedKind{}, false
		}
		inputFields := strings.Fields(inputStr)
		if len(inputFields) == 0 {
			return parsedKind{}, false
		}
		input, err := strconv.Atoi(inputFields[0])
		if err != nil {
			return parsedKind{}, false
		}
		return parsedKind{kind: KindString, mppt: mppt, input: input}, true
	}
	return parsedKind{}, false
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// extractModel pulls the "(SG150CX)"-style trailing parenthetical out of a
// description.
func extractModel(description string) string {
	start := strings.LastIndex(description, "(")
	end := strings.LastIndex(description, ")")
	if start < 0 || end < 0 || end <= start {
		return "Unknown"
	}
	return description[start+1 : end]
}

// groupPrefix derives the naming prefix from an upstream entity group name,
// taking the first two "-"-separated segments (e.g. "ACCV-Plant1-Block2"
// -> "ACCV-Plant1").
func groupPrefix(entityGroupName string) string {
	parts := strings.Split(entityGroupName, "-")
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return entityGroupName
}

// Materialize groups a device's tags into an Inverter/MPPT/String hierarchy
// and assigns upstream names, per spec.md §4.G.1-2. inverterIndex is the
// device's position within its entity group (1-based), supplied by the
// caller rather than parsed back out of a name.
func Materialize(tags []models.DeviceTag, entityGroupName string, inverterIndex uint32) Hierarchy {
	prefix := groupPrefix(entityGroupName)
	inverterName := fmt.Sprintf("%s-I%02d", prefix, inverterIndex)

	var inverterTags []models.DeviceTag
	mpptTags := make(map[int][]models.DeviceTag)
	stringTags := make(map[[2]int][]models.DeviceTag)
	model := "Unknown"
	modelSet := false

	for _, tag := range tags {
		if tag.Description == "" {
			continue
		}
		if !modelSet {
			model = extractModel(tag.Description)
			modelSet = true
		}
		parsed, ok := parseDescription(tag.Description)
		if !ok {
			continue
		}
		switch parsed.kind {
		case KindInverter:
			inverterTags = append(inverterTags, tag)
		case KindMPPT:
			mpptTags[parsed.mppt] = append(mpptTags[parsed.mppt], tag)
		case KindString:
			key := [2]int{parsed.mppt, parsed.input}
			stringTags[key] = append(stringTags[key], tag)
		}
	}

	h := Hierarchy{
		Inverter: Node{
			Kind:  KindInverter,
			Name:  inverterName,
			Label: fmt.Sprintf("%s (%s)", inverterName, model),
			Model: model,
			Tags:  inverterTags,
		},
	}

	mpptNumSet := make(map[int]struct{}, len(mpptTags))
	for n := range mpptTags {
		mpptNumSet[n] = struct{}{}
	}
	for key := range stringTags {
		mpptNumSet[key[0]] = struct{}{}
	}
	mpptNums := make([]int, 0, len(mpptNumSet))
	for n := range mpptNumSet {
		mpptNums = append(mpptNums, n)
	}
	sort.Ints(mpptNums)

	for _, n := range mpptNums {
		mpptName := fmt.Sprintf("%s-M%02d", inverterName, n)
		h.MPPTs = append(h.MPPTs, Node{
			Kind:   KindMPPT,
			Name:   mpptName,
			Label:  fmt.Sprintf("MPPT %d - %s", n, model),
			Parent: inverterName,
			MPPT:   n,
			Tags:   mpptTags[n],
		})
	}

	type stringKey struct {
		mppt, input int
	}
	keys := make([]stringKey, 0, len(stringTags))
	for k := range stringTags {
		keys = append(keys, stringKey{k[0], k[1]})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].mppt != keys[j].mppt {
			return keys[i].mppt < keys[j].mppt
		}
		return keys[i].input < keys[j].input
	})

	pvIndex := 0
	for _, k := range keys {
		pvIndex++ // global, monotonic across the whole inverter (spec.md §4.G.2)
		ts := stringTags[[2]int{k.mppt, k.input}]
		mpptName := fmt.Sprintf("%s-M%02d", inverterName, k.mppt)
		stringName := fmt.Sprintf("%s-PV%02d", mpptName, pvIndex)

		node := Node{
			Kind:    KindString,
			Name:    stringName,
			Label:   fmt.Sprintf("String MPPT %d Input %d - %s", k.mppt, k.input, model),
			Parent:  mpptName,
			MPPT:    k.mppt,
			Input:   k.input,
			PVIndex: pvIndex,
		}
		for i := range ts {
			switch ts[i].Name {
			case "Idc":
				t := ts[i]
				node.IdcTag = &t
			case "Udc":
				t := ts[i]
				node.UdcTag = &t
			}
		}
		h.Strings = append(h.Strings, node)
	}

	return h
}

// Attributes builds the upstream server-scope attribute set for a node,
// per original_source's build_device_attributes, generalized across kinds.
func Attributes(node Node, hierarchy Hierarchy, customer string) map[string]any {
	attrs := map[string]any{"ava_name": node.Name}
	switch node.Kind {
	case KindInverter:
		attrs["Device Model"] = hierarchy.Inverter.Model
		attrs["customer"] = customer
	case KindMPPT:
		attrs["mppt_number"] = node.MPPT
		attrs["parent_inverter"] = node.Parent
	case KindString:
		attrs["mppt_number"] = node.MPPT
		attrs["input_number"] = node.Input
		attrs["pv_index"] = node.PVIndex
		attrs["parent_mppt"] = node.Parent
		if node.IdcTag != nil {
			attrs["idc_address"] = node.IdcTag.Address
			attrs["idc_scaling"] = node.IdcTag.ScalingMultiplier
		}
		if node.UdcTag != nil {
			attrs["udc_address"] = node.UdcTag.Address
			attrs["udc_scaling"] = node.UdcTag.ScalingMultiplier
		}
	}
	return attrs
}

// AllNodes returns every node in the hierarchy in publish order: inverter
// first, then MPPTs, then strings — matching the order the upstream
// platform must see devices created in so parent references resolve.
func (h Hierarchy) AllNodes() []Node {
	nodes := make([]Node, 0, 1+len(h.MPPTs)+len(h.Strings))
	nodes = append(nodes, h.Inverter)
	nodes = append(nodes, h.MPPTs...)
	nodes = append(nodes, h.Strings...)
	return nodes
}
