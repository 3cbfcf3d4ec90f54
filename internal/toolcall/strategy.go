// Package toolcall turns catalog tool calls into Home Assistant service
// invocations and executes them. Area-management tools are handed to
// the area engine instead.
package toolcall

import (
	"strings"

	"github.com/nugget/ha-area-bridge/internal/areaname"
)

// Strategy is how a tool's arguments become service data.
type Strategy int

// Strategies. The set is closed; ParseStrategy rejects anything else.
const (
	Passthrough Strategy = iota
	LightArea
	CoverArea
	ClimateArea
	ClimateAreaTemperature
	SceneID
	AreaSync
	AreaAudit
	AreaAssign
)

var strategyNames = [...]string{
	Passthrough:            "passthrough",
	LightArea:              "light_area",
	CoverArea:              "cover_area",
	ClimateArea:            "climate_area",
	ClimateAreaTemperature: "climate_area_temperature",
	SceneID:                "scene_id",
	AreaSync:               "area_sync",
	AreaAudit:              "area_audit",
	AreaAssign:             "area_assign",
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "unknown"
	}
	return strategyNames[s]
}

// ParseStrategy maps a catalog strategy name onto a Strategy. An empty
// name is passthrough.
func ParseStrategy(name string) (Strategy, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Passthrough, true
	}
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), true
		}
	}
	return 0, false
}

// Capability is the entity type an area strategy resolves, or "".
func (s Strategy) Capability() string {
	switch s {
	case LightArea:
		return areaname.TypeLight
	case CoverArea:
		return areaname.TypeCover
	case ClimateArea, ClimateAreaTemperature:
		return areaname.TypeClimate
	}
	return ""
}

// ManagesAreas reports whether the strategy runs an area-management
// operation rather than a service call.
func (s Strategy) ManagesAreas() bool {
	return s == AreaSync || s == AreaAudit || s == AreaAssign
}
