// Package catalog holds the tool catalog: the named tools an agent may
// call, each mapping to a Home Assistant service and an argument
// strategy.
package catalog

import (
	"maps"
	"sort"
)

// Item is one tool.
type Item struct {
	ToolName         string         `json:"tool_name" yaml:"tool_name"`
	Domain           string         `json:"domain" yaml:"domain"`
	Service          string         `json:"service" yaml:"service"`
	Strategy         string         `json:"strategy" yaml:"strategy"`
	Enabled          bool           `json:"enabled" yaml:"enabled"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultArguments map[string]any `json:"default_arguments,omitempty" yaml:"default_arguments,omitempty"`
}

// Clone returns a deep copy so callers may mutate the arguments freely.
func (it Item) Clone() Item {
	it.DefaultArguments = cloneMap(it.DefaultArguments)
	return it
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Repository is the read side of the catalog. Implementations return
// copies: what a caller gets stays valid for the whole resolution no
// matter what happens to the catalog meanwhile.
type Repository interface {
	Snapshot() map[string]Item
	Get(toolName string) (Item, bool)
}

// Sorted returns the items of a snapshot ordered by tool name.
func Sorted(snapshot map[string]Item) []Item {
	out := make([]Item, 0, len(snapshot))
	for _, it := range snapshot {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

// Memory is an in-memory Repository, used for built-in tools and tests.
type Memory struct {
	items map[string]Item
}

// NewMemory builds a repository from items. Later duplicates win.
func NewMemory(items ...Item) *Memory {
	m := &Memory{items: make(map[string]Item, len(items))}
	for _, it := range items {
		m.items[it.ToolName] = it.Clone()
	}
	return m
}

// Snapshot implements Repository.
func (m *Memory) Snapshot() map[string]Item {
	out := make(map[string]Item, len(m.items))
	for k, v := range m.items {
		out[k] = v.Clone()
	}
	return out
}

// Get implements Repository.
func (m *Memory) Get(toolName string) (Item, bool) {
	it, ok := m.items[toolName]
	if !ok {
		return Item{}, false
	}
	return it.Clone(), true
}

// Defaults returns the tools a fresh catalog is seeded with.
func Defaults() []Item {
	return []Item{
		{ToolName: "home.lights.on", Domain: "auto", Service: "turn_on", Strategy: "light_area", Enabled: true,
			Description: "Turn on the lights in an area"},
		{ToolName: "home.lights.off", Domain: "auto", Service: "turn_off", Strategy: "light_area", Enabled: true,
			Description: "Turn off the lights in an area"},
		{ToolName: "home.curtains.open", Domain: "cover", Service: "open_cover", Strategy: "cover_area", Enabled: true,
			Description: "Open the curtains in an area"},
		{ToolName: "home.curtains.close", Domain: "cover", Service: "close_cover", Strategy: "cover_area", Enabled: true,
			Description: "Close the curtains in an area"},
		{ToolName: "home.curtains.stop", Domain: "cover", Service: "stop_cover", Strategy: "cover_area", Enabled: true,
			Description: "Stop the curtains in an area"},
		{ToolName: "home.climate.turn_on", Domain: "climate", Service: "turn_on", Strategy: "climate_area", Enabled: true,
			Description: "Turn on the air conditioner in an area"},
		{ToolName: "home.climate.turn_off", Domain: "climate", Service: "turn_off", Strategy: "climate_area", Enabled: true,
			Description: "Turn off the air conditioner in an area"},
		{ToolName: "home.climate.set_temperature", Domain: "climate", Service: "set_temperature", Strategy: "climate_area_temperature", Enabled: true,
			Description: "Set the target temperature (16-30) in an area"},
		{ToolName: "home.scene.activate", Domain: "scene", Service: "turn_on", Strategy: "scene_id", Enabled: true,
			Description: "Activate a scene by entity id"},
		{ToolName: "home.areas.sync", Domain: "homeassistant", Service: "area_sync", Strategy: "area_sync", Enabled: true,
			Description: "Reconcile Home Assistant areas with a target list",
			DefaultArguments: map[string]any{"delete_unused": true}},
		{ToolName: "home.areas.audit", Domain: "homeassistant", Service: "area_audit", Strategy: "area_audit", Enabled: true,
			Description: "List entities without an area and suggest one"},
		{ToolName: "home.areas.assign", Domain: "homeassistant", Service: "area_assign", Strategy: "area_assign", Enabled: true,
			Description: "Assign unplaced entities to their suggested areas",
			DefaultArguments: map[string]any{"only_with_suggestion": true, "max_updates": 200}},
	}
}
