package area

import (
	"sort"
	"strings"

	"github.com/nugget/ha-area-bridge/internal/areaname"
	"github.com/nugget/ha-area-bridge/internal/catalog"
)

// KnownEntities is capability → area label → entities, assembled from
// static configuration and catalog tool defaults.
type KnownEntities map[string]map[string]EntityRef

// CapabilityForStrategy returns the capability an area strategy acts
// on, or "" for strategies that do not resolve areas.
func CapabilityForStrategy(strategy string) string {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "light_area":
		return areaname.TypeLight
	case "cover_area":
		return areaname.TypeCover
	case "climate_area", "climate_area_temperature":
		return areaname.TypeClimate
	}
	return ""
}

// ExtractAreaEntityMap reads an area_entity_map argument. The map may
// be nested by capability ({"light": {"study": ...}}) or flat
// ({"study": ...}); the nested form wins when it has an entry for
// capability. Labels are trimmed and lowercased.
func ExtractAreaEntityMap(raw any, capability string) map[string]EntityRef {
	source, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	if nested, ok := source[capability].(map[string]any); ok {
		source = nested
	}

	out := make(map[string]EntityRef)
	for label, v := range source {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		if _, isMap := v.(map[string]any); isMap {
			continue
		}
		if ref := ParseEntityRef(v); ref != nil {
			out[label] = ref
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// BuildKnownEntities merges the static map with the area_entity_map
// defaults of every enabled area tool in the catalog.
func BuildKnownEntities(static map[string]map[string][]string, items map[string]catalog.Item) KnownEntities {
	known := make(KnownEntities)
	for capability, areas := range static {
		bucket := make(map[string]EntityRef)
		for label, ids := range areas {
			if ref := ParseEntityRef(ids); ref != nil {
				bucket[strings.ToLower(strings.TrimSpace(label))] = ref
			}
		}
		known[capability] = bucket
	}

	for _, it := range catalog.Sorted(items) {
		if !it.Enabled {
			continue
		}
		capability := CapabilityForStrategy(it.Strategy)
		if capability == "" {
			continue
		}
		m := ExtractAreaEntityMap(it.DefaultArguments["area_entity_map"], capability)
		if len(m) == 0 {
			continue
		}
		bucket, ok := known[capability]
		if !ok {
			bucket = make(map[string]EntityRef)
			known[capability] = bucket
		}
		for label, ref := range m {
			bucket[label] = MergeEntityRefs(bucket[label], ref)
		}
	}
	return known
}

// KnownEntities returns the merged map for the current catalog.
func (e *Engine) KnownEntities() KnownEntities {
	var items map[string]catalog.Item
	if e.catalog != nil {
		items = e.catalog.Snapshot()
	}
	return BuildKnownEntities(e.opts.AreaEntityMap, items)
}

// EntityIDs flattens every reference, in capability then label order.
func (k KnownEntities) EntityIDs() []string {
	var ids []string
	for _, capability := range sortedKeys(k) {
		for _, label := range sortedKeys(k[capability]) {
			ids = append(ids, k[capability][label]...)
		}
	}
	return dedupe(ids)
}

// ByArea merges all capabilities into area label → entity ids.
func (k KnownEntities) ByArea() map[string][]string {
	out := make(map[string][]string)
	for _, capability := range sortedKeys(k) {
		for label, ref := range k[capability] {
			out[label] = MergeEntityRefs(out[label], ref)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
