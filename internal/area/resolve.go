package area

import (
	"context"
	"strings"

	"github.com/nugget/ha-area-bridge/internal/areaname"
	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// ResolveArgs are the merged call arguments the resolver looks at.
type ResolveArgs struct {
	Area         string
	EntityID     EntityRef
	ExcludeAreas []string
	// AreaEntityMap is the request-supplied or catalog default map for
	// the capability being resolved. Empty means use configuration.
	AreaEntityMap map[string]EntityRef
}

// ResolveArgsFrom picks the resolver inputs out of merged arguments.
func ResolveArgsFrom(capability string, args map[string]any) ResolveArgs {
	ra := ResolveArgs{
		EntityID:      ParseEntityRef(args["entity_id"]),
		ExcludeAreas:  ParseEntityRef(args["exclude_areas"]),
		AreaEntityMap: ExtractAreaEntityMap(args["area_entity_map"], capability),
	}
	if a, ok := args["area"]; ok && a != nil {
		ra.Area = strings.TrimSpace(stringValue(a))
	}
	return ra
}

// Resolve returns the entities of the given capability that args point
// at. In order: explicit entity ids; "all areas"; a live area matching
// any lookup candidate; the static map. Nothing matching is an
// AreaNotConfigured error; there is no default area.
func (e *Engine) Resolve(ctx context.Context, capability string, args ResolveArgs) (EntityRef, error) {
	if args.EntityID != nil {
		return args.EntityID, nil
	}

	areaText := strings.TrimSpace(args.Area)
	if areaText == "" {
		return nil, result.Errorf(result.AreaRequired, "area is required for %s strategy", capability)
	}

	var dir *Directory
	if e.platform != nil && e.platform.HasToken() {
		var err error
		dir, err = e.LoadDirectory(ctx)
		if err != nil {
			e.logger.Warn("live areas unavailable, using configured map", "area", areaText, "error", err)
			dir = nil
		}
	}

	if areaname.IsAllAreas(areaText) && dir != nil {
		if ref := e.resolveAll(ctx, dir, capability, args.ExcludeAreas); ref != nil {
			return ref, nil
		}
	}

	candidates := areaname.LookupCandidates(areaText)

	if dir != nil {
		if a, ok := dir.Match(candidates); ok {
			if ref := dedupe(areaname.FilterByType(a.EntityIDs, capability)); ref != nil {
				e.logger.Debug("area resolved from live registry", "area", areaText, "area_id", a.AreaID, "entities", len(ref))
				return ref, nil
			}
			e.logger.Debug("live area has no matching entities", "area", areaText, "area_id", a.AreaID, "capability", capability)
		}
	}

	static := args.AreaEntityMap
	if len(static) == 0 {
		static = make(map[string]EntityRef)
		for label, ids := range e.opts.AreaEntityMap[capability] {
			if ref := ParseEntityRef(ids); ref != nil {
				static[strings.ToLower(strings.TrimSpace(label))] = ref
			}
		}
	}
	if ref := lookupStatic(static, candidates); ref != nil {
		return ref, nil
	}

	err := result.Errorf(result.AreaNotConfigured, "%s entity is not configured for area: %s", capability, areaText)
	e.logger.Warn("area resolution failed", "capability", capability, "area", areaText)
	return nil, err
}

// resolveAll gathers every filtered entity from non-excluded areas plus
// every filtered entity that sits in no area at all.
func (e *Engine) resolveAll(ctx context.Context, dir *Directory, capability string, exclude []string) EntityRef {
	excluded := func(a RemoteArea) bool {
		for _, x := range exclude {
			for _, c := range areaname.LookupCandidates(x) {
				if areaname.SameArea(c, a.AreaID) || areaname.SameArea(c, a.AreaName) {
					return true
				}
			}
		}
		return false
	}

	var ids []string
	for _, a := range dir.Areas {
		if excluded(a) {
			continue
		}
		ids = append(ids, areaname.FilterByType(a.EntityIDs, capability)...)
	}

	states, err := e.platform.GetStates(homeassistant.WithOpContext(ctx, "ha.states"))
	if err != nil {
		e.logger.Warn("all-areas resolution without unassigned entities", "error", err)
	} else {
		owners := dir.Owners()
		var loose []string
		for _, s := range states {
			if _, ok := owners[s.EntityID]; !ok {
				loose = append(loose, s.EntityID)
			}
		}
		ids = append(ids, areaname.FilterByType(loose, capability)...)
	}
	return dedupe(ids)
}

// lookupStatic probes candidates in order against normalized map keys.
func lookupStatic(m map[string]EntityRef, candidates []string) EntityRef {
	if len(m) == 0 {
		return nil
	}
	byKey := make(map[string]EntityRef, len(m))
	for _, label := range sortedKeys(m) {
		key := areaname.NormalizeLabel(label)
		if _, dup := byKey[key]; !dup {
			byKey[key] = m[label]
		}
	}
	for _, c := range candidates {
		if ref, ok := byKey[areaname.NormalizeLabel(c)]; ok && ref != nil {
			return ref
		}
	}
	return nil
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	ref := ParseEntityRef(v)
	return ref.First()
}
