package area

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/nugget/ha-area-bridge/internal/areaname"
	"github.com/nugget/ha-area-bridge/internal/homeassistant"
)

// RemoteArea is an area as Home Assistant reports it right now.
type RemoteArea struct {
	AreaID    string   `json:"area_id"`
	AreaName  string   `json:"area_name"`
	EntityIDs []string `json:"entity_ids"`
}

// Directory is a point-in-time snapshot of remote areas.
type Directory struct {
	Areas []RemoteArea
}

// LoadDirectory fetches the current areas and memberships.
func (e *Engine) LoadDirectory(ctx context.Context) (*Directory, error) {
	rows, err := e.platform.AreaCatalog(homeassistant.WithOpContext(ctx, "ha.areas"))
	if err != nil {
		return nil, fmt.Errorf("load areas: %w", err)
	}
	d := &Directory{Areas: make([]RemoteArea, 0, len(rows))}
	for _, r := range rows {
		d.Areas = append(d.Areas, RemoteArea{
			AreaID:    r.AreaID,
			AreaName:  r.AreaName,
			EntityIDs: cleanList(r.Entities),
		})
	}
	return d, nil
}

// Match returns the first area whose id or name equals a candidate,
// probing candidates in order.
func (d *Directory) Match(candidates []string) (RemoteArea, bool) {
	for _, c := range candidates {
		for _, a := range d.Areas {
			if areaname.SameArea(c, a.AreaID) || areaname.SameArea(c, a.AreaName) {
				return a, true
			}
		}
	}
	return RemoteArea{}, false
}

// Owners maps each entity to the id of the area holding it.
func (d *Directory) Owners() map[string]string {
	out := make(map[string]string)
	for _, a := range d.Areas {
		for _, id := range a.EntityIDs {
			if _, ok := out[id]; !ok {
				out[id] = a.AreaID
			}
		}
	}
	return out
}

// AreaInfo is one row of an area listing.
type AreaInfo struct {
	AreaID             string   `json:"area_id"`
	AreaName           string   `json:"area_name"`
	HAEntities         []string `json:"ha_entities"`
	ConfiguredEntities []string `json:"configured_entities"`
	Entities           []string `json:"entities"`
	ExistingEntities   []string `json:"existing_entities,omitempty"`
	MissingEntities    []string `json:"missing_entities,omitempty"`
	ExistingCount      *int     `json:"existing_count,omitempty"`
	MissingCount       *int     `json:"missing_count,omitempty"`
}

// AreaListing merges remote areas with configured ones.
type AreaListing struct {
	Success   bool       `json:"success"`
	Source    string     `json:"source"`
	AreaCount int        `json:"area_count"`
	Areas     []AreaInfo `json:"areas"`
	Errors    []string   `json:"errors,omitempty"`
}

// ListAreas returns remote areas merged with every area named in the
// known-entity map, sorted by id. With validate set, each area also
// reports which of its entities currently exist. Remote failures are
// reported in Errors rather than failing the listing.
func (e *Engine) ListAreas(ctx context.Context, validate bool) *AreaListing {
	out := &AreaListing{}

	index := make(map[string]*AreaInfo)
	remoteOK := false
	if dir, err := e.LoadDirectory(ctx); err != nil {
		e.logger.Warn("area listing without remote areas", "error", err)
		out.Errors = append(out.Errors, err.Error())
	} else {
		remoteOK = true
		for _, a := range dir.Areas {
			index[a.AreaID] = &AreaInfo{AreaID: a.AreaID, AreaName: a.AreaName, HAEntities: a.EntityIDs}
		}
	}

	for label, ids := range e.KnownEntities().ByArea() {
		info, ok := index[label]
		if !ok {
			info = &AreaInfo{AreaID: label, AreaName: displayLabel(label)}
			index[label] = info
		}
		info.ConfiguredEntities = ids
	}

	var existing map[string]bool
	if validate {
		states, err := e.platform.GetStates(homeassistant.WithOpContext(ctx, "ha.states"))
		if err != nil {
			e.logger.Warn("area listing without state validation", "error", err)
			out.Errors = append(out.Errors, fmt.Sprintf("fetch states: %v", err))
		}
		existing = make(map[string]bool, len(states))
		for _, s := range states {
			existing[s.EntityID] = true
		}
	}

	for _, id := range sortedKeys(index) {
		info := index[id]
		if info.HAEntities == nil {
			info.HAEntities = []string{}
		}
		if info.ConfiguredEntities == nil {
			info.ConfiguredEntities = []string{}
		}
		info.Entities = MergeEntityRefs(info.HAEntities, info.ConfiguredEntities)
		if info.Entities == nil {
			info.Entities = []string{}
		}
		if validate {
			info.ExistingEntities, info.MissingEntities = []string{}, []string{}
			for _, ent := range info.Entities {
				if existing[ent] {
					info.ExistingEntities = append(info.ExistingEntities, ent)
				} else {
					info.MissingEntities = append(info.MissingEntities, ent)
				}
			}
			ec, mc := len(info.ExistingEntities), len(info.MissingEntities)
			info.ExistingCount, info.MissingCount = &ec, &mc
		}
		out.Areas = append(out.Areas, *info)
	}

	out.AreaCount = len(out.Areas)
	out.Success = remoteOK || out.AreaCount > 0
	out.Source = "config_map"
	if remoteOK {
		out.Source = "ha_template+config_map"
	}
	return out
}

// displayLabel turns a configured label like "living_room" into
// "Living Room".
func displayLabel(label string) string {
	return cases.Title(language.Und).String(strings.Join(strings.FieldsFunc(label, func(r rune) bool { return r == '_' }), " "))
}

// MatchListing finds an area in a listing by id or name.
func MatchListing(areas []AreaInfo, text string) (AreaInfo, bool) {
	for _, a := range areas {
		if areaname.SameArea(text, a.AreaID) || areaname.SameArea(text, a.AreaName) {
			return a, true
		}
	}
	return AreaInfo{}, false
}
