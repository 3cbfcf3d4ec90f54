package area

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nugget/ha-area-bridge/internal/homeassistant"
)

// fakeHome is an in-memory Home Assistant: an area registry, an entity
// registry and entity states. Area membership reported by AreaCatalog
// is derived from the entity registry plus deviceAreas.
type fakeHome struct {
	mu sync.Mutex

	noToken     bool
	areas       []homeassistant.Area
	registry    map[string]string // entity id → area id ("" = none)
	deviceAreas map[string]string // entity id → area id via its device
	states      []homeassistant.State

	// failures maps "command:key" to the error that command returns,
	// e.g. "delete:old_room" or "update_entity:light.x".
	failures map[string]error
	// commands is every registry command received, in order.
	commands []string
	opened   int
	closed   int
}

func newFakeHome() *fakeHome {
	return &fakeHome{
		registry:    map[string]string{},
		deviceAreas: map[string]string{},
		failures:    map[string]error{},
	}
}

func (f *fakeHome) addArea(id, name string) {
	f.areas = append(f.areas, homeassistant.Area{AreaID: id, Name: name})
}

func (f *fakeHome) addEntity(id, friendly, state, areaID string) {
	f.registry[id] = areaID
	f.states = append(f.states, homeassistant.State{
		EntityID:   id,
		State:      state,
		Attributes: map[string]any{"friendly_name": friendly},
	})
}

func (f *fakeHome) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.commands {
		if !strings.HasPrefix(c, "list") {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeHome) HasToken() bool { return !f.noToken }

func (f *fakeHome) AreaCatalog(context.Context) ([]homeassistant.AreaMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["area_catalog"]; err != nil {
		return nil, err
	}
	out := make([]homeassistant.AreaMembership, 0, len(f.areas))
	for _, a := range f.areas {
		m := homeassistant.AreaMembership{AreaID: a.AreaID, AreaName: a.Name}
		for _, s := range f.states {
			if f.registry[s.EntityID] == a.AreaID || f.deviceAreas[s.EntityID] == a.AreaID {
				m.Entities = append(m.Entities, s.EntityID)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeHome) GetStates(context.Context) ([]homeassistant.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["states"]; err != nil {
		return nil, err
	}
	return append([]homeassistant.State(nil), f.states...), nil
}

func (f *fakeHome) OpenRegistry(context.Context) (Registry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["open"]; err != nil {
		return nil, err
	}
	f.opened++
	return &fakeRegistry{home: f}, nil
}

type fakeRegistry struct {
	home *fakeHome
}

func (r *fakeRegistry) do(command, key string) error {
	f := r.home
	f.commands = append(f.commands, command+":"+key)
	return f.failures[command+":"+key]
}

func (r *fakeRegistry) ListAreas(context.Context) ([]homeassistant.Area, error) {
	f := r.home
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := r.do("list_areas", ""); err != nil {
		return nil, err
	}
	return append([]homeassistant.Area(nil), f.areas...), nil
}

func (r *fakeRegistry) CreateArea(_ context.Context, name string) (homeassistant.Area, error) {
	f := r.home
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := r.do("create", name); err != nil {
		return homeassistant.Area{}, err
	}
	for _, a := range f.areas {
		if a.AreaID == name {
			return homeassistant.Area{}, fmt.Errorf("area %s already exists", name)
		}
	}
	a := homeassistant.Area{AreaID: name, Name: name}
	f.areas = append(f.areas, a)
	return a, nil
}

func (r *fakeRegistry) UpdateArea(_ context.Context, areaID, name string) (homeassistant.Area, error) {
	f := r.home
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := r.do("rename", areaID); err != nil {
		return homeassistant.Area{}, err
	}
	for i := range f.areas {
		if f.areas[i].AreaID == areaID {
			f.areas[i].Name = name
			return f.areas[i], nil
		}
	}
	return homeassistant.Area{}, &homeassistant.CommandError{Code: "not_found", Message: "Area not found"}
}

func (r *fakeRegistry) DeleteArea(_ context.Context, areaID string) error {
	f := r.home
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := r.do("delete", areaID); err != nil {
		return err
	}
	for i := range f.areas {
		if f.areas[i].AreaID == areaID {
			f.areas = append(f.areas[:i], f.areas[i+1:]...)
			for id, a := range f.registry {
				if a == areaID {
					f.registry[id] = ""
				}
			}
			return nil
		}
	}
	return &homeassistant.CommandError{Code: "not_found", Message: "Area not found"}
}

func (r *fakeRegistry) ListEntities(context.Context) ([]homeassistant.EntityRegistryEntry, error) {
	f := r.home
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := r.do("list_entities", ""); err != nil {
		return nil, err
	}
	var out []homeassistant.EntityRegistryEntry
	for id, areaID := range f.registry {
		out = append(out, homeassistant.EntityRegistryEntry{EntityID: id, AreaID: areaID})
	}
	return out, nil
}

func (r *fakeRegistry) UpdateEntityArea(_ context.Context, entityID, areaID string) error {
	f := r.home
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := r.do("update_entity", entityID); err != nil {
		return err
	}
	if _, ok := f.registry[entityID]; !ok {
		return &homeassistant.CommandError{Code: "not_found", Message: "Entity not found"}
	}
	f.registry[entityID] = areaID
	return nil
}

func (r *fakeRegistry) Close() error {
	r.home.mu.Lock()
	defer r.home.mu.Unlock()
	r.home.closed++
	return nil
}

func testEngine(home *fakeHome) *Engine {
	return NewEngine(home, nil, Options{
		AreaEntityMap: map[string]map[string][]string{
			"light": {"study": {"light.study"}, "living_room": {"light.living_room"}},
			"cover": {"living_room": {"cover.living_room"}},
		},
		IgnorePrefixes: []string{"switch.zigbee2mqtt_bridge"},
		DefaultDomains: []string{"light", "switch", "climate", "cover", "fan"},
	}, nil, nil)
}
