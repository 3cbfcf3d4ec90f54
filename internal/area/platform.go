package area

import (
	"context"

	"github.com/nugget/ha-area-bridge/internal/homeassistant"
)

// Platform is the slice of Home Assistant the engine reads from.
type Platform interface {
	HasToken() bool
	AreaCatalog(ctx context.Context) ([]homeassistant.AreaMembership, error)
	GetStates(ctx context.Context) ([]homeassistant.State, error)
	OpenRegistry(ctx context.Context) (Registry, error)
}

// Registry is one registry session. Every command of a sync or assign
// run goes through the same Registry, which the run closes when done.
type Registry interface {
	ListAreas(ctx context.Context) ([]homeassistant.Area, error)
	CreateArea(ctx context.Context, name string) (homeassistant.Area, error)
	UpdateArea(ctx context.Context, areaID, name string) (homeassistant.Area, error)
	DeleteArea(ctx context.Context, areaID string) error
	ListEntities(ctx context.Context) ([]homeassistant.EntityRegistryEntry, error)
	UpdateEntityArea(ctx context.Context, entityID, areaID string) error
	Close() error
}

// HAPlatform adapts a Home Assistant client to Platform.
func HAPlatform(c *homeassistant.Client) Platform {
	return haPlatform{c}
}

type haPlatform struct {
	*homeassistant.Client
}

func (p haPlatform) OpenRegistry(ctx context.Context) (Registry, error) {
	s, err := p.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}
