package toolcall

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/ha-area-bridge/internal/area"
	"github.com/nugget/ha-area-bridge/internal/areaname"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// Temperature bounds accepted by climate_area_temperature.
const (
	MinTemperature = 16
	MaxTemperature = 30
)

// Invocation is a fully resolved service call.
type Invocation struct {
	Domain  string         `json:"domain"`
	Service string         `json:"service"`
	Data    map[string]any `json:"service_data"`
}

// AreaResolver finds entities for an area reference. *area.Engine
// implements it.
type AreaResolver interface {
	Resolve(ctx context.Context, capability string, args area.ResolveArgs) (area.EntityRef, error)
}

// Resolve builds the invocation for a service-call strategy. domain may
// be "", "auto" or "entity" to take the domain from the first resolved
// entity. Argument problems come back as InvalidArgument, AreaRequired
// or AreaNotConfigured errors before anything is sent.
func Resolve(ctx context.Context, areas AreaResolver, s Strategy, domain, service string, args map[string]any) (Invocation, error) {
	var data map[string]any
	switch s {
	case Passthrough:
		data = make(map[string]any, len(args))
		for k, v := range args {
			data[k] = v
		}

	case LightArea, CoverArea, ClimateArea:
		ref, err := areas.Resolve(ctx, s.Capability(), area.ResolveArgsFrom(s.Capability(), args))
		if err != nil {
			return Invocation{}, err
		}
		data = map[string]any{"entity_id": ref.Value()}

	case ClimateAreaTemperature:
		// Checked first: a bad temperature never costs a remote lookup.
		temp, err := ParseTemperature(args["temperature"])
		if err != nil {
			return Invocation{}, err
		}
		ref, err := areas.Resolve(ctx, s.Capability(), area.ResolveArgsFrom(s.Capability(), args))
		if err != nil {
			return Invocation{}, err
		}
		data = map[string]any{"entity_id": ref.Value(), "temperature": temp}

	case SceneID:
		scene := ""
		if v, ok := args["scene_id"]; ok && v != nil {
			scene = strings.TrimSpace(area.ParseEntityRef(v).First())
		}
		if scene == "" {
			return Invocation{}, result.Errorf(result.InvalidArgument, "scene_id is required")
		}
		data = map[string]any{"entity_id": scene}

	default:
		return Invocation{}, result.Errorf(result.InvalidArgument, "unsupported strategy: %s", s)
	}

	return Invocation{
		Domain:  ResolveDomain(domain, data),
		Service: service,
		Data:    data,
	}, nil
}

// ResolveDomain returns domain unless it asks for inference, in which
// case the first entity id's domain is used, falling back to
// "homeassistant".
func ResolveDomain(domain string, data map[string]any) string {
	switch strings.ToLower(strings.TrimSpace(domain)) {
	case "", "auto", "entity":
	default:
		return domain
	}
	if d := areaname.Domain(area.ParseEntityRef(data["entity_id"]).First()); d != "" {
		return d
	}
	return "homeassistant"
}

// ParseTemperature accepts whole numbers in range, given as a JSON
// number or a numeric string.
func ParseTemperature(raw any) (int, error) {
	if raw == nil {
		return 0, result.Errorf(result.InvalidArgument, "temperature is required")
	}

	var f float64
	switch v := raw.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, result.Errorf(result.InvalidArgument, "temperature must be an integer")
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, result.Errorf(result.InvalidArgument, "temperature must be an integer")
		}
		f = parsed
	default:
		return 0, result.Errorf(result.InvalidArgument, "temperature must be an integer")
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, result.Errorf(result.InvalidArgument, "temperature must be an integer")
	}
	if f < MinTemperature || f > MaxTemperature {
		return 0, result.Errorf(result.InvalidArgument, "temperature must be between %d and %d", MinTemperature, MaxTemperature)
	}
	return int(f), nil
}
