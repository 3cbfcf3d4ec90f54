package toolcall

import (
	"context"
	"strings"
	"time"

	"github.com/nugget/ha-area-bridge/internal/catalog"
	"github.com/nugget/ha-area-bridge/internal/oplog"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// DeviceRequest is a built-in device control. EntityID may be a string
// or a list and overrides Area.
type DeviceRequest struct {
	Action      string `json:"action"`
	Area        string `json:"area,omitempty"`
	EntityID    any    `json:"entity_id,omitempty"`
	Temperature *int   `json:"temperature,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
	DryRun      bool   `json:"dry_run"`
}

func (r DeviceRequest) arguments() map[string]any {
	args := make(map[string]any)
	if a := strings.TrimSpace(r.Area); a != "" {
		args["area"] = a
	}
	if r.EntityID != nil {
		args["entity_id"] = r.EntityID
	}
	if r.Temperature != nil {
		args["temperature"] = *r.Temperature
	}
	return args
}

var (
	lightServices   = map[string]string{"on": "turn_on", "off": "turn_off"}
	curtainServices = map[string]string{"open": "open_cover", "close": "close_cover", "stop": "stop_cover"}
)

// Lights switches the lights of an area on or off.
func (s *Service) Lights(ctx context.Context, req DeviceRequest) result.Result {
	service, ok := lightServices[req.Action]
	if !ok {
		return s.badAction(ctx, req, "lights")
	}
	return s.device(ctx, req, catalog.Item{
		ToolName:    "device.lights." + req.Action,
		Domain:      "auto",
		Service:     service,
		Strategy:    LightArea.String(),
		Enabled:     true,
		Description: "Built-in light control",
	})
}

// Curtains opens, closes or stops the covers of an area.
func (s *Service) Curtains(ctx context.Context, req DeviceRequest) result.Result {
	service, ok := curtainServices[req.Action]
	if !ok {
		return s.badAction(ctx, req, "curtains")
	}
	return s.device(ctx, req, catalog.Item{
		ToolName:    "device.curtains." + req.Action,
		Domain:      "cover",
		Service:     service,
		Strategy:    CoverArea.String(),
		Enabled:     true,
		Description: "Built-in curtain control",
	})
}

// Climate turns climate units on or off, or sets their temperature.
func (s *Service) Climate(ctx context.Context, req DeviceRequest) result.Result {
	strategy := ClimateArea
	switch req.Action {
	case "turn_on", "turn_off":
	case "set_temperature":
		strategy = ClimateAreaTemperature
	default:
		return s.badAction(ctx, req, "climate")
	}
	return s.device(ctx, req, catalog.Item{
		ToolName:    "device.climate." + req.Action,
		Domain:      "climate",
		Service:     req.Action,
		Strategy:    strategy.String(),
		Enabled:     true,
		Description: "Built-in climate control",
	})
}

// Custom runs a catalog tool; it is Call under another name.
func (s *Service) Custom(ctx context.Context, req Request) result.Result {
	return s.Call(ctx, req)
}

func (s *Service) device(ctx context.Context, req DeviceRequest, item catalog.Item) result.Result {
	ctx = oplog.WithTraceID(ctx, req.TraceID)
	started := time.Now()
	res := s.run(ctx, item, req.arguments(), req.DryRun)
	s.logToolCall(ctx, item.ToolName, item.Strategy, req.DryRun, started, res)
	return res
}

func (s *Service) badAction(ctx context.Context, req DeviceRequest, kind string) result.Result {
	s.logger.Warn("unsupported device action", "device", kind, "action", req.Action)
	return result.Fail(req.TraceID, result.Errorf(result.InvalidArgument, "unsupported %s action: %s", kind, req.Action), nil)
}
