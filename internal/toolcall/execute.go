package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/oplog"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// Caller sends service calls. *homeassistant.Client implements it.
type Caller interface {
	HasToken() bool
	CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error)
}

// Call is one resolved tool invocation ready to execute.
type Call struct {
	ToolName string
	Strategy Strategy
	Invocation
	DryRun bool
}

// Executor sends resolved calls to Home Assistant and reports the
// outcome as a result envelope.
type Executor struct {
	ha         Caller
	retryDelay time.Duration
	recorder   *oplog.Recorder
	logger     *slog.Logger
}

// NewExecutor creates an executor. retryDelay is the pause between the
// climate turn_on and the repeated set_temperature.
func NewExecutor(ha Caller, retryDelay time.Duration, recorder *oplog.Recorder, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ha: ha, retryDelay: retryDelay, recorder: recorder, logger: logger}
}

// Execute runs c. climate.set_temperature gets one turn_on-and-retry
// on a transient failure whatever strategy built it; nothing else is
// retried.
func (x *Executor) Execute(ctx context.Context, c Call) result.Result {
	if !c.DryRun && c.Domain == "climate" && c.Service == "set_temperature" {
		return x.executeClimate(ctx, c)
	}
	res, _ := x.execute(ctx, c)
	return res
}

func (x *Executor) baseData(c Call) map[string]any {
	return map[string]any{
		"tool_name":    c.ToolName,
		"strategy":     c.Strategy.String(),
		"domain":       c.Domain,
		"service":      c.Service,
		"service_data": c.Data,
	}
}

// execute performs exactly one service call. The error is the raw
// platform error, for retry classification.
func (x *Executor) execute(ctx context.Context, c Call) (result.Result, error) {
	traceID := oplog.TraceID(ctx)
	data := x.baseData(c)
	detail := map[string]any{
		"tool_name":    c.ToolName,
		"domain":       c.Domain,
		"service":      c.Service,
		"service_data": c.Data,
	}

	if c.DryRun {
		x.logCall(traceID, "ha.call.dry_run", true, detail)
		data["dry_run"] = true
		return result.OK(traceID, "dry run only, no HA call executed", data), nil
	}

	if !x.ha.HasToken() {
		detail["message"] = homeassistant.ErrTokenMissing.Error()
		x.logCall(traceID, "ha.call", false, detail)
		return result.Fail(traceID, homeassistant.ErrTokenMissing, nil), homeassistant.ErrTokenMissing
	}

	resp, err := x.ha.CallService(homeassistant.WithOpContext(ctx, "tool_call"), c.Domain, c.Service, c.Data)
	if err != nil {
		var apiErr *homeassistant.APIError
		if errors.As(err, &apiErr) {
			detail["ha_status"] = apiErr.StatusCode
			detail["ha_body"] = apiErr.Body
			data["ha_status"] = apiErr.StatusCode
			data["ha_body"] = apiErr.Body
			x.logCall(traceID, "ha.call", false, detail)
			x.logger.Warn("service call rejected", "tool", c.ToolName, "domain", c.Domain, "service", c.Service, "status", apiErr.StatusCode)
			return result.Result{
				Message: fmt.Sprintf("HA call failed: %d %s", apiErr.StatusCode, apiErr.Body),
				TraceID: traceID,
				Kind:    homeassistant.Kind(err),
				Data:    data,
			}, err
		}

		detail["message"] = err.Error()
		x.logCall(traceID, "ha.call", false, detail)
		x.logger.Warn("service call failed", "tool", c.ToolName, "domain", c.Domain, "service", c.Service, "error", err)
		return result.Result{
			Message: fmt.Sprintf("HA bridge error: %v", err),
			TraceID: traceID,
			Kind:    homeassistant.Kind(err),
		}, err
	}

	x.logCall(traceID, "ha.call", true, detail)
	x.logger.Debug("service call succeeded", "tool", c.ToolName, "domain", c.Domain, "service", c.Service)
	data["ha_response"] = resp
	return result.OK(traceID, "HA call succeeded", data), nil
}

func (x *Executor) logCall(traceID, action string, ok bool, detail map[string]any) {
	x.recorder.Log(oplog.Event{
		EventType: oplog.TypeHACall,
		Source:    "system",
		Action:    action,
		TraceID:   traceID,
		Success:   oplog.Bool(ok),
		Detail:    detail,
	})
}
