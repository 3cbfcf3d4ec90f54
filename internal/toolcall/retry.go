package toolcall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// retryState tracks the climate set_temperature retry.
type retryState int

const (
	stateInitial retryState = iota
	stateAttempted
	stateSuccess
	stateTurnOnRetrying
	stateRetried
)

func (s retryState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateAttempted:
		return "attempted"
	case stateSuccess:
		return "success"
	case stateTurnOnRetrying:
		return "turn_on_retrying"
	case stateRetried:
		return "retried"
	}
	return "unknown"
}

// transient reports whether a failed set_temperature is worth a
// turn_on and one more attempt: a 500 from Home Assistant, or a bridge
// error (the call never got an HTTP answer). A missing token is not.
func transient(err error) bool {
	if err == nil || errors.Is(err, homeassistant.ErrTokenMissing) {
		return false
	}
	var apiErr *homeassistant.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusInternalServerError
	}
	return true
}

// executeClimate runs set_temperature. Climate units that are off often
// reject it with a 500, so a transient failure turns the unit on,
// waits retryDelay and tries once more.
func (x *Executor) executeClimate(ctx context.Context, c Call) result.Result {
	state := stateInitial

	first, err := x.execute(ctx, c)
	state = stateAttempted
	if err == nil {
		state = stateSuccess
		return withRetry(first, state, nil)
	}
	if !transient(err) {
		return first
	}
	// Never turn on every climate unit because the target was implicit.
	if c.Data["entity_id"] == nil {
		return first
	}

	state = stateTurnOnRetrying
	x.logger.Info("set_temperature failed, turning climate on and retrying",
		"tool", c.ToolName, "entity_id", c.Data["entity_id"], "error", err)

	turnOn := Call{
		ToolName:   c.ToolName,
		Strategy:   ClimateArea,
		Invocation: Invocation{Domain: "climate", Service: "turn_on", Data: map[string]any{"entity_id": c.Data["entity_id"]}},
	}
	on, onErr := x.execute(ctx, turnOn)
	if onErr != nil {
		x.logger.Warn("climate turn_on failed, not retrying", "tool", c.ToolName, "error", onErr)
		first.Message = fmt.Sprintf("%s; turn_on failed: %s", first.Message, on.Message)
		return withRetry(first, state, map[string]any{"turn_on": on.Message})
	}

	if x.retryDelay > 0 {
		t := time.NewTimer(x.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			first.Message = fmt.Sprintf("%s; retry cancelled: %v", first.Message, ctx.Err())
			return withRetry(first, state, nil)
		case <-t.C:
		}
	}

	second, _ := x.execute(ctx, c)
	state = stateRetried
	return withRetry(second, state, map[string]any{"first_error": first.Message})
}

// withRetry records the final retry state in the result data.
func withRetry(r result.Result, state retryState, extra map[string]any) result.Result {
	data, ok := r.Data.(map[string]any)
	if !ok {
		data = map[string]any{}
	}
	info := map[string]any{"state": state.String()}
	for k, v := range extra {
		info[k] = v
	}
	data["retry"] = info
	r.Data = data
	return r
}
