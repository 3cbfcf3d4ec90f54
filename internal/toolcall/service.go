package toolcall

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/ha-area-bridge/internal/area"
	"github.com/nugget/ha-area-bridge/internal/catalog"
	"github.com/nugget/ha-area-bridge/internal/oplog"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// Request is a catalog tool call.
type Request struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	TraceID   string         `json:"trace_id,omitempty"`
	DryRun    bool           `json:"dry_run"`
}

// Service is the entry point for tool calls and area management.
type Service struct {
	catalog  catalog.Repository
	engine   *area.Engine
	executor *Executor
	recorder *oplog.Recorder
	logger   *slog.Logger
}

// NewService wires a catalog, the area engine and an executor.
func NewService(repo catalog.Repository, engine *area.Engine, executor *Executor, recorder *oplog.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:  repo,
		engine:   engine,
		executor: executor,
		recorder: recorder,
		logger:   logger,
	}
}

// Call looks req.ToolName up in the catalog and runs it. Missing and
// disabled tools are refused.
func (s *Service) Call(ctx context.Context, req Request) result.Result {
	ctx = oplog.WithTraceID(ctx, req.TraceID)
	started := time.Now()

	item, ok := s.catalog.Get(req.ToolName)
	if !ok || !item.Enabled {
		err := result.Errorf(result.ToolNotAllowed, "tool not allowed: %s", req.ToolName)
		s.logger.Warn("tool call refused", "tool", req.ToolName, "trace_id", req.TraceID)
		res := result.Fail(req.TraceID, err, nil)
		s.logToolCall(ctx, req.ToolName, "", req.DryRun, started, res)
		return res
	}

	res := s.run(ctx, item, MergeArguments(item.DefaultArguments, req.Arguments), req.DryRun)
	s.logToolCall(ctx, item.ToolName, item.Strategy, req.DryRun, started, res)
	return res
}

// run dispatches one catalog item with already merged arguments.
func (s *Service) run(ctx context.Context, item catalog.Item, args map[string]any, dryRun bool) result.Result {
	traceID := oplog.TraceID(ctx)
	strategy, ok := ParseStrategy(item.Strategy)
	if !ok {
		return result.Fail(traceID, result.Errorf(result.InvalidArgument, "unsupported strategy: %s", item.Strategy), nil)
	}

	switch strategy {
	case AreaSync:
		return s.Sync(ctx, area.SyncRequest{
			TargetAreas:      stringList(args["target_areas"]),
			DeleteUnused:     boolArg(args, "delete_unused", true),
			ForceDeleteInUse: boolArg(args, "force_delete_in_use", false),
			DryRun:           dryRun || boolArg(args, "dry_run", false),
		})
	case AreaAudit:
		return s.Audit(ctx, area.AuditRequest{
			TargetAreas:        stringList(args["target_areas"]),
			Domains:            stringList(args["domains"]),
			IncludeUnavailable: boolArg(args, "include_unavailable", false),
		})
	case AreaAssign:
		limit, err := intArg(args, "max_updates", area.DefaultMaxUpdates)
		if err != nil {
			return result.Fail(traceID, err, nil)
		}
		return s.Assign(ctx, area.AssignRequest{
			TargetAreas:        stringList(args["target_areas"]),
			Domains:            stringList(args["domains"]),
			IncludeUnavailable: boolArg(args, "include_unavailable", false),
			OnlyWithSuggestion: boolArg(args, "only_with_suggestion", true),
			MaxUpdates:         limit,
			DryRun:             dryRun || boolArg(args, "dry_run", false),
		})
	}

	inv, err := Resolve(ctx, s.engine, strategy, item.Domain, item.Service, args)
	if err != nil {
		s.logger.Warn("tool call resolution failed", "tool", item.ToolName, "strategy", strategy, "error", err)
		return result.Fail(traceID, err, nil)
	}
	return s.executor.Execute(ctx, Call{
		ToolName:   item.ToolName,
		Strategy:   strategy,
		Invocation: inv,
		DryRun:     dryRun,
	})
}

// Sync runs an area sync and wraps the plan in a result.
func (s *Service) Sync(ctx context.Context, req area.SyncRequest) result.Result {
	plan, err := s.engine.Sync(ctx, req)
	return wrap(ctx, "area sync completed", plan, err)
}

// Audit runs an area audit.
func (s *Service) Audit(ctx context.Context, req area.AuditRequest) result.Result {
	res, err := s.engine.Audit(ctx, req)
	return wrap(ctx, "area audit completed", res, err)
}

// Assign runs an area assignment.
func (s *Service) Assign(ctx context.Context, req area.AssignRequest) result.Result {
	plan, err := s.engine.Assign(ctx, req)
	return wrap(ctx, "area assign completed", plan, err)
}

// Reassign applies explicit entity → area pairs.
func (s *Service) Reassign(ctx context.Context, req area.ReassignRequest) result.Result {
	plan, err := s.engine.Reassign(ctx, req)
	return wrap(ctx, "area reassign completed", plan, err)
}

// wrap builds the envelope for an area operation. A partial failure
// still carries its plan.
func wrap[T any](ctx context.Context, okMessage string, data *T, err error) result.Result {
	traceID := oplog.TraceID(ctx)
	if err != nil {
		if data != nil {
			return result.Fail(traceID, err, data)
		}
		return result.Fail(traceID, err, nil)
	}
	return result.OK(traceID, okMessage, data)
}

func (s *Service) logToolCall(ctx context.Context, toolName, strategy string, dryRun bool, started time.Time, res result.Result) {
	detail := map[string]any{
		"tool_name": toolName,
		"dry_run":   dryRun,
		"message":   res.Message,
	}
	if strategy != "" {
		detail["strategy"] = strategy
	}
	if res.Kind != "" {
		detail["error_kind"] = string(res.Kind)
	}
	s.recorder.Log(oplog.Event{
		EventType:  oplog.TypeToolCall,
		Source:     "agent",
		Action:     "tool.call",
		DurationMS: oplog.Millis(time.Since(started)),
		TraceID:    oplog.TraceID(ctx),
		Success:    oplog.Bool(res.Success),
		Detail:     detail,
	})
}

// MergeArguments overlays caller arguments on catalog defaults. A
// catalog default "area" is dropped: the caller must name the area.
func MergeArguments(defaults, args map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(args))
	for k, v := range defaults {
		if k == "area" {
			continue
		}
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}

func stringList(v any) []string {
	return area.ParseEntityRef(v)
}

func boolArg(args map[string]any, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func intArg(args map[string]any, key string, def int) (int, error) {
	switch v := args[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, nil
		}
	}
	return 0, result.Errorf(result.InvalidArgument, "%s must be an integer", key)
}
