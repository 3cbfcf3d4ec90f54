package area

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/ha-area-bridge/internal/areaname"
	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// Assignment limits.
const (
	DefaultMaxUpdates = 200
	MaxMaxUpdates     = 2000
)

// Reasons an assignment was skipped.
const (
	ReasonNoSuggestion        = "no_suggestion"
	ReasonLimitExceeded       = "limit_exceeded"
	ReasonSuggestedNotFound   = "suggested_area_not_found"
	ReasonAreaNotFound        = "area_not_found"
	ReasonAlreadyAssigned     = "already_assigned"
	ReasonNotInEntityRegistry = "not_in_entity_registry"
	ReasonInvalidAssignment   = "invalid_assignment"
)

// AssignRequest drives an audit-based assignment run. A zero
// MaxUpdates means DefaultMaxUpdates.
type AssignRequest struct {
	TargetAreas        []string `json:"target_areas"`
	Domains            []string `json:"domains"`
	IncludeUnavailable bool     `json:"include_unavailable"`
	OnlyWithSuggestion bool     `json:"only_with_suggestion"`
	MaxUpdates         int      `json:"max_updates"`
	DryRun             bool     `json:"dry_run"`
}

// Assignment is one explicit entity → area request.
type Assignment struct {
	EntityID string `json:"entity_id"`
	Area     string `json:"area"`
}

// ReassignRequest applies explicit assignments.
type ReassignRequest struct {
	Assignments []Assignment `json:"assignments"`
	DryRun      bool         `json:"dry_run"`
}

// AssignmentItem is one entity in an assignment plan.
type AssignmentItem struct {
	EntityID   string `json:"entity_id"`
	Area       string `json:"area"`
	AreaID     string `json:"area_id,omitempty"`
	FromAreaID string `json:"from_area_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
}

// AssignmentPlan is what an assign or reassign run did, or under dry
// run would do.
type AssignmentPlan struct {
	DryRun       bool             `json:"dry_run"`
	Planned      []AssignmentItem `json:"planned"`
	Updated      []AssignmentItem `json:"updated"`
	Failed       []AssignmentItem `json:"failed"`
	Skipped      []AssignmentItem `json:"skipped"`
	PlannedCount int              `json:"planned_count"`
	UpdatedCount int              `json:"updated_count"`
	FailedCount  int              `json:"failed_count"`
	SkippedCount int              `json:"skipped_count"`
}

func newAssignmentPlan(dryRun bool) *AssignmentPlan {
	return &AssignmentPlan{
		DryRun:  dryRun,
		Planned: []AssignmentItem{},
		Updated: []AssignmentItem{},
		Failed:  []AssignmentItem{},
		Skipped: []AssignmentItem{},
	}
}

func (p *AssignmentPlan) skip(it AssignmentItem, reason string) {
	it.Reason = reason
	p.Skipped = append(p.Skipped, it)
}

func (p *AssignmentPlan) count() {
	p.PlannedCount = len(p.Planned)
	p.UpdatedCount = len(p.Updated)
	p.FailedCount = len(p.Failed)
	p.SkippedCount = len(p.Skipped)
}

// Assign places unassigned entities into the target areas their names
// suggest. Entities already in a target area, or already registered to
// the suggested area, are skipped as already assigned, so a second run
// writes nothing.
func (e *Engine) Assign(ctx context.Context, req AssignRequest) (*AssignmentPlan, error) {
	started := time.Now()
	plan, err := e.assign(ctx, req)
	e.logOp(ctx, "area.assign", started, err, planDetail(plan, map[string]any{
		"target_areas": req.TargetAreas, "dry_run": req.DryRun, "max_updates": req.MaxUpdates,
	}))
	if err != nil {
		e.logger.Warn("area assign failed", "error", err)
	}
	return plan, err
}

func (e *Engine) assign(ctx context.Context, req AssignRequest) (*AssignmentPlan, error) {
	limit := req.MaxUpdates
	if limit == 0 {
		limit = DefaultMaxUpdates
	}
	if limit < 1 || limit > MaxMaxUpdates {
		return nil, result.Errorf(result.InvalidArgument, "max_updates must be between 1 and %d", MaxMaxUpdates)
	}

	audit, err := e.audit(ctx, AuditRequest{
		TargetAreas:        req.TargetAreas,
		Domains:            req.Domains,
		IncludeUnavailable: req.IncludeUnavailable,
	})
	if err != nil {
		return nil, err
	}

	plan := newAssignmentPlan(req.DryRun)
	for _, f := range audit.inTarget {
		plan.skip(AssignmentItem{EntityID: f.EntityID, Area: f.SuggestedArea, AreaID: audit.TargetAreaIDs[f.SuggestedArea]}, ReasonAlreadyAssigned)
	}

	var eligible []Finding
	for _, f := range audit.Findings {
		if f.SuggestedArea == "" && req.OnlyWithSuggestion {
			plan.skip(AssignmentItem{EntityID: f.EntityID}, ReasonNoSuggestion)
			continue
		}
		eligible = append(eligible, f)
	}
	if len(eligible) > limit {
		for _, f := range eligible[limit:] {
			plan.skip(AssignmentItem{EntityID: f.EntityID, Area: f.SuggestedArea}, ReasonLimitExceeded)
		}
		eligible = eligible[:limit]
	}

	if len(eligible) == 0 {
		plan.count()
		return plan, nil
	}

	reg, err := e.platform.OpenRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("open registry session: %w", err)
	}
	defer reg.Close()

	areas, err := reg.ListAreas(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := reg.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	registered := registryAreas(entries)

	for _, f := range eligible {
		it := AssignmentItem{EntityID: f.EntityID, Area: f.SuggestedArea}
		if f.SuggestedArea == "" {
			plan.skip(it, ReasonNoSuggestion)
			continue
		}
		a, ok := matchArea(areas, f.SuggestedArea)
		if !ok {
			plan.skip(it, ReasonSuggestedNotFound)
			continue
		}
		it.AreaID = a.AreaID
		e.planWrite(plan, it, registered)
	}

	return e.applyAssignments(ctx, reg, plan)
}

// Reassign applies caller-supplied entity → area pairs through the same
// write path as Assign.
func (e *Engine) Reassign(ctx context.Context, req ReassignRequest) (*AssignmentPlan, error) {
	started := time.Now()
	plan, err := e.reassign(ctx, req)
	e.logOp(ctx, "area.reassign", started, err, planDetail(plan, map[string]any{
		"assignments": len(req.Assignments), "dry_run": req.DryRun,
	}))
	if err != nil {
		e.logger.Warn("area reassign failed", "error", err)
	}
	return plan, err
}

func (e *Engine) reassign(ctx context.Context, req ReassignRequest) (*AssignmentPlan, error) {
	if len(req.Assignments) == 0 {
		return nil, result.Errorf(result.InvalidArgument, "assignments is required")
	}
	if !e.platform.HasToken() {
		return nil, homeassistant.ErrTokenMissing
	}

	reg, err := e.platform.OpenRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("open registry session: %w", err)
	}
	defer reg.Close()

	areas, err := reg.ListAreas(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := reg.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	registered := registryAreas(entries)

	plan := newAssignmentPlan(req.DryRun)
	for _, as := range req.Assignments {
		it := AssignmentItem{EntityID: strings.TrimSpace(as.EntityID), Area: strings.TrimSpace(as.Area)}
		if it.EntityID == "" || it.Area == "" {
			plan.skip(it, ReasonInvalidAssignment)
			continue
		}
		a, ok := matchArea(areas, it.Area)
		if !ok {
			plan.skip(it, ReasonAreaNotFound)
			continue
		}
		it.AreaID = a.AreaID
		e.planWrite(plan, it, registered)
	}

	return e.applyAssignments(ctx, reg, plan)
}

// planWrite queues it unless the registry already has it in place.
func (e *Engine) planWrite(plan *AssignmentPlan, it AssignmentItem, registered map[string]string) {
	current, ok := registered[it.EntityID]
	if !ok {
		plan.skip(it, ReasonNotInEntityRegistry)
		return
	}
	if current == it.AreaID {
		plan.skip(it, ReasonAlreadyAssigned)
		return
	}
	it.FromAreaID = current
	it.Pending = plan.DryRun
	plan.Planned = append(plan.Planned, it)
}

// applyAssignments writes every planned item. One failure does not
// stop the others; a broken session fails the rest without sending.
func (e *Engine) applyAssignments(ctx context.Context, reg Registry, plan *AssignmentPlan) (*AssignmentPlan, error) {
	if !plan.DryRun {
		var aborted error
		for _, it := range plan.Planned {
			var err error
			if aborted != nil {
				err = fmt.Errorf("session aborted: %w", aborted)
			} else {
				err = reg.UpdateEntityArea(ctx, it.EntityID, it.AreaID)
			}
			if err != nil {
				if aborted == nil && homeassistant.IsConnError(err) {
					aborted = err
				}
				e.logger.Warn("entity area update failed", "entity_id", it.EntityID, "area_id", it.AreaID, "error", err)
				it.Message = err.Error()
				plan.Failed = append(plan.Failed, it)
				continue
			}
			plan.Updated = append(plan.Updated, it)
		}
	}
	plan.count()
	if plan.FailedCount > 0 {
		return plan, result.Errorf(result.PartialFailure, "%d of %d entity updates failed", plan.FailedCount, plan.PlannedCount)
	}
	return plan, nil
}

func registryAreas(entries []homeassistant.EntityRegistryEntry) map[string]string {
	out := make(map[string]string, len(entries))
	for _, en := range entries {
		out[en.EntityID] = en.AreaID
	}
	return out
}

func matchArea(areas []homeassistant.Area, text string) (homeassistant.Area, bool) {
	for _, c := range areaname.LookupCandidates(text) {
		for _, a := range areas {
			if areaname.SameArea(c, a.AreaID) || areaname.SameArea(c, a.Name) {
				return a, true
			}
		}
	}
	return homeassistant.Area{}, false
}

func planDetail(plan *AssignmentPlan, detail map[string]any) map[string]any {
	if plan != nil {
		detail["planned"] = plan.PlannedCount
		detail["updated"] = plan.UpdatedCount
		detail["failed"] = plan.FailedCount
		detail["skipped"] = plan.SkippedCount
	}
	return detail
}
