// Package discovery answers read-only questions about a Home Assistant
// instance: what entities, services and areas exist, and what state the
// configured entities are in.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/ha-area-bridge/internal/area"
	"github.com/nugget/ha-area-bridge/internal/catalog"
	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// Entity listing limits.
const (
	DefaultLimit = 500
	MaxLimit     = 2000
	topDomains   = 20

	// stateFanout bounds concurrent single-entity reads in a summary.
	stateFanout = 8
)

// ErrEntityNotFound is returned by EntityState for unknown entities.
var ErrEntityNotFound = errors.New("entity not found")

// Source is the read side of the Home Assistant client.
type Source interface {
	BaseURL() string
	HasToken() bool
	GetStates(ctx context.Context) ([]homeassistant.State, error)
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	GetServices(ctx context.Context) ([]homeassistant.ServiceDomain, error)
}

// Service runs discovery queries.
type Service struct {
	ha      Source
	engine  *area.Engine
	catalog catalog.Repository
	logger  *slog.Logger
}

// New creates a discovery service.
func New(ha Source, engine *area.Engine, repo catalog.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ha: ha, engine: engine, catalog: repo, logger: logger}
}

// EntityRow is the compact form of an entity state.
type EntityRow struct {
	EntityID          string         `json:"entity_id"`
	Domain            string         `json:"domain"`
	State             string         `json:"state"`
	FriendlyName      string         `json:"friendly_name,omitempty"`
	DeviceClass       string         `json:"device_class,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	LastChanged       time.Time      `json:"last_changed"`
	LastUpdated       time.Time      `json:"last_updated"`
	Attributes        map[string]any `json:"attributes,omitempty"`
}

func compactRow(s homeassistant.State, withAttributes bool) EntityRow {
	row := EntityRow{
		EntityID:          s.EntityID,
		Domain:            strings.ToLower(domainOf(s.EntityID)),
		State:             s.State,
		FriendlyName:      s.FriendlyName(),
		DeviceClass:       s.Attr("device_class"),
		UnitOfMeasurement: s.Attr("unit_of_measurement"),
		LastChanged:       s.LastChanged,
		LastUpdated:       s.LastUpdated,
	}
	if withAttributes {
		row.Attributes = s.Attributes
	}
	return row
}

func domainOf(entityID string) string {
	d, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return d
}

// EntityQuery filters an entity listing. Empty fields match everything;
// Limit is clamped to 1..MaxLimit, zero meaning DefaultLimit.
type EntityQuery struct {
	Domain            string
	Area              string
	Query             string
	Limit             int
	IncludeAttributes bool
}

// EntityFilters echoes the filters applied.
type EntityFilters struct {
	Domain string `json:"domain,omitempty"`
	Area   string `json:"area,omitempty"`
	Query  string `json:"query,omitempty"`
}

// EntityList is the result of Entities.
type EntityList struct {
	Total     int            `json:"total"`
	Returned  int            `json:"returned"`
	Limit     int            `json:"limit"`
	Filters   EntityFilters  `json:"filters"`
	Entities  []EntityRow    `json:"entities"`
	AreaMatch *area.AreaInfo `json:"area_match,omitempty"`
}

// Entities lists entity states sorted by id.
func (s *Service) Entities(ctx context.Context, q EntityQuery) (*EntityList, error) {
	states, err := s.ha.GetStates(homeassistant.WithOpContext(ctx, "ha.entities"))
	if err != nil {
		s.logger.Warn("entity listing failed", "error", err)
		return nil, fmt.Errorf("fetch states: %w", err)
	}

	filters := EntityFilters{
		Domain: strings.ToLower(strings.TrimSpace(q.Domain)),
		Area:   strings.TrimSpace(q.Area),
		Query:  strings.ToLower(strings.TrimSpace(q.Query)),
	}
	out := &EntityList{Filters: filters, Entities: []EntityRow{}}

	var inArea map[string]bool
	if filters.Area != "" {
		inArea = make(map[string]bool)
		listing := s.engine.ListAreas(ctx, false)
		if a, ok := area.MatchListing(listing.Areas, filters.Area); ok {
			out.AreaMatch = &a
			for _, id := range a.Entities {
				inArea[id] = true
			}
		}
	}

	var rows []homeassistant.State
	for _, st := range states {
		id := strings.TrimSpace(st.EntityID)
		if id == "" {
			continue
		}
		if filters.Domain != "" && strings.ToLower(domainOf(id)) != filters.Domain {
			continue
		}
		if inArea != nil && !inArea[id] {
			continue
		}
		if filters.Query != "" &&
			!strings.Contains(strings.ToLower(id), filters.Query) &&
			!strings.Contains(strings.ToLower(st.FriendlyName()), filters.Query) &&
			!strings.Contains(strings.ToLower(st.State), filters.Query) {
			continue
		}
		rows = append(rows, st)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EntityID < rows[j].EntityID })

	out.Limit = clampLimit(q.Limit)
	out.Total = len(rows)
	if len(rows) > out.Limit {
		rows = rows[:out.Limit]
	}
	for _, st := range rows {
		out.Entities = append(out.Entities, compactRow(st, q.IncludeAttributes))
	}
	out.Returned = len(out.Entities)
	return out, nil
}

func clampLimit(n int) int {
	switch {
	case n == 0:
		return DefaultLimit
	case n < 1:
		return 1
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// EntityState returns one entity. Unknown ids give ErrEntityNotFound.
func (s *Service) EntityState(ctx context.Context, entityID string, withAttributes bool) (*EntityRow, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, result.Errorf(result.InvalidArgument, "entity_id is required")
	}
	st, err := s.ha.GetState(homeassistant.WithOpContext(ctx, "ha.entity.get"), entityID)
	if err != nil {
		if homeassistant.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
		}
		s.logger.Warn("entity state failed", "entity_id", entityID, "error", err)
		return nil, err
	}
	row := compactRow(*st, withAttributes)
	return &row, nil
}

// ServiceSummary is one domain with its service names.
type ServiceSummary struct {
	Domain   string   `json:"domain"`
	Services []string `json:"services"`
}

// ServiceList is the result of Services.
type ServiceList struct {
	Count    int              `json:"count"`
	Domain   string           `json:"domain,omitempty"`
	Services []ServiceSummary `json:"services"`
}

// Services lists service domains sorted by name, optionally only one.
func (s *Service) Services(ctx context.Context, domain string) (*ServiceList, error) {
	all, err := s.fetchServices(homeassistant.WithOpContext(ctx, "ha.services"))
	if err != nil {
		return nil, err
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	out := &ServiceList{Domain: domain, Services: []ServiceSummary{}}
	for _, sd := range all {
		if domain != "" && strings.ToLower(sd.Domain) != domain {
			continue
		}
		out.Services = append(out.Services, sd)
	}
	out.Count = len(out.Services)
	return out, nil
}

func (s *Service) fetchServices(ctx context.Context) ([]ServiceSummary, error) {
	domains, err := s.ha.GetServices(ctx)
	if err != nil {
		s.logger.Warn("service listing failed", "error", err)
		return nil, fmt.Errorf("fetch services: %w", err)
	}
	out := make([]ServiceSummary, 0, len(domains))
	for _, d := range domains {
		name := strings.TrimSpace(d.Domain)
		if name == "" {
			continue
		}
		out = append(out, ServiceSummary{Domain: name, Services: d.Names()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// DomainCount is one row of the overview's domain histogram.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// Overview summarizes the instance.
type Overview struct {
	HAConnected        bool          `json:"ha_connected"`
	EntityCount        int           `json:"entity_count"`
	AreaCount          int           `json:"area_count"`
	ServiceDomainCount int           `json:"service_domain_count"`
	TopDomains         []DomainCount `json:"top_domains"`
	AreasSource        string        `json:"areas_source"`
	Errors             []string      `json:"errors"`
}

// Overview reads states, areas and services concurrently. A failed
// read is reported in Errors; the others still count.
func (s *Service) Overview(ctx context.Context) *Overview {
	var (
		states   []homeassistant.State
		listing  *area.AreaListing
		services []ServiceSummary
		stateErr error
		svcErr   error
	)

	var g errgroup.Group
	g.Go(func() error {
		states, stateErr = s.ha.GetStates(homeassistant.WithOpContext(ctx, "ha.overview"))
		return nil
	})
	g.Go(func() error {
		listing = s.engine.ListAreas(ctx, false)
		return nil
	})
	g.Go(func() error {
		services, svcErr = s.fetchServices(homeassistant.WithOpContext(ctx, "ha.overview"))
		return nil
	})
	g.Wait()

	out := &Overview{
		HAConnected:        stateErr == nil,
		EntityCount:        len(states),
		AreaCount:          listing.AreaCount,
		ServiceDomainCount: len(services),
		TopDomains:         []DomainCount{},
		AreasSource:        listing.Source,
		Errors:             []string{},
	}
	if stateErr != nil {
		s.logger.Warn("overview without states", "error", stateErr)
		out.Errors = append(out.Errors, fmt.Sprintf("fetch states: %v", stateErr))
	}
	if svcErr != nil {
		out.Errors = append(out.Errors, svcErr.Error())
	}

	counts := make(map[string]int)
	for _, st := range states {
		if d := domainOf(st.EntityID); d != "" {
			counts[d]++
		}
	}
	for d, n := range counts {
		out.TopDomains = append(out.TopDomains, DomainCount{Domain: d, Count: n})
	}
	sort.Slice(out.TopDomains, func(i, j int) bool {
		a, b := out.TopDomains[i], out.TopDomains[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Domain < b.Domain
	})
	if len(out.TopDomains) > topDomains {
		out.TopDomains = out.TopDomains[:topDomains]
	}
	return out
}

// EntityStatus is a known entity's state in a context summary.
type EntityStatus struct {
	Available    bool       `json:"available"`
	State        string     `json:"state,omitempty"`
	LastChanged  *time.Time `json:"last_changed,omitempty"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
	FriendlyName string     `json:"friendly_name,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Summary is the context handed to an agent before it calls tools.
type Summary struct {
	HABaseURL     string                  `json:"ha_base_url"`
	HAConnected   bool                    `json:"ha_connected"`
	ToolCatalog   []catalog.Item          `json:"tool_catalog"`
	KnownEntities area.KnownEntities      `json:"known_entities"`
	EntityStates  map[string]EntityStatus `json:"entity_states"`
	HAServices    []ServiceSummary        `json:"ha_services"`
	Message       string                  `json:"message,omitempty"`
	Errors        []string                `json:"errors,omitempty"`
}

// ContextSummary lists the enabled tools and known entities, then
// fetches services and the known entities' states concurrently.
// Without a token nothing remote is attempted.
func (s *Service) ContextSummary(ctx context.Context) *Summary {
	out := &Summary{
		HABaseURL:     s.ha.BaseURL(),
		ToolCatalog:   []catalog.Item{},
		KnownEntities: s.engine.KnownEntities(),
		EntityStates:  map[string]EntityStatus{},
		HAServices:    []ServiceSummary{},
	}
	if s.catalog != nil {
		for _, it := range catalog.Sorted(s.catalog.Snapshot()) {
			if it.Enabled {
				out.ToolCatalog = append(out.ToolCatalog, it)
			}
		}
	}

	if !s.ha.HasToken() {
		out.Message = homeassistant.ErrTokenMissing.Error()
		return out
	}

	var (
		svcErr    error
		stateErrs []string
		mu        sync.Mutex
	)

	var g errgroup.Group
	g.Go(func() error {
		services, err := s.fetchServices(homeassistant.WithOpContext(ctx, "summary.services"))
		if err != nil {
			svcErr = err
			return nil
		}
		out.HAServices = services
		return nil
	})

	ids := out.KnownEntities.EntityIDs()
	states := make([]EntityStatus, len(ids))
	var fetch errgroup.Group
	fetch.SetLimit(stateFanout)
	for i, id := range ids {
		i, id := i, id
		fetch.Go(func() error {
			st, err := s.ha.GetState(homeassistant.WithOpContext(ctx, "summary.entity_state"), id)
			if err != nil {
				msg := fmt.Sprintf("%s: %v", id, err)
				states[i] = EntityStatus{Available: false, Error: msg}
				mu.Lock()
				stateErrs = append(stateErrs, msg)
				mu.Unlock()
				return nil
			}
			changed, updated := st.LastChanged, st.LastUpdated
			states[i] = EntityStatus{
				Available:    true,
				State:        st.State,
				LastChanged:  &changed,
				LastUpdated:  &updated,
				FriendlyName: st.FriendlyName(),
			}
			return nil
		})
	}
	g.Go(fetch.Wait)
	g.Wait()

	for i, id := range ids {
		out.EntityStates[id] = states[i]
	}
	if svcErr != nil {
		out.Errors = append(out.Errors, svcErr.Error())
	}
	if len(stateErrs) > 0 {
		sort.Strings(stateErrs)
		out.Errors = append(out.Errors, strings.Join(stateErrs, "; "))
	}
	out.HAConnected = len(out.Errors) == 0
	if !out.HAConnected {
		s.logger.Warn("context summary incomplete", "errors", len(out.Errors))
	}
	return out
}
