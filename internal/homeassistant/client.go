// Package homeassistant provides clients for the Home Assistant REST API
// and the registry session (WebSocket) protocol.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nugget/ha-area-bridge/internal/config"
	"github.com/nugget/ha-area-bridge/internal/httpkit"
	"github.com/nugget/ha-area-bridge/internal/oplog"
)

// maxResponseBytes bounds a single REST response body. /api/states on
// a large install runs to several megabytes.
const maxResponseBytes = 64 << 20

// areaCatalogTemplate enumerates areas and their entities in one
// template render.
const areaCatalogTemplate = `{% set out = namespace(items=[]) %}
{% for a in areas() %}
{% set out.items = out.items + [{'area_id': a, 'area_name': area_name(a), 'entities': area_entities(a)}] %}
{% endfor %}
{{ out.items | to_json }}`

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	callTimeout time.Duration
	readTimeout time.Duration
	logger      *slog.Logger
	recorder    *oplog.Recorder
}

// NewClient creates a client from the homeassistant config section.
// Service calls and registry sessions use cfg.Timeout; read-only
// discovery calls use cfg.ContextTimeout. A nil recorder disables
// operation logging.
func NewClient(cfg config.HomeAssistantConfig, recorder *oplog.Recorder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		token:       cfg.Token,
		httpClient:  httpkit.NewClient(httpkit.WithTimeout(0)),
		callTimeout: cfg.Timeout,
		readTimeout: cfg.ContextTimeout,
		logger:      logger,
		recorder:    recorder,
	}
}

// BaseURL returns the configured Home Assistant URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HasToken reports whether an access token is configured.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the friendly_name attribute, or "".
func (s State) FriendlyName() string {
	name, _ := s.Attributes["friendly_name"].(string)
	return name
}

// Attr returns a string attribute, or "".
func (s State) Attr(key string) string {
	v, _ := s.Attributes[key].(string)
	return v
}

// ServiceDomain is one entry of GET /api/services.
type ServiceDomain struct {
	Domain   string                     `json:"domain"`
	Services map[string]json.RawMessage `json:"services"`
}

// Names returns the domain's service names, sorted.
func (d ServiceDomain) Names() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AreaMembership is one area with the entities Home Assistant places
// in it (directly or through the entity's device).
type AreaMembership struct {
	AreaID   string   `json:"area_id"`
	AreaName string   `json:"area_name"`
	Entities []string `json:"entities"`
}

type contextKey struct{}

// WithOpContext labels calls made with ctx in the operation log
// ("summary.services", "ha.areas", ...).
func WithOpContext(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, contextKey{}, label)
}

func opContext(ctx context.Context) string {
	label, _ := ctx.Value(contextKey{}).(string)
	return label
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.do(ctx, http.MethodGet, "/api/states", c.readTimeout, nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetState retrieves a single entity state. A missing entity yields an
// *APIError for which IsNotFound is true.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	path := "/api/states/" + url.PathEscape(entityID)
	if err := c.do(ctx, http.MethodGet, path, c.readTimeout, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetServices retrieves the service registry.
func (c *Client) GetServices(ctx context.Context) ([]ServiceDomain, error) {
	var domains []ServiceDomain
	if err := c.do(ctx, http.MethodGet, "/api/services", c.readTimeout, nil, &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// CallService calls a Home Assistant service and returns the raw
// response (the list of changed states).
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error) {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, path, c.callTimeout, data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// RenderTemplate renders a Jinja template and returns the text output.
func (c *Client) RenderTemplate(ctx context.Context, template string) (string, error) {
	var text string
	body := map[string]string{"template": template}
	if err := c.do(ctx, http.MethodPost, "/api/template", c.readTimeout, body, &text); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// AreaCatalog lists every area with its entity membership. Rows without
// an area id are dropped; a blank name falls back to the id.
func (c *Client) AreaCatalog(ctx context.Context) ([]AreaMembership, error) {
	if opContext(ctx) == "" {
		ctx = WithOpContext(ctx, "ha.areas")
	}
	text, err := c.RenderTemplate(ctx, areaCatalogTemplate)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	var rows []AreaMembership
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		return nil, fmt.Errorf("ha areas template returned non-list payload: %w", err)
	}

	out := rows[:0]
	for _, r := range rows {
		r.AreaID = strings.TrimSpace(r.AreaID)
		if r.AreaID == "" {
			continue
		}
		r.AreaName = strings.TrimSpace(r.AreaName)
		if r.AreaName == "" {
			r.AreaName = r.AreaID
		}
		out = append(out, r)
	}
	return out, nil
}

// IsNotFound reports whether err is a 404 from the REST API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// do performs one REST call and logs it. Text responses (templates) are
// decoded into a *string target verbatim; everything else is JSON.
func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, data, result any) error {
	if c.token == "" {
		return ErrTokenMissing
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logRequest(ctx, method, path, data, 0, time.Since(started), err)
		c.logger.Warn("home assistant request failed", "method", method, "path", path, "error", err)
		return &ConnError{Op: method + " " + path, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := time.Since(started)
	if err != nil {
		c.logRequest(ctx, method, path, data, resp.StatusCode, elapsed, err)
		return &ConnError{Op: "read " + path, Err: err}
	}
	c.logRequest(ctx, method, path, data, resp.StatusCode, elapsed, nil)

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		c.logger.Debug("home assistant request rejected", "method", method, "path", path, "status", resp.StatusCode)
		return apiErr
	}

	switch target := result.(type) {
	case nil:
		return nil
	case *string:
		*target = string(body)
		return nil
	case *json.RawMessage:
		if len(bytes.TrimSpace(body)) == 0 {
			*target = json.RawMessage("{}")
			return nil
		}
		*target = append((*target)[:0], body...)
		return nil
	default:
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}

func (c *Client) logRequest(ctx context.Context, method, path string, data any, status int, elapsed time.Duration, err error) {
	if c.recorder == nil {
		return
	}
	request := map[string]any{"base_url": c.baseURL, "path": path}
	if data != nil {
		request["json"] = data
	}
	detail := map[string]any{"request": request}
	if label := opContext(ctx); label != "" {
		detail["context"] = label
	}
	if err != nil {
		detail["message"] = err.Error()
	}
	c.recorder.Log(oplog.Event{
		EventType:  oplog.TypeHARequest,
		Source:     "system",
		Action:     "ha.request",
		Method:     method,
		Path:       path,
		StatusCode: status,
		DurationMS: oplog.Millis(elapsed),
		TraceID:    oplog.TraceID(ctx),
		Success:    oplog.Bool(err == nil && status > 0 && status < http.StatusBadRequest),
		Detail:     detail,
	})
}
