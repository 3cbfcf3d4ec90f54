package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/ha-area-bridge/internal/oplog"
)

// Session is one authenticated registry connection. Commands are sent
// strictly one at a time; each carries the next session-scoped id and
// Send waits for the result with that id, discarding event messages and
// stray results. Once a transport error occurs the session is broken
// and every later Send returns that same error.
type Session struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *slog.Logger
	rec     *oplog.Recorder

	mu     sync.Mutex
	nextID int64
	broken error
}

// Area is an entry of the area registry.
type Area struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// EntityRegistryEntry is an entry of the entity registry.
type EntityRegistryEntry struct {
	EntityID     string `json:"entity_id"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	AreaID       string `json:"area_id"`
	DeviceID     string `json:"device_id"`
	Platform     string `json:"platform"`
	DisabledBy   string `json:"disabled_by"`
}

// IsDisabled reports whether the entity is disabled in Home Assistant.
func (e EntityRegistryEntry) IsDisabled() bool {
	return e.DisabledBy != ""
}

// wsMessage is the generic WebSocket message format.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OpenSession dials /api/websocket and completes the auth handshake.
// The whole handshake is bounded by the call timeout.
func (c *Client) OpenSession(ctx context.Context) (*Session, error) {
	if c.token == "" {
		return nil, ErrTokenMissing
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	// Large read buffer: the entity registry can be huge.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	started := time.Now()
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.logSession(ctx, "auth", started, err)
		return nil, &ConnError{Op: "dial websocket", Err: err}
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	if err := handshake(conn, c.token); err != nil {
		conn.Close()
		c.logSession(ctx, "auth", started, err)
		c.logger.Warn("home assistant session handshake failed", "error", err)
		return nil, err
	}
	c.logSession(ctx, "auth", started, nil)
	c.logger.Debug("home assistant session authenticated", "url", u.String())

	return &Session{
		conn:    conn,
		timeout: c.callTimeout,
		logger:  c.logger,
		rec:     c.recorder,
	}, nil
}

func handshake(conn *websocket.Conn, token string) error {
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		return &ConnError{Op: "read auth_required", Err: err}
	}
	if authReq.Type != "auth_required" {
		return &ConnError{Op: "handshake", Err: fmt.Errorf("expected auth_required, got %s", authReq.Type)}
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		return &ConnError{Op: "send auth", Err: err}
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return &ConnError{Op: "read auth response", Err: err}
	}
	switch authResp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthInvalid
	default:
		return &ConnError{Op: "handshake", Err: fmt.Errorf("unexpected auth response: %s", authResp.Type)}
	}
}

// Close closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken == nil {
		s.broken = &ConnError{Op: "send", Err: errors.New("session closed")}
	}
	return s.conn.Close()
}

// Send issues one command and returns its result payload. fields are
// merged into the message next to id and type.
func (s *Session) Send(ctx context.Context, command string, fields map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	res, err := s.send(ctx, command, fields)
	s.log(ctx, command, fields, started, err)
	return res, err
}

func (s *Session) send(ctx context.Context, command string, fields map[string]any) (json.RawMessage, error) {
	if s.broken != nil {
		return nil, s.broken
	}

	s.nextID++
	id := s.nextID
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["id"] = id
	msg["type"] = command

	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(msg); err != nil {
		return nil, s.fail(command, err)
	}

	_ = s.conn.SetReadDeadline(deadline)
	for {
		var resp wsMessage
		if err := s.conn.ReadJSON(&resp); err != nil {
			return nil, s.fail(command, err)
		}
		if resp.Type == "event" {
			continue
		}
		if resp.ID != id {
			s.logger.Debug("discarding uncorrelated session message", "id", resp.ID, "type", resp.Type, "want", id)
			continue
		}
		if !resp.Success {
			if resp.Error != nil {
				return nil, &CommandError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, &CommandError{Message: command + " failed"}
		}
		return resp.Result, nil
	}
}

func (s *Session) fail(command string, err error) error {
	s.broken = &ConnError{Op: command, Err: err}
	s.logger.Warn("home assistant session broken", "command", command, "error", err)
	return s.broken
}

func (s *Session) log(ctx context.Context, command string, fields map[string]any, started time.Time, err error) {
	if s.rec == nil {
		return
	}
	detail := map[string]any{}
	if len(fields) > 0 {
		detail["request"] = fields
	}
	if err != nil {
		detail["message"] = err.Error()
	}
	s.rec.Log(oplog.Event{
		EventType:  oplog.TypeSession,
		Source:     "system",
		Action:     command,
		DurationMS: oplog.Millis(time.Since(started)),
		TraceID:    oplog.TraceID(ctx),
		Success:    oplog.Bool(err == nil),
		Detail:     detail,
	})
}

func (c *Client) logSession(ctx context.Context, action string, started time.Time, err error) {
	if c.recorder == nil {
		return
	}
	detail := map[string]any{"base_url": c.baseURL}
	if err != nil {
		detail["message"] = err.Error()
	}
	c.recorder.Log(oplog.Event{
		EventType:  oplog.TypeSession,
		Source:     "system",
		Action:     action,
		DurationMS: oplog.Millis(time.Since(started)),
		TraceID:    oplog.TraceID(ctx),
		Success:    oplog.Bool(err == nil),
		Detail:     detail,
	})
}

// ListAreas returns the area registry.
func (s *Session) ListAreas(ctx context.Context) ([]Area, error) {
	raw, err := s.Send(ctx, "config/area_registry/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}
	var areas []Area
	if err := json.Unmarshal(raw, &areas); err != nil {
		return nil, fmt.Errorf("unmarshal areas: %w", err)
	}
	return areas, nil
}

// CreateArea creates an area. Home Assistant may alter the name (for
// instance when it collides with an existing one); the returned Area
// holds what was actually stored.
func (s *Session) CreateArea(ctx context.Context, name string) (Area, error) {
	raw, err := s.Send(ctx, "config/area_registry/create", map[string]any{"name": name})
	if err != nil {
		return Area{}, fmt.Errorf("create area %q: %w", name, err)
	}
	var area Area
	if err := json.Unmarshal(raw, &area); err != nil {
		return Area{}, fmt.Errorf("unmarshal created area: %w", err)
	}
	return area, nil
}

// UpdateArea renames an area.
func (s *Session) UpdateArea(ctx context.Context, areaID, name string) (Area, error) {
	raw, err := s.Send(ctx, "config/area_registry/update", map[string]any{"area_id": areaID, "name": name})
	if err != nil {
		return Area{}, fmt.Errorf("rename area %s: %w", areaID, err)
	}
	var area Area
	if err := json.Unmarshal(raw, &area); err != nil {
		return Area{}, fmt.Errorf("unmarshal updated area: %w", err)
	}
	return area, nil
}

// DeleteArea removes an area. Entities in it become unassigned.
func (s *Session) DeleteArea(ctx context.Context, areaID string) error {
	if _, err := s.Send(ctx, "config/area_registry/delete", map[string]any{"area_id": areaID}); err != nil {
		return fmt.Errorf("delete area %s: %w", areaID, err)
	}
	return nil
}

// ListEntities returns the entity registry.
func (s *Session) ListEntities(ctx context.Context) ([]EntityRegistryEntry, error) {
	raw, err := s.Send(ctx, "config/entity_registry/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list entity registry: %w", err)
	}
	var entries []EntityRegistryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	return entries, nil
}

// UpdateEntityArea assigns an entity to an area.
func (s *Session) UpdateEntityArea(ctx context.Context, entityID, areaID string) error {
	if _, err := s.Send(ctx, "config/entity_registry/update", map[string]any{"entity_id": entityID, "area_id": areaID}); err != nil {
		return fmt.Errorf("assign %s to %s: %w", entityID, areaID, err)
	}
	return nil
}
