package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/ha-area-bridge/internal/config"
	"github.com/nugget/ha-area-bridge/internal/result"
)

// fakeWS is a minimal Home Assistant websocket endpoint. reply builds
// the result for each command; returning nil leaves the command
// unanswered.
type fakeWS struct {
	token string
	reply func(msg map[string]any) map[string]any

	mu       sync.Mutex
	commands []string
}

func (f *fakeWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/websocket" {
		http.NotFound(w, r)
		return
	}
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2026.1.0"})
	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != f.token {
		conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	conn.WriteJSON(map[string]any{"type": "auth_ok"})

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.mu.Lock()
		f.commands = append(f.commands, msg["type"].(string))
		f.mu.Unlock()

		// Noise the client must skip: an event and a stale result.
		conn.WriteJSON(map[string]any{"type": "event", "event": map[string]any{"event_type": "state_changed"}})
		conn.WriteJSON(map[string]any{"id": 9999, "type": "result", "success": true, "result": nil})

		resp := f.reply(msg)
		if resp == nil {
			continue
		}
		resp["id"] = msg["id"]
		resp["type"] = "result"
		conn.WriteJSON(resp)
	}
}

func (f *fakeWS) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func openFake(t *testing.T, f *fakeWS, token string, timeout time.Duration) (*Session, error) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := NewClient(config.HomeAssistantConfig{URL: srv.URL, Token: token, Timeout: timeout}, nil, nil)
	return c.OpenSession(context.Background())
}

func TestSession_AuthInvalid(t *testing.T) {
	f := &fakeWS{token: "right", reply: func(map[string]any) map[string]any { return nil }}
	_, err := openFake(t, f, "wrong", time.Second)
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("error = %v, want ErrAuthInvalid", err)
	}
	if result.KindOf(err) != result.UpstreamAuthFailed {
		t.Errorf("Kind = %q", result.KindOf(err))
	}
}

func TestSession_CorrelatesAndSkipsNoise(t *testing.T) {
	f := &fakeWS{token: "tok", reply: func(msg map[string]any) map[string]any {
		switch msg["type"] {
		case "config/area_registry/list":
			return map[string]any{"success": true, "result": []map[string]any{
				{"area_id": "ke_ting", "name": "客厅"},
				{"area_id": "study", "name": "Study"},
			}}
		case "config/area_registry/create":
			return map[string]any{"success": true, "result": map[string]any{"area_id": "can_ting", "name": msg["name"]}}
		case "config/entity_registry/update":
			return map[string]any{"success": false, "error": map[string]any{"code": "not_found", "message": "Entity not found"}}
		}
		return map[string]any{"success": true, "result": nil}
	}}

	s, err := openFake(t, f, "tok", time.Second)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	areas, err := s.ListAreas(ctx)
	if err != nil {
		t.Fatalf("ListAreas: %v", err)
	}
	if len(areas) != 2 || areas[0].Name != "客厅" {
		t.Errorf("areas = %+v", areas)
	}

	created, err := s.CreateArea(ctx, "餐厅")
	if err != nil {
		t.Fatalf("CreateArea: %v", err)
	}
	if created.AreaID != "can_ting" || created.Name != "餐厅" {
		t.Errorf("created = %+v", created)
	}

	err = s.UpdateEntityArea(ctx, "light.ghost", "can_ting")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != "not_found" {
		t.Fatalf("UpdateEntityArea error = %v, want CommandError not_found", err)
	}
	if IsConnError(err) {
		t.Error("command failure must not break the session")
	}

	// Session is still usable after a command error.
	if err := s.DeleteArea(ctx, "study"); err != nil {
		t.Fatalf("DeleteArea after command error: %v", err)
	}

	want := []string{
		"config/area_registry/list",
		"config/area_registry/create",
		"config/entity_registry/update",
		"config/area_registry/delete",
	}
	got := f.seen()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSession_IDsIncrement(t *testing.T) {
	var ids []float64
	var mu sync.Mutex
	f := &fakeWS{token: "tok", reply: func(msg map[string]any) map[string]any {
		mu.Lock()
		ids = append(ids, msg["id"].(float64))
		mu.Unlock()
		return map[string]any{"success": true, "result": []any{}}
	}}
	s, err := openFake(t, f, "tok", time.Second)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.ListEntities(context.Background()); err != nil {
			t.Fatalf("ListEntities: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if id != float64(i+1) {
			t.Errorf("ids = %v, want 1,2,3", ids)
			break
		}
	}
}

func TestSession_TimeoutBreaksSession(t *testing.T) {
	f := &fakeWS{token: "tok", reply: func(msg map[string]any) map[string]any {
		if msg["type"] == "config/area_registry/list" {
			return nil // never answer
		}
		return map[string]any{"success": true, "result": nil}
	}}
	s, err := openFake(t, f, "tok", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Close()

	_, err = s.ListAreas(context.Background())
	if !IsConnError(err) {
		t.Fatalf("ListAreas error = %v, want ConnError", err)
	}
	if Kind(err) != result.UpstreamUnavailable {
		t.Errorf("Kind = %q", Kind(err))
	}

	// Later commands fail fast without touching the wire.
	err = s.DeleteArea(context.Background(), "x")
	if !IsConnError(err) {
		t.Fatalf("DeleteArea on broken session = %v, want ConnError", err)
	}
	for _, cmd := range f.seen() {
		if cmd == "config/area_registry/delete" {
			t.Error("broken session still sent a command")
		}
	}
}

func TestSession_Integration(t *testing.T) {
	token := os.Getenv("HOMEASSISTANT_TOKEN")
	if token == "" {
		t.Skip("HOMEASSISTANT_TOKEN not set")
	}
	url := os.Getenv("HOMEASSISTANT_URL")
	if url == "" {
		url = "http://homeassistant.local:8123"
	}

	c := NewClient(config.HomeAssistantConfig{URL: url, Token: token, Timeout: 30 * time.Second}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s, err := c.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Close()

	areas, err := s.ListAreas(ctx)
	if err != nil {
		t.Fatalf("ListAreas: %v", err)
	}
	t.Logf("Found %d areas", len(areas))

	entities, err := s.ListEntities(ctx)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	withArea := 0
	for _, e := range entities {
		if e.AreaID != "" {
			withArea++
		}
	}
	t.Logf("%d of %d entities have area assignments", withArea, len(entities))

	raw, _ := json.Marshal(areas)
	if len(raw) == 0 {
		t.Error("empty area payload")
	}
}
