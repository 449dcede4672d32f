package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

type frame struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	OK      bool                 `json:"ok"`
	Event   string               `json:"event"`
	Payload json.RawMessage      `json:"payload"`
	Error   *protocol.ErrorShape `json:"error"`
}

func newTestServer(t *testing.T, token string) (*Server, *bus.MessageBus, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Token = token
	cfg.Gateway.MetricsEnabled = true
	b := bus.New()
	s := NewServer(cfg, b)
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return s, b, ts.URL
}

func dial(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) frame {
	t.Helper()
	raw, _ := json.Marshal(params)
	if err := conn.WriteJSON(protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		t.Fatal(err)
	}
	for {
		f := next(t, conn)
		if f.Type == protocol.FrameTypeResponse && f.ID == id {
			return f
		}
	}
}

func next(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name     string
		params   map[string]string
		wantCode string
	}{
		{"valid", map[string]string{"token": "secret"}, ""},
		{"with agent", map[string]string{"token": "secret", "agent_id": "0190c2a6-54b5-7b7c-9c1e-1d3b9c7f0a11"}, ""},
		{"wrong token", map[string]string{"token": "nope"}, protocol.ErrUnauthorized},
		{"bad agent id", map[string]string{"token": "secret", "agent_id": "x"}, protocol.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, url := newTestServer(t, "secret")
			conn := dial(t, url)
			resp := call(t, conn, "c1", protocol.MethodConnect, tt.params)
			if tt.wantCode == "" {
				if !resp.OK {
					t.Fatalf("connect failed: %+v", resp.Error)
				}
				return
			}
			if resp.OK || resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("resp = %+v, want code %s", resp, tt.wantCode)
			}
		})
	}
}

func TestRouter_RequiresConnect(t *testing.T) {
	s, _, url := newTestServer(t, "secret")
	s.Router().Register("echo", func(_ context.Context, c *Client, req *protocol.RequestFrame) {
		c.SendResponse(protocol.NewOKResponse(req.ID, "pong"))
	})
	conn := dial(t, url)

	if resp := call(t, conn, "1", "echo", nil); resp.OK || resp.Error.Code != protocol.ErrUnauthorized {
		t.Fatalf("unauthenticated call = %+v", resp)
	}
	call(t, conn, "2", protocol.MethodConnect, map[string]string{"token": "secret"})
	if resp := call(t, conn, "3", "echo", nil); !resp.OK || string(resp.Payload) != `"pong"` {
		t.Errorf("echo = %+v", resp)
	}
	if resp := call(t, conn, "4", "nope", nil); resp.OK || resp.Error.Code != protocol.ErrInvalidRequest {
		t.Errorf("unknown method = %+v", resp)
	}
}

func TestRouter_RecoversPanics(t *testing.T) {
	s, _, url := newTestServer(t, "")
	s.Router().Register("boom", func(context.Context, *Client, *protocol.RequestFrame) { panic("kaboom") })
	conn := dial(t, url)
	call(t, conn, "1", protocol.MethodConnect, nil)
	if resp := call(t, conn, "2", "boom", nil); resp.OK || resp.Error.Code != protocol.ErrInternal {
		t.Errorf("panic response = %+v", resp)
	}
	// connection still usable
	if resp := call(t, conn, "3", protocol.MethodConnect, nil); !resp.OK {
		t.Error("connection dropped after panic")
	}
}

func TestBusEventsForwarded(t *testing.T) {
	s, b, url := newTestServer(t, "")
	conn := dial(t, url)
	call(t, conn, "1", protocol.MethodConnect, nil)

	b.Broadcast(bus.Event{Name: protocol.EventCacheInvalidate, Payload: "x"})
	b.Broadcast(bus.Event{Name: protocol.EventMessageNew, Payload: map[string]string{"room_id": "r1"}})

	f := next(t, conn)
	if f.Type != protocol.FrameTypeEvent || f.Event != protocol.EventMessageNew {
		t.Fatalf("first frame = %+v, internal event leaked or message lost", f)
	}
	if !strings.Contains(string(f.Payload), `"r1"`) {
		t.Errorf("payload = %s", f.Payload)
	}
	if s.ClientCount() != 1 {
		t.Errorf("clients = %d", s.ClientCount())
	}
}

func TestUnauthenticatedClientGetsNoEvents(t *testing.T) {
	s, b, url := newTestServer(t, "secret")
	conn := dial(t, url)

	deadline := time.Now().Add(time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Broadcast(bus.Event{Name: protocol.EventMessageNew, Payload: "secret stuff"})

	resp := call(t, conn, "1", "chat.view", nil)
	if resp.Error == nil || resp.Error.Code != protocol.ErrUnauthorized {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, _, url := newTestServer(t, "")
	resp, err := http.Get(url + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get(url + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "goattend_ws_clients") {
		t.Error("metrics missing ws client gauge")
	}
}

func TestCheckOrigin(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.AllowedOrigins = []string{"https://console.example"}
	s := NewServer(cfg, bus.New())
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://console.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v", tt.origin, got)
		}
	}
}
