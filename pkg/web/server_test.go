package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-dogbot/internal/log"
	"github.com/teslashibe/go-dogbot/pkg/bridge"
	"github.com/teslashibe/go-dogbot/pkg/joints"
	"github.com/teslashibe/go-dogbot/pkg/protocol"
)

// fakeSource is an in-memory bridge.
type fakeSource struct {
	mu      sync.Mutex
	targets map[string]float64
	control bool
	ext     bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{targets: map[string]float64{}, control: true}
}

func (f *fakeSource) Status() protocol.StatusData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocol.StatusData{Session: "s1", Joints: 1, Bound: 1, Control: f.control}
}

func (f *fakeSource) Snapshot() protocol.StateData {
	js, _ := f.Joint("front_left_knee")
	return protocol.StateData{Session: "s1", Joints: []protocol.JointStateData{js}}
}

func (f *fakeSource) Joint(name string) (protocol.JointStateData, bool) {
	if strings.TrimSuffix(name, "_joint") != "front_left_knee" {
		return protocol.JointStateData{}, false
	}
	return protocol.JointStateData{Name: "front_left_knee_joint", Actuator: "front_left_knee", Position: -1}, true
}

func (f *fakeSource) Counters() protocol.CountersData {
	return protocol.CountersData{Frames: 42}
}

func (f *fakeSource) SetTarget(name string, rad float64) error {
	if f.ext {
		return bridge.ErrExternalController
	}
	if _, ok := f.Joint(name); !ok {
		return fmt.Errorf("%w: %q", joints.ErrUnknownJoint, name)
	}
	f.mu.Lock()
	f.targets[name] = rad
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) ClearTargets() {
	f.mu.Lock()
	clear(f.targets)
	f.mu.Unlock()
}

func (f *fakeSource) SetControlEnabled(on bool) {
	f.mu.Lock()
	f.control = on
	f.mu.Unlock()
}

func newTestServer(src Source) *Server {
	return NewServer(Config{Logger: log.Discard(), BroadcastPeriod: 5 * time.Millisecond}, src)
}

func TestAPI_Get(t *testing.T) {
	s := newTestServer(newFakeSource())
	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/api/status", 200, `"session":"s1"`},
		{"/api/counters", 200, `"frames":42`},
		{"/api/joints", 200, `"actuator":"front_left_knee"`},
		{"/api/joints/front_left_knee_joint", 200, `"position":-1`},
		{"/api/joints/front_left_knee", 200, `"name":"front_left_knee_joint"`},
		{"/api/joints/tail", 404, `unknown joint`},
		{"/ws/state", 426, ``},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := s.App().Test(httptest.NewRequest("GET", tt.path, nil))
			if err != nil {
				t.Fatalf("Request error: %v", err)
			}
			if resp.StatusCode != tt.wantCode {
				t.Errorf("Status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body %s does not contain %s", body, tt.wantBody)
			}
		})
	}
}

func TestAPI_SetTarget(t *testing.T) {
	src := newFakeSource()
	s := newTestServer(src)
	tests := []struct {
		name     string
		joint    string
		body     string
		ext      bool
		wantCode int
	}{
		{"ok", "front_left_knee", `{"position":-0.5}`, false, 200},
		{"missing position", "front_left_knee", `{}`, false, 400},
		{"bad json", "front_left_knee", `{`, false, 400},
		{"unknown joint", "tail", `{"position":0}`, false, 404},
		{"external controller", "front_left_knee", `{"position":0}`, true, 409},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src.ext = tt.ext
			req := httptest.NewRequest("POST", "/api/joints/"+tt.joint+"/target", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := s.App().Test(req)
			if err != nil {
				t.Fatalf("Request error: %v", err)
			}
			if resp.StatusCode != tt.wantCode {
				t.Errorf("Status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
		})
	}
	if got := src.targets["front_left_knee"]; got != -0.5 {
		t.Errorf("target: got %v, want -0.5", got)
	}

	resp, err := s.App().Test(httptest.NewRequest("DELETE", "/api/targets", nil))
	if err != nil || resp.StatusCode != 204 {
		t.Fatalf("DELETE /api/targets: %v, %v", resp, err)
	}
	if len(src.targets) != 0 {
		t.Errorf("targets after clear: %v", src.targets)
	}
}

func TestAPI_Control(t *testing.T) {
	src := newFakeSource()
	s := newTestServer(src)

	req := httptest.NewRequest("POST", "/api/control", strings.NewReader(`{"enabled":false}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("POST /api/control: %v, %v", resp, err)
	}
	if src.Status().Control {
		t.Error("control should be disabled")
	}

	req = httptest.NewRequest("POST", "/api/control", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, _ = s.App().Test(req)
	if resp.StatusCode != 400 {
		t.Errorf("Status = %d, want 400", resp.StatusCode)
	}
}

func TestStateWebSocket(t *testing.T) {
	s := newTestServer(newFakeSource())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/state", nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	defer ws.Close()

	read := func() protocol.Message {
		t.Helper()
		ws.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		return msg
	}

	// Snapshot on connect, then the periodic stream.
	for i := 0; i < 3; i++ {
		msg := read()
		if msg.Type != protocol.TypeState {
			continue
		}
		var state protocol.StateData
		if err := msg.ParseData(&state); err != nil || len(state.Joints) != 1 {
			t.Errorf("state: got %+v, %v", state, err)
		}
	}

	ping, _ := protocol.NewMessage(protocol.TypePing, nil)
	data, _ := ping.Bytes()
	ws.WriteMessage(websocket.TextMessage, data)
	for i := 0; i < 50; i++ {
		if read().Type == protocol.TypePong {
			return
		}
	}
	t.Error("no pong received")
}
