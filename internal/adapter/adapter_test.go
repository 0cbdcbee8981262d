package adapter

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agsys/lorawan-enddevice/internal/engine"
)

// stubMAC records calls and returns canned results.
type stubMAC struct {
	mu          sync.Mutex
	joined      bool
	transmitOK  bool
	joinOK      bool
	lastPayload []byte
	lastConfirm bool
	joinCalls   int
	lastTries   int
}

func (s *stubMAC) IsJoined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *stubMAC) Join(maxTries int, forced bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinCalls++
	s.lastTries = maxTries
	return s.joinOK
}

func (s *stubMAC) Transmit(payload []byte, confirmed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPayload = append([]byte{}, payload...)
	s.lastConfirm = confirmed
	return s.transmitOK
}

func (s *stubMAC) CurrentSnapshot() engine.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return engine.Snapshot{Joined: s.joined, DevAddr: "26011bda", FCnt: 7}
}

func TestHandleTransmitRequest(t *testing.T) {
	mac := &stubMAC{transmitOK: true}
	a := NewZMQ(DefaultZMQConfig(), mac)

	body, _ := json.Marshal(transmitRequest{Payload: []byte{1, 2, 3}, Confirmed: true})
	r := a.handleRequest("transmit", body)
	if !r.OK {
		t.Fatalf("transmit request failed: %s", r.Error)
	}
	if len(mac.lastPayload) != 3 || !mac.lastConfirm {
		t.Errorf("engine saw payload %v confirmed %v", mac.lastPayload, mac.lastConfirm)
	}
}

func TestHandleTransmitRejected(t *testing.T) {
	mac := &stubMAC{transmitOK: false}
	a := NewZMQ(DefaultZMQConfig(), mac)

	body, _ := json.Marshal(transmitRequest{Payload: []byte{1}})
	if r := a.handleRequest("transmit", body); r.OK {
		t.Error("expected rejected transmit to report ok=false")
	}
}

func TestHandleJoinDefaultsTries(t *testing.T) {
	mac := &stubMAC{joinOK: true}
	a := NewZMQ(DefaultZMQConfig(), mac)

	r := a.handleRequest("join", []byte(`{}`))
	if !r.OK {
		t.Fatalf("join request failed: %s", r.Error)
	}
	if mac.joinCalls != 1 {
		t.Errorf("join called %d times, want 1", mac.joinCalls)
	}
	if mac.lastTries != 3 {
		t.Errorf("join max tries = %d, want default 3", mac.lastTries)
	}
}

func TestHandleStatusRequest(t *testing.T) {
	mac := &stubMAC{joined: true}
	a := NewZMQ(DefaultZMQConfig(), mac)

	r := a.handleRequest("status", nil)
	if !r.OK {
		t.Fatalf("status request failed: %s", r.Error)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(r.Status, &snap); err != nil {
		t.Fatalf("status reply is not a snapshot: %v", err)
	}
	if !snap.Joined || snap.FCnt != 7 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	a := NewZMQ(DefaultZMQConfig(), &stubMAC{})
	if r := a.handleRequest("reboot", nil); r.OK {
		t.Error("unknown command must not report ok")
	}
}

func TestStatusFeedPushesSnapshot(t *testing.T) {
	mac := &stubMAC{joined: true}
	s := NewStatusServer(StatusConfig{PushInterval: 50 * time.Millisecond}, mac)
	defer s.Stop()

	srv := httptest.NewServer(s.handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial status feed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(msg, &snap); err != nil {
		t.Fatalf("snapshot not JSON: %v", err)
	}
	if !snap.Joined || snap.DevAddr != "26011bda" {
		t.Errorf("snapshot = %+v", snap)
	}
}
