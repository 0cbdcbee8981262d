// Package adapter exposes the MAC engine to an external application
// process: a ZeroMQ PUB socket fans out join/transmit/receive events, a
// ZeroMQ REP socket accepts transmit and join requests, and a websocket
// endpoint serves a read-only status feed.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/agsys/lorawan-enddevice/internal/engine"
)

// MAC is the slice of the engine the adapter drives. Satisfied by
// *engine.Engine; narrowed to an interface so adapter tests can run
// against a stub.
type MAC interface {
	IsJoined() bool
	Join(maxTries int, forced bool) bool
	Transmit(payload []byte, confirmed bool) bool
	CurrentSnapshot() engine.Snapshot
}

// ZMQConfig holds the two application-facing socket endpoints.
type ZMQConfig struct {
	EventURL   string // PUB socket, emits callback events
	RequestURL string // REP socket, accepts transmit/join/status requests
}

// DefaultZMQConfig returns the local IPC defaults.
func DefaultZMQConfig() ZMQConfig {
	return ZMQConfig{
		EventURL:   "ipc:///tmp/lorawan_adapter_event",
		RequestURL: "ipc:///tmp/lorawan_adapter_request",
	}
}

// Event is the JSON body published on the event socket. Topic frame is
// one of "join", "transmit", "receive".
type Event struct {
	Session string `json:"session"`
	Status  string `json:"status"`
	Payload []byte `json:"payload,omitempty"`
}

// ZMQ bridges the engine's callbacks and API to an external process.
type ZMQ struct {
	cfg ZMQConfig
	mac MAC

	// sessionID correlates every event and log line from one adapter
	// lifetime.
	sessionID string

	pubSock zmq4.Socket
	repSock zmq4.Socket
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewZMQ constructs an adapter bound to mac. Call Start to bind sockets.
func NewZMQ(cfg ZMQConfig, mac MAC) *ZMQ {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZMQ{
		cfg:       cfg,
		mac:       mac,
		sessionID: uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds both sockets and starts the request loop.
func (a *ZMQ) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("adapter: already running")
	}
	a.running = true
	a.mu.Unlock()

	a.pubSock = zmq4.NewPub(a.ctx)
	if err := a.pubSock.Listen(a.cfg.EventURL); err != nil {
		return fmt.Errorf("adapter: bind event socket: %w", err)
	}

	a.repSock = zmq4.NewRep(a.ctx)
	if err := a.repSock.Listen(a.cfg.RequestURL); err != nil {
		a.pubSock.Close()
		return fmt.Errorf("adapter: bind request socket: %w", err)
	}

	a.wg.Add(1)
	go a.requestLoop()

	log.Printf("adapter: session %s started: event=%s, request=%s",
		a.sessionID, a.cfg.EventURL, a.cfg.RequestURL)
	return nil
}

// Stop closes both sockets and waits for the request loop to exit.
func (a *ZMQ) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.cancel()
	if a.repSock != nil {
		a.repSock.Close()
	}
	a.wg.Wait()
	if a.pubSock != nil {
		a.pubSock.Close()
	}
	log.Printf("adapter: session %s stopped", a.sessionID)
	return nil
}

// OnJoin publishes a join callback event. Install via engine.SetCallbacks.
func (a *ZMQ) OnJoin(s engine.JoinStatus) {
	a.publish("join", Event{Session: a.sessionID, Status: s.String()})
}

// OnTransmit publishes a transmit callback event.
func (a *ZMQ) OnTransmit(s engine.TransmitStatus) {
	a.publish("transmit", Event{Session: a.sessionID, Status: s.String()})
}

// OnReceive publishes a receive callback event with the downlink payload.
func (a *ZMQ) OnReceive(s engine.ReceiveStatus, payload []byte) {
	a.publish("receive", Event{Session: a.sessionID, Status: s.String(), Payload: payload})
}

func (a *ZMQ) publish(topic string, ev Event) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("adapter: marshal %s event: %v", topic, err)
		return
	}
	if err := a.pubSock.Send(zmq4.NewMsgFrom([]byte(topic), body)); err != nil {
		log.Printf("adapter: publish %s event: %v", topic, err)
	}
}

// Request wire format on the REP socket: frame 0 is the command, frame 1
// its JSON body. Replies are a single JSON frame.
type transmitRequest struct {
	Payload   []byte `json:"payload"`
	Confirmed bool   `json:"confirmed"`
}

type joinRequest struct {
	MaxTries int  `json:"max_tries"`
	Forced   bool `json:"forced"`
}

type reply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Status json.RawMessage `json:"status,omitempty"` // "status" replies only
}

func (a *ZMQ) requestLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		msg, err := a.repSock.Recv()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 1 {
			a.reply(reply{OK: false, Error: "empty request"})
			continue
		}

		cmd := string(msg.Frames[0])
		var body []byte
		if len(msg.Frames) > 1 {
			body = msg.Frames[1]
		}
		a.reply(a.handleRequest(cmd, body))
	}
}

func (a *ZMQ) handleRequest(cmd string, body []byte) reply {
	switch cmd {
	case "transmit":
		var req transmitRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return reply{OK: false, Error: fmt.Sprintf("bad transmit request: %v", err)}
		}
		if ok := a.mac.Transmit(req.Payload, req.Confirmed); !ok {
			return reply{OK: false, Error: "transmit rejected"}
		}
		return reply{OK: true}

	case "join":
		var req joinRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return reply{OK: false, Error: fmt.Sprintf("bad join request: %v", err)}
		}
		if req.MaxTries <= 0 {
			req.MaxTries = 3
		}
		if ok := a.mac.Join(req.MaxTries, req.Forced); !ok {
			return reply{OK: false, Error: "join rejected"}
		}
		return reply{OK: true}

	case "status":
		snap, err := json.Marshal(a.mac.CurrentSnapshot())
		if err != nil {
			return reply{OK: false, Error: err.Error()}
		}
		return reply{OK: true, Status: snap}

	default:
		return reply{OK: false, Error: fmt.Sprintf("unknown command %q", cmd)}
	}
}

func (a *ZMQ) reply(r reply) {
	body, err := json.Marshal(r)
	if err != nil {
		body = []byte(`{"ok":false,"error":"marshal failure"}`)
	}
	if err := a.repSock.Send(zmq4.NewMsg(body)); err != nil {
		log.Printf("adapter: send reply: %v", err)
	}
}
