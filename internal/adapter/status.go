package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusConfig holds the websocket status feed settings.
type StatusConfig struct {
	// ListenAddr is the host:port the HTTP server binds; empty disables
	// the feed.
	ListenAddr string
	// PushInterval is how often a snapshot is pushed to each connected
	// client.
	PushInterval time.Duration
}

// DefaultStatusConfig returns a loopback-only feed pushing once a second.
func DefaultStatusConfig() StatusConfig {
	return StatusConfig{
		ListenAddr:   "127.0.0.1:8632",
		PushInterval: time.Second,
	}
}

// StatusServer serves engine snapshots over a read-only websocket at
// /status. Clients receive one snapshot on connect and then one per push
// interval; anything they send is discarded.
type StatusServer struct {
	cfg StatusConfig
	mac MAC

	upgrader websocket.Upgrader
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewStatusServer constructs a status feed bound to mac.
func NewStatusServer(cfg StatusConfig, mac MAC) *StatusServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &StatusServer{
		cfg:    cfg,
		mac:    mac,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  256,
			WriteBufferSize: 1024,
		},
	}
}

// Start binds the listen address and serves in the background.
func (s *StatusServer) Start() error {
	if s.cfg.ListenAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("adapter: bind status feed: %w", err)
	}

	s.server = &http.Server{Handler: s.handler()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("adapter: status feed: %v", err)
		}
	}()

	log.Printf("adapter: status feed listening on %s", s.cfg.ListenAddr)
	return nil
}

// Stop shuts the HTTP server down and disconnects all clients.
func (s *StatusServer) Stop() error {
	s.cancel()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}
	s.wg.Wait()
	return nil
}

func (s *StatusServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("adapter: status upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Drain client frames so control messages (ping/close) are handled;
	// the feed itself is one-directional.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.push(conn); err != nil {
		return
	}

	interval := s.cfg.PushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.push(conn); err != nil {
				return
			}
		}
	}
}

func (s *StatusServer) push(conn *websocket.Conn) error {
	body, err := json.Marshal(s.mac.CurrentSnapshot())
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, body)
}
