// Package dashboard provides the real-time WebSocket server for observing
// the sync engine.
//
// The server broadcasts status changes (hydration progress, sync activity,
// dirty counts, errors) and periodic telemetry to connected WebSocket
// clients, and serves point-in-time snapshots over plain HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kittclouds/canvas-sync/internal/engine"
	"github.com/kittclouds/canvas-sync/internal/syncstate"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeStatus carries a full engine status snapshot, sent on
	// every status register change and as the connect greeting.
	MessageTypeStatus MessageType = "status"

	// MessageTypeTelemetry carries cumulative flush counters, sent on an
	// interval.
	MessageTypeTelemetry MessageType = "telemetry"
)

// Message is one dashboard broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. Port 0 picks a free port, useful in tests.
	Port int

	// TelemetryInterval is how often counters are broadcast (default: 5s).
	TelemetryInterval time.Duration

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:              8791,
		TelemetryInterval: 5 * time.Second,
		Logger:            log.Default(),
	}
}

// Server manages WebSocket connections and broadcasts engine activity.
type Server struct {
	engine *engine.Engine
	addr   string

	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	telemetryInterval time.Duration
	unsubscribe       func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server over a constructed engine.
func NewServer(eng *engine.Engine, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.TelemetryInterval <= 0 {
		config.TelemetryInterval = DefaultConfig().TelemetryInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		engine:            eng,
		addr:              fmt.Sprintf(":%d", config.Port),
		clients:           make(map[*websocket.Conn]bool),
		broadcast:         make(chan Message, 100),
		telemetryInterval: config.TelemetryInterval,
		ctx:               ctx,
		cancel:            cancel,
		logger:            config.Logger,
	}
}

// Start begins the HTTP server, subscribes to the engine's status register,
// and starts the broadcast loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Every status register change becomes a broadcast frame. The listener
	// runs under the register's lock, so it only enqueues.
	s.unsubscribe = s.engine.Subscribe(func(st syncstate.Status) {
		s.Broadcast(statusMessage(st))
	})

	s.wg.Add(2)
	go s.broadcastLoop()
	go s.telemetryLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast queues a message for every connected client. Drops the message
// if the queue is full rather than blocking the caller.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client cannot stall admission.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// telemetryLoop broadcasts the flush counters on an interval.
func (s *Server) telemetryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.telemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.ClientCount() == 0 {
				continue
			}
			s.Broadcast(telemetryMessage(s.engine.Telemetry()))
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// Greet with the current status so the client renders immediately.
	greeting, _ := json.Marshal(statusMessage(s.engine.Status()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, greeting)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
// Client frames are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleStatus returns the current engine status and telemetry as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    s.engine.Status(),
		"telemetry": s.engine.Telemetry(),
		"pending":   s.engine.PendingCount(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Canvas Sync Dashboard</title>
</head>
<body>
    <h1>Canvas Sync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status snapshot: <a href="/status">/status</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func statusMessage(st syncstate.Status) Message {
	data, _ := json.Marshal(st)
	return Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: data}
}

func telemetryMessage(tel engine.Telemetry) Message {
	data, _ := json.Marshal(tel)
	return Message{Type: MessageTypeTelemetry, Timestamp: time.Now(), Data: data}
}
