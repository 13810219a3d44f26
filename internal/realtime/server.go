// Package realtime exposes the build service over HTTP, NDJSON streaming,
// and WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stylus-builder/internal/builder"
	"stylus-builder/internal/protocol"
	"stylus-builder/internal/session"
	"stylus-builder/internal/stream"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	// sendStall is how long a build waits on a full client buffer before
	// treating the client as gone.
	sendStall = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server routes HTTP and WebSocket requests to the build service.
type Server struct {
	builds    *builder.Service
	registry  *session.Registry
	logger    *zap.Logger
	clients   map[*client]bool
	clientsMu sync.RWMutex
	// closing is set by Shutdown under clientsMu; no work starts after it.
	closing bool
	// inflight tracks WebSocket-started builds and deploys for Shutdown.
	inflight sync.WaitGroup
	// writeTimeout bounds each write to a streaming HTTP client.
	writeTimeout time.Duration
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	server *Server

	mu     sync.Mutex
	builds map[string]context.CancelFunc // requestID → cancel
}

// New creates a new realtime server.
func New(builds *builder.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		builds:   builds,
		registry:     builds.Registry(),
		logger:       logger,
		clients:      make(map[*client]bool),
		writeTimeout: writeDeadline,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /compile", s.handleCompile)
	mux.HandleFunc("POST /compile/stream", s.handleCompileStream)
	mux.HandleFunc("POST /deploy", s.handleDeploy)
	mux.HandleFunc("GET /builds/{id}", s.handleGetBuild)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/files", s.handleSessionFiles)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Shutdown disconnects every WebSocket client, which cancels their builds,
// and waits for those builds to finish cleaning up.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startWork registers in-flight work unless Shutdown has begun.
func (s *Server) startWork() bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		server: s,
		builds: make(map[string]context.CancelFunc),
	}

	s.clientsMu.Lock()
	if s.closing {
		s.clientsMu.Unlock()
		cancel()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeDeadline))
		conn.Close()
		return
	}
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// close marks the client gone and cancels its in-flight work.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// enqueue sends a control message without blocking; it is dropped when the
// client buffer is full.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

// deliver waits for buffer space so build output is never dropped. A client
// that stays full for sendStall is treated as gone.
func (c *client) deliver(data []byte) error {
	select {
	case <-c.done:
		return stream.ErrConsumerGone
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(sendStall)
	defer timer.Stop()
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return stream.ErrConsumerGone
	case <-timer.C:
		c.close()
		return fmt.Errorf("%w: websocket client stalled for %s", stream.ErrConsumerGone, sendStall)
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.close()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeBuildStart:
		s.handleWSBuild(c, msg)
	case protocol.TypeDeployStart:
		s.handleWSDeploy(c, msg)
	case protocol.TypeBuildCancel:
		s.handleWSCancel(c, msg)
	}
}

func (s *Server) handleWSBuild(c *client, msg *protocol.Message) {
	var payload protocol.BuildStartPayload
	json.Unmarshal(msg.Payload, &payload)

	requestID := payload.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if !s.startWork() {
		s.sendError(c, protocol.ErrShuttingDown, "server is shutting down")
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if _, busy := c.builds[requestID]; busy {
		s.inflight.Done()
		c.mu.Unlock()
		cancel()
		s.sendError(c, protocol.ErrBuildBusy, "build already running for request "+requestID)
		return
	}
	c.builds[requestID] = cancel
	c.mu.Unlock()

	sink := stream.SinkFunc(func(ev protocol.Event) error {
		out, err := protocol.NewMessage(protocol.TypeBuildOutput, protocol.BuildOutputPayload{
			RequestID: requestID,
			Event:     ev,
		})
		if err != nil {
			return err
		}
		data, _ := json.Marshal(out)
		return c.deliver(data)
	})

	go func() {
		defer s.inflight.Done()
		defer func() {
			c.mu.Lock()
			delete(c.builds, requestID)
			c.mu.Unlock()
			cancel()
		}()

		res := s.builds.Build(ctx, payload.BuildRequest, sink)

		resp, err := protocol.NewMessage(protocol.TypeBuildResult, protocol.BuildResultPayload{
			RequestID: requestID,
			Result:    res,
		})
		if err != nil {
			return
		}
		data, _ := json.Marshal(resp)
		_ = c.deliver(data)
	}()
}

func (s *Server) handleWSCancel(c *client, msg *protocol.Message) {
	var payload protocol.BuildCancelPayload
	json.Unmarshal(msg.Payload, &payload)

	c.mu.Lock()
	cancel, ok := c.builds[payload.RequestID]
	c.mu.Unlock()

	if !ok {
		s.sendError(c, protocol.ErrBuildNotFound, "no running build for request "+payload.RequestID)
		return
	}
	cancel()
}

func (s *Server) handleWSDeploy(c *client, msg *protocol.Message) {
	var payload protocol.DeployRequest
	json.Unmarshal(msg.Payload, &payload)

	if !s.startWork() {
		s.sendError(c, protocol.ErrShuttingDown, "server is shutting down")
		return
	}
	go func() {
		defer s.inflight.Done()

		res := s.builds.Deploy(c.ctx, payload)
		if res.Error == builder.ErrMsgSessionNotFound {
			s.sendError(c, protocol.ErrSessionNotFound, res.Error)
		}

		resp, err := protocol.NewMessage(protocol.TypeDeployResult, protocol.DeployResultPayload{
			SessionID: payload.SessionID,
			Result:    res,
		})
		if err != nil {
			return
		}
		data, _ := json.Marshal(resp)
		_ = c.deliver(data)
	}()
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}
