package preview

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrClientClosed is returned when sending to a disconnected viewer
var ErrClientClosed = errors.New("client connection closed")

const sendTimeout = 5 * time.Second

// SignalingServer handles WebSocket signaling for preview viewers
type SignalingServer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// Connected clients
	clients map[string]*SignalingClient
	mu      sync.RWMutex

	// Message handlers
	onOffer      func(client *SignalingClient, offer webrtc.SessionDescription) error
	onICE        func(client *SignalingClient, candidate webrtc.ICECandidateInit) error
	onDisconnect func(client *SignalingClient)

	allowedOrigins []string
	sendBufferSize int
}

// SignalingClient represents a connected viewer
type SignalingClient struct {
	id     string
	conn   *websocket.Conn
	server *SignalingServer
	logger *zap.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	connectedAt time.Time
	lastPing    time.Time
}

// SignalingMessage is the envelope for every signaling message
type SignalingMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewSignalingServer creates a new signaling server
func NewSignalingServer(allowedOrigins []string, sendBufferSize int, logger *zap.Logger) *SignalingServer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 256
	}

	s := &SignalingServer{
		logger:         logger,
		clients:        make(map[string]*SignalingClient),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	return s
}

// checkOrigin validates the request origin against allowed origins
func (s *SignalingServer) checkOrigin(r *http.Request) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients
		return true
	}

	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	s.logger.Warn("Origin not allowed",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", s.allowedOrigins))
	return false
}

// SetHandlers sets the message handlers
func (s *SignalingServer) SetHandlers(
	onOffer func(client *SignalingClient, offer webrtc.SessionDescription) error,
	onICE func(client *SignalingClient, candidate webrtc.ICECandidateInit) error,
	onDisconnect func(client *SignalingClient),
) {
	s.onOffer = onOffer
	s.onICE = onICE
	s.onDisconnect = onDisconnect
}

// HandleWebSocket upgrades the request and starts the client pumps
func (s *SignalingServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	now := time.Now()
	client := &SignalingClient{
		id:          clientID,
		conn:        conn,
		server:      s,
		logger:      s.logger.With(zap.String("client_id", clientID)),
		send:        make(chan []byte, s.sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: now,
		lastPing:    now,
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	client.logger.Info("Viewer connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.Header.Get("User-Agent")))

	go client.writePump()
	go client.readPump()
}

// readPump handles incoming messages from the client
func (c *SignalingClient) readPump() {
	defer c.close()

	for {
		var msg SignalingMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		c.logger.Debug("Received message", zap.String("type", msg.Type))

		if err := c.handleMessage(msg); err != nil {
			c.logger.Error("Error handling message", zap.Error(err))
			c.sendError(fmt.Sprintf("Error handling message: %v", err))
		}
	}
}

// writePump handles outgoing messages to the client
func (c *SignalingClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("WebSocket write error", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage processes incoming signaling messages
func (c *SignalingClient) handleMessage(msg SignalingMessage) error {
	switch msg.Type {
	case "offer":
		var offer webrtc.SessionDescription
		if err := c.unmarshalData(msg.Data, &offer); err != nil {
			return fmt.Errorf("invalid offer format: %w", err)
		}
		if c.server.onOffer != nil {
			return c.server.onOffer(c, offer)
		}

	case "ice-candidate":
		var candidate webrtc.ICECandidateInit
		if err := c.unmarshalData(msg.Data, &candidate); err != nil {
			return fmt.Errorf("invalid ICE candidate format: %w", err)
		}
		if c.server.onICE != nil {
			return c.server.onICE(c, candidate)
		}

	case "ping":
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.sendMessage("pong", nil)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

func (c *SignalingClient) unmarshalData(data interface{}, target interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}

// SendAnswer sends a WebRTC answer to the client
func (c *SignalingClient) SendAnswer(answer webrtc.SessionDescription) error {
	return c.sendMessage("answer", answer)
}

// SendICECandidate sends an ICE candidate to the client
func (c *SignalingClient) SendICECandidate(candidate *webrtc.ICECandidate) error {
	if candidate == nil {
		return nil
	}
	return c.sendMessage("ice-candidate", candidate.ToJSON())
}

// sendMessage queues a message, closing the client if it stays full
func (c *SignalingClient) sendMessage(msgType string, data interface{}) error {
	if c.IsClosed() {
		return ErrClientClosed
	}

	jsonData, err := json.Marshal(SignalingMessage{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case c.send <- jsonData:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-timer.C:
		c.logger.Error("Send timeout, client too slow, closing connection",
			zap.String("message_type", msgType))
		go c.close()
		return fmt.Errorf("send timeout, client too slow")
	}
}

func (c *SignalingClient) sendError(errorMsg string) {
	c.sendMessage("error", map[string]string{"message": errorMsg})
}

// close marks the client closed, detaches it from the server and runs the
// disconnect hook once
func (c *SignalingClient) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		if c.server != nil {
			c.server.mu.Lock()
			delete(c.server.clients, c.id)
			c.server.mu.Unlock()

			if c.server.onDisconnect != nil {
				c.server.onDisconnect(c)
			}
		}

		c.logger.Info("Viewer disconnected")
	})
}

// ID returns the client ID
func (c *SignalingClient) ID() string {
	return c.id
}

// IsClosed returns whether the client connection is closed
func (c *SignalingClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ClientCount returns the number of connected clients
func (s *SignalingServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Clients returns the IDs of connected clients
func (s *SignalingServer) Clients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]string, 0, len(s.clients))
	for id := range s.clients {
		clients = append(clients, id)
	}
	return clients
}

// BroadcastMessage sends a message to all connected clients
func (s *SignalingServer) BroadcastMessage(msgType string, data interface{}) {
	for _, client := range s.snapshot() {
		if err := client.sendMessage(msgType, data); err != nil && !errors.Is(err, ErrClientClosed) {
			client.logger.Warn("Broadcast failed", zap.String("type", msgType), zap.Error(err))
		}
	}
}

// Close disconnects all clients
func (s *SignalingServer) Close() {
	s.logger.Info("Closing signaling server")
	for _, client := range s.snapshot() {
		client.close()
	}
}

func (s *SignalingServer) snapshot() []*SignalingClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*SignalingClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}
