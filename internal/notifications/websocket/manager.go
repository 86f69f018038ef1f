package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carbon-scribe/registry-core/internal/notifications"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var ErrBroadcastFull = errors.New("broadcast channel full")

// Manager streams registry events to websocket clients
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	hub         *Hub
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	closeOnce   sync.Once
}

// Connection represents a websocket client. An empty ProjectIDs list
// subscribes to every project.
type Connection struct {
	ID          string
	ProjectIDs  []string
	Conn        *websocket.Conn
	Send        chan notifications.Event
	ConnectedAt time.Time
	mu          sync.Mutex
}

// Hub owns the connection set and serialises fan-out
type Hub struct {
	connections map[*Connection]bool
	broadcast   chan notifications.Event
	register    chan *Connection
	unregister  chan *Connection
	stop        chan struct{}
	logger      *zap.Logger
}

// subscription is the only message clients send
type subscription struct {
	ProjectIDs []string `json:"project_ids"`
}

var _ notifications.Broadcaster = (*Manager)(nil)

// NewManager creates a new websocket manager and starts its hub
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		connections: make(map[*Connection]bool),
		broadcast:   make(chan notifications.Event, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stop:        make(chan struct{}),
		logger:      logger,
	}

	go hub.run()

	return &Manager{
		connections: make(map[string]*Connection),
		hub:         hub,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeWS upgrades a gin request into an event stream
func (m *Manager) ServeWS(c *gin.Context) {
	if _, err := m.HandleConnection(c.Writer, c.Request); err != nil {
		m.logger.Warn("Websocket upgrade failed", zap.Error(err))
	}
}

// HandleConnection handles new websocket connections
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		ProjectIDs:  r.URL.Query()["project_id"],
		Conn:        conn,
		Send:        make(chan notifications.Event, sendBuffer),
		ConnectedAt: time.Now(),
	}

	m.hub.register <- connection

	m.mu.Lock()
	m.connections[connection.ID] = connection
	m.mu.Unlock()

	go m.readPump(connection)
	go m.writePump(connection)

	return connection, nil
}

// readPump reads subscription updates until the client goes away
func (m *Manager) readPump(conn *Connection) {
	defer func() {
		m.mu.Lock()
		delete(m.connections, conn.ID)
		m.mu.Unlock()
		select {
		case m.hub.unregister <- conn:
		case <-m.hub.stop:
		}
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(4096)
	conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var sub subscription
		if err := conn.Conn.ReadJSON(&sub); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debug("Websocket read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		conn.mu.Lock()
		conn.ProjectIDs = sub.ProjectIDs
		conn.mu.Unlock()
	}
}

// writePump pumps events from the hub to the websocket connection
func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) wants(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ProjectIDs) == 0 || projectID == "" {
		return true
	}
	for _, id := range c.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// run runs the hub in its own goroutine
func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.connections[conn] = true
			h.logger.Debug("Connection registered", zap.String("connection_id", conn.ID))

		case conn := <-h.unregister:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.Send)
			}

		case event := <-h.broadcast:
			for conn := range h.connections {
				if !conn.wants(event.ProjectID) {
					continue
				}
				select {
				case conn.Send <- event:
				default:
					// slow consumer
					close(conn.Send)
					delete(h.connections, conn)
				}
			}

		case <-h.stop:
			for conn := range h.connections {
				close(conn.Send)
				delete(h.connections, conn)
			}
			return
		}
	}
}

// Broadcast queues event for every subscribed connection
func (m *Manager) Broadcast(event notifications.Event) error {
	select {
	case m.hub.broadcast <- event:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Close stops the hub and closes every connection
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.hub.stop)

		m.mu.Lock()
		for _, conn := range m.connections {
			conn.Conn.Close()
		}
		m.connections = make(map[string]*Connection)
		m.mu.Unlock()
	})
}
