// Package gateway fans session state changes out to websocket viewers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sendrec/watchparty/internal/httputil"
	"github.com/sendrec/watchparty/internal/session"
)

// Source is where the manager reads and follows session states.
type Source interface {
	Get(ctx context.Context, id string) (session.State, error)
	Subscribe(ctx context.Context, id string, fn func(session.State)) (func(), error)
}

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      32,
	}
}

type BroadcastMessage struct {
	SessionID string
	State     session.State
}

type sessionPool struct {
	conns       map[*Connection]bool
	unsubscribe func()
}

// ConnectionManager keeps one Source subscription per session with at least
// one connected viewer and relays every state to all of them.
type ConnectionManager struct {
	source   Source
	upgrader websocket.Upgrader
	config   ConnectionConfig
	logger   *slog.Logger

	mu    sync.RWMutex
	pools map[string]*sessionPool

	broadcastCh chan BroadcastMessage
}

type Connection struct {
	ID          string
	SessionID   string
	Conn        *websocket.Conn
	Send        chan []byte
	Manager     *ConnectionManager
	ConnectedAt time.Time
}

func NewConnectionManager(source Source, config ConnectionConfig, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConnectionConfig().SendBuffer
	}
	return &ConnectionManager{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		logger:      logger,
		pools:       make(map[string]*sessionPool),
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start relays broadcasts until ctx is done, then closes every connection.
func (cm *ConnectionManager) Start(ctx context.Context) {
	cm.logger.Info("connection manager started")
	for {
		select {
		case <-ctx.Done():
			cm.closeAll()
			cm.logger.Info("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Serve upgrades the request and attaches it to sessionID. The current state
// is sent first; a session without state is rejected with 404 before upgrading.
func (cm *ConnectionManager) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	if _, err := cm.source.Get(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "session not found")
			return err
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load session")
		return err
	}

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Conn:        ws,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}
	if err := cm.registerConnection(r.Context(), conn); err != nil {
		ws.Close()
		return err
	}

	go conn.writePump()
	go conn.readPump()

	cm.logger.Info("websocket connection established",
		"connection_id", conn.ID,
		"session_id", sessionID,
		"remote_addr", r.RemoteAddr,
	)
	return nil
}

// registerConnection adds conn to its session pool and queues the current
// state. The state is read while cm.mu is held and after the session
// subscription exists, so every later broadcast reaches conn behind it.
func (cm *ConnectionManager) registerConnection(ctx context.Context, conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	pool, ok := cm.pools[conn.SessionID]
	if !ok {
		sessionID := conn.SessionID
		unsubscribe, err := cm.source.Subscribe(context.Background(), sessionID, func(st session.State) {
			cm.Broadcast(sessionID, st)
		})
		if err != nil {
			return fmt.Errorf("subscribe session %s: %w", sessionID, err)
		}
		pool = &sessionPool{conns: make(map[*Connection]bool), unsubscribe: unsubscribe}
		cm.pools[sessionID] = pool
	}
	pool.conns[conn] = true

	current, err := cm.source.Get(ctx, conn.SessionID)
	if err != nil {
		cm.logger.Warn("failed to load initial session state", "session_id", conn.SessionID, "error", err)
	} else if data, err := json.Marshal(current); err == nil {
		conn.Send <- data
	}

	cm.logger.Debug("connection registered",
		"connection_id", conn.ID,
		"session_id", conn.SessionID,
		"total_connections", len(pool.conns),
	)
	return nil
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	pool, ok := cm.pools[conn.SessionID]
	if !ok || !pool.conns[conn] {
		return
	}
	delete(pool.conns, conn)
	close(conn.Send)

	if len(pool.conns) == 0 {
		pool.unsubscribe()
		delete(cm.pools, conn.SessionID)
	}

	cm.logger.Info("connection unregistered",
		"connection_id", conn.ID,
		"session_id", conn.SessionID,
	)
}

// Broadcast queues state for every viewer of sessionID.
func (cm *ConnectionManager) Broadcast(sessionID string, state session.State) {
	select {
	case cm.broadcastCh <- BroadcastMessage{SessionID: sessionID, State: state}:
	default:
		cm.logger.Warn("broadcast channel full, dropping message", "session_id", sessionID)
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	pool, ok := cm.pools[message.SessionID]
	if !ok {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(pool.conns))
	for conn := range pool.conns {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(message.State)
	if err != nil {
		cm.logger.Error("failed to marshal state for broadcast", "error", err)
		return
	}

	for _, conn := range targets {
		if !cm.trySend(conn, data) {
			cm.logger.Warn("connection send buffer full, closing connection", "connection_id", conn.ID)
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	cm.logger.Debug("state broadcasted",
		"session_id", message.SessionID,
		"connections", len(targets),
	)
}

// trySend delivers data unless the connection is gone or its buffer is full.
func (cm *ConnectionManager) trySend(conn *Connection, data []byte) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	pool, ok := cm.pools[conn.SessionID]
	if !ok || !pool.conns[conn] {
		return true
	}
	select {
	case conn.Send <- data:
		return true
	default:
		return false
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, pool := range cm.pools {
		for conn := range pool.conns {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
	}
}

// Viewers reports how many connections follow sessionID.
func (cm *ConnectionManager) Viewers(sessionID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if pool, ok := cm.pools[sessionID]; ok {
		return len(pool.conns)
	}
	return 0
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Manager.logger.Error("failed to write websocket message", "connection_id", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Manager.logger.Debug("failed to send ping", "connection_id", c.ID, "error", err)
				return
			}
		}
	}
}

// readPump discards client frames; it exists to process control frames and
// notice disconnects.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.Manager.logger.Warn("unexpected websocket close", "connection_id", c.ID, "error", err)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
