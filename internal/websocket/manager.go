package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"notes-sharing-server/internal/metrics"
)

type ClientMessage struct {
	Client  *Client
	Message []byte
}

// Manager tracks connected clients, indexed by user, and fans messages out
// to them. Registration changes go through Run's channels.
type Manager struct {
	clients        map[string]*Client
	userIndex      map[string]map[string]bool
	clientsMutex   sync.RWMutex
	Register       chan *Client
	Unregister     chan *Client
	HandleMessage  chan *ClientMessage
	maxConnPerUser int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
	messageHandler MessageHandler
	logger         *slog.Logger
	done           chan struct{}
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

type Options struct {
	MaxConnPerUser int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func NewManager(opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		clients:        make(map[string]*Client),
		userIndex:      make(map[string]map[string]bool),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		HandleMessage:  make(chan *ClientMessage),
		maxConnPerUser: opts.MaxConnPerUser,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
		maxMessageSize: opts.MaxMessageSize,
		logger:         logger.With(slog.String("component", "websocket")),
		done:           make(chan struct{}),
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

// Run processes registrations and inbound messages until ctx is done, then
// disconnects every remaining client.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case client := <-m.Register:
			m.registerClient(client)

		case client := <-m.Unregister:
			m.unregisterClient(client)

		case clientMsg := <-m.HandleMessage:
			m.processMessage(clientMsg)

		case <-ctx.Done():
			close(m.done)
			m.closeAll()
			return
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.userIndex[client.UserID] == nil {
		m.userIndex[client.UserID] = make(map[string]bool)
	}

	if m.maxConnPerUser > 0 && len(m.userIndex[client.UserID]) >= m.maxConnPerUser {
		m.logger.Warn("max connections reached", slog.String("user_id", client.UserID))
		if len(m.userIndex[client.UserID]) == 0 {
			delete(m.userIndex, client.UserID)
		}
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.userIndex[client.UserID][client.ID] = true
	metrics.WebSocketConnections.Inc()

	m.logger.Info("client registered",
		slog.String("client_id", client.ID),
		slog.String("user_id", client.UserID),
		slog.Bool("is_admin", client.IsAdmin),
	)
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		m.removeLocked(client)
		m.logger.Info("client unregistered", slog.String("client_id", client.ID))
	}
}

func (m *Manager) removeLocked(client *Client) {
	delete(m.clients, client.ID)
	delete(m.userIndex[client.UserID], client.ID)

	if len(m.userIndex[client.UserID]) == 0 {
		delete(m.userIndex, client.UserID)
	}

	close(client.Send)
	metrics.WebSocketConnections.Dec()
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for _, client := range m.clients {
		m.removeLocked(client)
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.logger.Debug("invalid client message", slog.String("error", err.Error()))
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, &msg); err != nil {
			m.logger.Warn("failed to handle client message",
				slog.String("client_id", clientMsg.Client.ID),
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// BroadcastToUser sends message to every connection of userID.
func (m *Manager) BroadcastToUser(userID string, message *Message) error {
	return m.broadcast(message, func(c *Client) bool { return c.UserID == userID }, userID)
}

// BroadcastToAdmins sends message to every connection opened by an admin.
func (m *Manager) BroadcastToAdmins(message *Message) error {
	return m.broadcast(message, func(c *Client) bool { return c.IsAdmin }, "")
}

func (m *Manager) broadcast(message *Message, match func(*Client) bool, userID string) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	var slow []*Client

	m.clientsMutex.RLock()
	if userID != "" {
		for clientID := range m.userIndex[userID] {
			if client := m.clients[clientID]; client != nil && match(client) {
				if !client.trySend(messageBytes) {
					slow = append(slow, client)
				}
			}
		}
	} else {
		for _, client := range m.clients {
			if match(client) && !client.trySend(messageBytes) {
				slow = append(slow, client)
			}
		}
	}
	m.clientsMutex.RUnlock()

	// Unregister outside the read lock; Run takes the write lock.
	for _, client := range slow {
		m.logger.Warn("client send buffer full, closing connection", slog.String("client_id", client.ID))
		go m.unregister(client)
	}

	return nil
}

// Connect registers client and starts its pumps. It returns false when the
// manager has already stopped.
func (m *Manager) Connect(client *Client) bool {
	select {
	case m.Register <- client:
	case <-m.done:
		client.Conn.Close()
		return false
	}

	go client.WritePump()
	go client.ReadPump()
	return true
}

// unregister hands client to Run, or gives up once Run has stopped.
func (m *Manager) unregister(client *Client) {
	select {
	case m.Unregister <- client:
	case <-m.done:
	}
}

func (m *Manager) SendToClient(client *Client, message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if _, ok := m.clients[client.ID]; !ok {
		return nil
	}
	if !client.trySend(messageBytes) {
		m.logger.Warn("client send buffer full", slog.String("client_id", client.ID))
	}
	return nil
}

func (m *Manager) GetUserConnections(userID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.userIndex[userID]; exists {
		return len(clients)
	}
	return 0
}

func (m *Manager) ConnectionCount() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}
