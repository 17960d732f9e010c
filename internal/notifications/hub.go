package notifications

import (
	"context"
	"errors"
	"sync"

	"plaza/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

const (
	maxConnsPerUser = 12
	maxTotalConns   = 10000
)

var (
	ErrServerFull = errors.New("server connection limit reached")
	ErrUserFull   = errors.New("user connection limit reached")
)

// Hub maps user ids to their open notification sockets.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	totalConns int
	presence   *Presence
	log        *observability.WSLogger
	closeOnce  sync.Once
}

// NewHub creates a Hub. Presence is mirrored to Redis when a client is given.
func NewHub(redisClients ...*redis.Client) *Hub {
	var rdb *redis.Client
	if len(redisClients) > 0 {
		rdb = redisClients[0]
	}
	h := &Hub{
		conns:    make(map[string]map[*Client]struct{}),
		presence: NewPresence(rdb, PresenceOptions{}),
	}
	h.log = observability.NewWSLogger(h.Name())
	return h
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "notification hub" }

// Register adds a connection for userID.
func (h *Hub) Register(userID string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	if h.totalConns >= maxTotalConns {
		h.mu.Unlock()
		return nil, ErrServerFull
	}
	m, ok := h.conns[userID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[userID] = m
	}
	if len(m) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, ErrUserFull
	}

	client := newClient(h, conn, userID)
	client.onActivity = func(uid string) {
		h.presence.Touch(context.Background(), uid)
	}
	m[client] = struct{}{}
	h.totalConns++
	h.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	h.presence.Connect(context.Background(), userID)
	h.log.LogConnect(context.Background(), userID)
	return client, nil
}

// UnregisterClient removes client. Calling it twice is harmless.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	removed := false
	if m, ok := h.conns[client.UserID]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			h.totalConns--
			removed = true
		}
		if len(m) == 0 {
			delete(h.conns, client.UserID)
		}
	}
	h.mu.Unlock()

	if removed {
		observability.WebSocketConnectionsTotal.Dec()
		h.presence.Disconnect(context.Background(), client.UserID)
		h.log.LogDisconnect(context.Background(), client.UserID, "closed")
	}
}

// SetPresenceCallbacks sets the functions called when a user comes online or goes offline.
func (h *Hub) SetPresenceCallbacks(onOnline, onOffline func(userID string)) {
	h.presence.SetCallbacks(onOnline, onOffline)
}

// Broadcast sends message to every connection of userID.
func (h *Hub) Broadcast(userID string, message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data := []byte(message)
	for c := range h.conns[userID] {
		_ = c.TrySend(data)
	}
}

// PublishUser delivers payload to userID's sockets on this instance only.
// It stands in for the Notifier when Redis is unavailable.
func (h *Hub) PublishUser(_ context.Context, userID string, payload string) error {
	h.Broadcast(userID, payload)
	return nil
}

// BroadcastAll sends message to every connected client.
func (h *Hub) BroadcastAll(message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data := []byte(message)
	for _, clients := range h.conns {
		for c := range clients {
			_ = c.TrySend(data)
		}
	}
}

// IsOnline reports whether userID has a live connection on any instance.
func (h *Hub) IsOnline(userID string) bool {
	return h.presence.IsOnline(context.Background(), userID)
}

// ConnectionCount returns the number of sockets open on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConns
}

// StartWiring subscribes to the notifier's channels and forwards each
// message to the matching local connections.
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartPatternSubscriber(ctx, h.dispatch)
}

func (h *Hub) dispatch(channel, payload string) {
	if channel == broadcastChannel {
		h.BroadcastAll(payload)
		return
	}
	userID, ok := userFromChannel(channel)
	if !ok {
		h.log.LogError(context.Background(), "", errors.New("invalid notification channel "+channel), "dispatch")
		return
	}
	h.Broadcast(userID, payload)
}

// Shutdown closes every client; each write pump then sends a going-away frame.
func (h *Hub) Shutdown(_ context.Context) error {
	h.closeOnce.Do(func() {
		h.presence.Stop()

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, userConns := range h.conns {
			for client := range userConns {
				client.Close()
			}
		}
		h.conns = make(map[string]map[*Client]struct{})
		h.totalConns = 0
	})
	return nil
}
