package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/surface"
)

// Client is one WebSocket connection. Each client owns a bounded event
// sink and one interactive surface shared by every session it drives.
type Client struct {
	ID          string
	IPAddress   string
	ConnectedAt time.Time
	RateLimiter *ClientRateLimiter

	conn    *websocket.Conn
	sink    *surface.ChannelSink
	surface *surface.Surface
	writeMu sync.Mutex

	mu            sync.Mutex
	state         ClientState
	authenticated bool
	challenge     string
	authAttempts  int
	lastActivity  time.Time
	sessions      map[string]bool
}

func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) track(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = true
	c.mu.Unlock()
}

func (c *Client) untrack(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// Sessions returns the ids this client created or resumed, sorted.
func (c *Client) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	info := ClientInfo{
		ID:            c.ID,
		State:         c.state.String(),
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		IPAddress:     c.IPAddress,
		Idle:          now.Sub(c.lastActivity) > 5*time.Minute,
	}
	c.mu.Unlock()
	info.Sessions = c.Sessions()
	info.Dropped = c.sink.Dropped()
	return info
}

// ClientRegistry manages connected clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	n := len(r.clients)
	r.mu.Unlock()
	observability.SetGatewayClients(n)
}

// Remove forgets a client. Removing an unknown id is a no-op.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	n := len(r.clients)
	r.mu.Unlock()
	observability.SetGatewayClients(n)
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, exists := r.clients[clientID]
	return client, exists
}

func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	all := r.GetAll()
	clients := all[:0]
	for _, client := range all {
		if client.Authenticated() {
			clients = append(clients, client)
		}
	}
	return clients
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GetConnectedClients returns client information sorted by connect time.
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	now := time.Now()
	clients := r.GetAll()
	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, client.info(now))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}
