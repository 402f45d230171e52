package router

import (
	"sync"
	"time"

	"github.com/embergate/gatewayd/internal/wire"
)

// outboxSize bounds each client's pending-send queue. Once a client falls
// behind this far, further envelopes for it are dropped (see Send); its
// connection is not closed.
const outboxSize = 256

// Client is the router's view of one live WebSocket connection.
type Client struct {
	ID              string
	DeviceID        string
	DeviceName      string
	IsLocal         bool
	AuthenticatedAt time.Time

	mu            sync.Mutex
	authenticated bool
	sessionSubs   map[string]bool
	ownedSessions map[string]bool
	serviceSubs   map[string]bool

	Outbox chan wire.Envelope
	once   sync.Once
}

// NewClient constructs an as-yet-unauthenticated client stub for a freshly
// accepted connection.
func NewClient(id string, isLocal bool) *Client {
	return &Client{
		ID:            id,
		IsLocal:       isLocal,
		sessionSubs:   make(map[string]bool),
		ownedSessions: make(map[string]bool),
		serviceSubs:   make(map[string]bool),
		Outbox:        make(chan wire.Envelope, outboxSize),
	}
}

// Send enqueues an envelope for delivery without blocking. If the outbox
// is full the envelope is dropped and false is returned; the fan-out loops
// log the drop and move on, and nothing disconnects the client.
func (c *Client) Send(env wire.Envelope) bool {
	select {
	case c.Outbox <- env:
		return true
	default:
		return false
	}
}

// Close closes the outbox exactly once, signalling the connection's
// writer goroutine to stop.
func (c *Client) Close() {
	c.once.Do(func() { close(c.Outbox) })
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) owns(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownedSessions[sessionID]
}

func (c *Client) subscribedToSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionSubs[sessionID]
}

func (c *Client) subscribedToService(serviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceSubs[serviceID]
}

func (c *Client) addOwnedAndSubscribed(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownedSessions[sessionID] = true
	c.sessionSubs[sessionID] = true
}

func (c *Client) subscribeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionSubs[sessionID] = true
}

func (c *Client) unsubscribeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessionSubs, sessionID)
}

func (c *Client) subscribeService(serviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serviceSubs[serviceID] = true
}

