package reconcile

import (
	"sort"
	"sync"
)

type ConnState string

const (
	Disconnected ConnState = "disconnected"
	Connected    ConnState = "connected"
	Reconnecting ConnState = "reconnecting"
)

// Connection tracks the socket state shown to the user and the rooms that
// must be rejoined once the gateway has accepted a new handshake.
type Connection struct {
	mu    sync.Mutex
	state ConnState
	rooms map[string]struct{}
}

func NewConnection() *Connection {
	return &Connection{state: Disconnected, rooms: make(map[string]struct{})}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Joined records a room the client is in.
func (c *Connection) Joined(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[chatID] = struct{}{}
}

func (c *Connection) Left(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, chatID)
}

// Lost switches to reconnecting. The room set is kept.
func (c *Connection) Lost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connected {
		c.state = Reconnecting
	}
}

// Established marks the socket authenticated and returns the rooms to rejoin, sorted.
func (c *Connection) Established() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Connected
	return c.roomsLocked()
}

// Closed is an intentional shutdown; nothing is rejoined afterwards.
func (c *Connection) Closed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Disconnected
	c.rooms = make(map[string]struct{})
}

func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomsLocked()
}

func (c *Connection) roomsLocked() []string {
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
