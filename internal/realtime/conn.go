package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/iliyamo/live-tours/internal/metrics"
	"github.com/iliyamo/live-tours/internal/model"
)

// Conn is one client connection.  The transport reads inbound frames and
// hands them to Coordinator.Handle, and drains Send until Done closes.
type Conn struct {
	id       string
	identity model.Identity
	send     chan Outbound
	done     chan struct{}
	once     sync.Once

	mu   sync.Mutex
	room string
}

// NewConn returns a connection for identity with an outbound buffer of
// size buffer.
func NewConn(identity model.Identity, buffer int) *Conn {
	if buffer < 1 {
		buffer = 1
	}
	return &Conn{
		id:       uuid.New().String(),
		identity: identity,
		send:     make(chan Outbound, buffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string               { return c.id }
func (c *Conn) Identity() model.Identity { return c.identity }
func (c *Conn) Send() <-chan Outbound    { return c.send }
func (c *Conn) Done() <-chan struct{}    { return c.done }

// Room returns the booking the connection is joined to, if any.
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) setRoom(bookingID string) {
	c.mu.Lock()
	c.room = bookingID
	c.mu.Unlock()
}

// clearRoom forgets bookingID if it is still the current room.
func (c *Conn) clearRoom(bookingID string) {
	c.mu.Lock()
	if c.room == bookingID {
		c.room = ""
	}
	c.mu.Unlock()
}

// Close marks the connection finished.  It is safe to call repeatedly.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue never blocks: a slow reader loses events rather than stalling
// the room.
func (c *Conn) enqueue(ev Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		metrics.DroppedEvents.Inc()
		return false
	}
}
