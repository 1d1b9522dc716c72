package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Connection is one registered client. Its mutable fields (lastActive,
// active) are owned by the Registry and only touched under its lock.
type Connection struct {
	handle    string
	user      string
	joinedAt  time.Time
	transport Transport

	lastActive time.Time
	active     bool

	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	logger   zerolog.Logger
}

// ConnectionInfo is a read-only view of a registered connection.
type ConnectionInfo struct {
	Handle     string    `json:"handle"`
	User       string    `json:"user"`
	JoinedAt   time.Time `json:"joined_at"`
	LastActive time.Time `json:"last_active"`
	Active     bool      `json:"active"`
}

// NewConnection creates a connection and starts its writer. queueSize bounds
// the records waiting to be written.
func NewConnection(handle, user string, t Transport, queueSize int, now time.Time, logger zerolog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Connection{
		handle:     handle,
		user:       user,
		joinedAt:   now,
		lastActive: now,
		active:     true,
		transport:  t,
		send:       make(chan []byte, queueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger: logger.With().
			Str("handle", handle).
			Str("user", user).
			Str("remote", t.RemoteAddr()).
			Logger(),
	}
	go c.writePump()
	return c
}

// Handle returns the registry key.
func (c *Connection) Handle() string { return c.handle }

// User returns the user identifier from the handshake.
func (c *Connection) User() string { return c.user }

// deliver queues a record without blocking.
func (c *Connection) deliver(record []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- record:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *Connection) writePump() {
	defer close(c.done)

	for {
		select {
		case record := <-c.send:
			if !c.write(record) {
				return
			}
		case <-c.stop:
			c.flush()
			return
		}
	}
}

// flush writes whatever is already queued, stopping at the first failure.
func (c *Connection) flush() {
	n := len(c.send)
	for i := 0; i < n; i++ {
		if !c.write(<-c.send) {
			return
		}
	}
}

// write sends one record and closes the transport on failure, which ends
// the session reading from it.
func (c *Connection) write(record []byte) bool {
	if err := c.transport.WriteRecord(record); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("write failed, closing connection")
		}
		c.abort()
		return false
	}
	return true
}

// abort closes the transport without waiting for the writer.
func (c *Connection) abort() {
	if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error closing transport")
	}
}

// Close stops the writer after it flushes queued records, then closes the
// transport. Safe to call more than once.
func (c *Connection) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	c.abort()
}

func (c *Connection) info() ConnectionInfo {
	return ConnectionInfo{
		Handle:     c.handle,
		User:       c.user,
		JoinedAt:   c.joinedAt,
		LastActive: c.lastActive,
		Active:     c.active,
	}
}
