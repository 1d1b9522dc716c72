// Package client is a TCP client for the relaychat wire protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// Client holds one chat connection. Send methods are safe for concurrent
// use; Receive must be called from a single goroutine.
type Client struct {
	conn   net.Conn
	user   string
	frames *protocol.FrameReader

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// Dial connects to addr and sends the handshake for user.
func Dial(ctx context.Context, addr, user string) (*Client, error) {
	hs, err := protocol.EncodeHandshake(user)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if _, err := conn.Write(hs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	return &Client{
		conn:   conn,
		user:   user,
		frames: protocol.NewFrameReader(conn, protocol.RecordSize),
		closed: make(chan struct{}),
	}, nil
}

// User returns the identifier sent in the handshake.
func (c *Client) User() string { return c.user }

// SendText sends a chat message.
func (c *Client) SendText(text string) error {
	return c.send(protocol.KindText, text)
}

// SendCacheTest sends a cache-test message, relayed like text.
func (c *Client) SendCacheTest(text string) error {
	return c.send(protocol.KindCacheTest, text)
}

// RequestStatus asks the server for a statistics report. The reply arrives
// through Receive as a text message from protocol.ServerSender.
func (c *Client) RequestStatus() error {
	return c.send(protocol.KindStatus, "")
}

func (c *Client) send(kind protocol.Kind, payload string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	rec, err := protocol.New(kind, c.user, payload, time.Now()).Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(rec); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// Receive blocks until the next record arrives, the context ends, or the
// connection fails. A context deadline does not lose a partially read record.
func (c *Client) Receive(ctx context.Context) (protocol.Message, error) {
	deadline, hasDeadline := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Message{}, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := c.frames.ReadFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Message{}, ctxErr
		}
		if hasDeadline && errors.Is(err, os.ErrDeadlineExceeded) {
			return protocol.Message{}, context.DeadlineExceeded
		}
		return protocol.Message{}, err
	}
	return protocol.Decode(frame)
}

// Close shuts the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
