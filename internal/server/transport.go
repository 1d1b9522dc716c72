package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// Transport moves whole frames for one client. ReadHandshake and ReadRecord
// may return errPollTimeout, in which case nothing was lost and the call can
// be repeated. ReadHandshake never blocks past deadline. Close must be safe to call more than once and from any
// goroutine; it unblocks pending reads and writes.
type Transport interface {
	ReadHandshake(deadline time.Time) ([]byte, error)
	ReadRecord() ([]byte, error)
	WriteRecord(record []byte) error
	Close() error
	RemoteAddr() string
}

// tcpTransport frames a raw stream socket. Reads are bounded by the poll
// interval so the session loop can observe shutdown between them.
type tcpTransport struct {
	conn         net.Conn
	handshake    *protocol.FrameReader
	records      *protocol.FrameReader
	pollInterval time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newTCPTransport(conn net.Conn, pollInterval, writeTimeout time.Duration) *tcpTransport {
	return &tcpTransport{
		conn:         conn,
		handshake:    protocol.NewFrameReader(conn, protocol.SenderWidth),
		records:      protocol.NewFrameReader(conn, protocol.RecordSize),
		pollInterval: pollInterval,
		writeTimeout: writeTimeout,
	}
}

func (t *tcpTransport) ReadHandshake(deadline time.Time) ([]byte, error) {
	return t.read(t.handshake, deadline)
}

func (t *tcpTransport) ReadRecord() ([]byte, error) {
	return t.read(t.records, time.Time{})
}

// read waits at most one poll interval, or until limit when that is sooner.
func (t *tcpTransport) read(fr *protocol.FrameReader, limit time.Time) ([]byte, error) {
	deadline := time.Now().Add(t.pollInterval)
	if !limit.IsZero() && limit.Before(deadline) {
		deadline = limit
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	frame, err := fr.ReadFrame()
	if err != nil {
		if isTimeout(err) {
			return nil, errPollTimeout
		}
		return nil, err
	}
	return frame, nil
}

func (t *tcpTransport) WriteRecord(record []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	_, err := t.conn.Write(record)
	return err
}

func (t *tcpTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// wsTransport treats every WebSocket message as one frame. The first message
// is the handshake. Reads block until a message arrives or Close is called.
type wsTransport struct {
	conn         *websocket.Conn
	addr         string
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn, addr string, writeTimeout time.Duration) *wsTransport {
	// room for a mis-sized record to be read and discarded; anything larger
	// fails the read and ends the session
	conn.SetReadLimit(2 * protocol.RecordSize)
	return &wsTransport{conn: conn, addr: addr, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadHandshake(deadline time.Time) ([]byte, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	data, err := t.read()
	if err != nil {
		if isTimeout(err) {
			return nil, ErrHandshakeTimeout
		}
		return nil, err
	}
	return data, t.conn.SetReadDeadline(time.Time{})
}

func (t *wsTransport) ReadRecord() ([]byte, error) {
	return t.read()
}

func (t *wsTransport) read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteRecord(record []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, record)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *wsTransport) RemoteAddr() string {
	return t.addr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
