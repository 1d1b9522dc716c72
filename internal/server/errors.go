package server

import "errors"

var (
	// ErrDuplicateHandle is returned when registering a handle that is already present.
	ErrDuplicateHandle = errors.New("duplicate connection handle")
	// ErrUnknownHandle is returned for operations on a handle that is not registered.
	ErrUnknownHandle = errors.New("unknown connection handle")
	// ErrConnectionClosed is returned when delivering to a connection whose writer has stopped.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendQueueFull is returned when a connection's outbound queue has no room.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrServerRunning is returned by Start on a server that is already running.
	ErrServerRunning = errors.New("server already running")
	// ErrServerNotRunning is returned by Shutdown on a server that was never started.
	ErrServerNotRunning = errors.New("server not running")
	// ErrServerClosed is returned by Start after Shutdown.
	ErrServerClosed = errors.New("server closed")
	// ErrHandshakeTimeout is returned when a client does not send its user
	// identifier within the handshake timeout.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// errPollTimeout marks a read that ended on the poll deadline with no
	// complete record. Callers re-check for shutdown and read again.
	errPollTimeout = errors.New("poll timeout")
)
