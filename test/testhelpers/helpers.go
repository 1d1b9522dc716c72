// Package testhelpers provides common utilities for the relaychat end-to-end
// tests.
//
// It starts real servers on loopback ports, dials chat clients over TCP and
// WebSocket, and wraps the HTTP probes the integration tests share.
package testhelpers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/client"
	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/protocol"
	"github.com/Tyrowin/relaychat/internal/server"
)

// TestOrigin is the only browser origin StartServer allows.
const TestOrigin = "http://localhost:8081"

// StartServer starts a server on loopback ports with a short poll interval.
// mutate, when non-nil, adjusts the configuration before the server is
// built. The server is shut down when the test ends.
func StartServer(t *testing.T, mutate func(*config.Config)) *server.Server {
	t.Helper()

	cfg := config.Default()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.PollInterval = 50 * time.Millisecond
	cfg.AllowedOrigins = []string{TestOrigin}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := server.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(2 * time.Second) })
	return s
}

// DialClient connects user to the chat listener of s.
func DialClient(t *testing.T, s *server.Server, user string) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, s.TCPAddr().String(), user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// WaitForClients blocks until s has exactly n registered clients.
func WaitForClients(t *testing.T, s *server.Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Stats().Metrics.ActiveClients == n
	}, 2*time.Second, 10*time.Millisecond, "expected %d registered clients", n)
}

// Receive reads one message, failing the test if none arrives within timeout.
func Receive(t *testing.T, c *client.Client, timeout time.Duration) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	return msg
}

// ReceiveUntil reads messages until match accepts one and returns it.
func ReceiveUntil(t *testing.T, c *client.Client, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := Receive(t, c, time.Until(deadline))
		if match(msg) {
			return msg
		}
	}
	t.Fatalf("no matching message for %s", c.User())
	return protocol.Message{}
}

// ExpectNoMessage fails the test if c receives anything within timeout.
func ExpectNoMessage(t *testing.T, c *client.Client, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := c.Receive(ctx)
	if err == nil {
		t.Errorf("unexpected %s message from %s: %q", msg.Kind, msg.Sender, msg.Payload)
		return
	}
	require.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected receive error: %v", err)
}

// IsText matches chat text from sender.
func IsText(sender string) func(protocol.Message) bool {
	return func(m protocol.Message) bool {
		return m.Kind == protocol.KindText && m.Sender == sender
	}
}

// HTTPURL returns the base URL of the ops listener of s.
func HTTPURL(s *server.Server) string {
	return "http://" + s.HTTPAddr().String()
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// The body is closed when the test ends.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "Failed to create request")

	resp, err := client.Do(req)
	require.NoError(t, err, "Failed to make request")
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ConnectWebSocket opens a WebSocket to the /ws endpoint of s with the given
// Origin header, sending no Origin when origin is empty.
func ConnectWebSocket(s *server.Server, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial("ws://"+s.HTTPAddr().String()+"/ws", headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// JoinWebSocket connects over WebSocket and sends the handshake for user.
func JoinWebSocket(t *testing.T, s *server.Server, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(s, TestOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(user)))
	return conn
}

// SendRecord writes one encoded record as a binary WebSocket message.
func SendRecord(conn *websocket.Conn, kind protocol.Kind, sender, payload string) error {
	rec, err := protocol.New(kind, sender, payload, time.Now()).Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, rec)
}

// ReceiveRecord reads and decodes one WebSocket message within timeout.
func ReceiveRecord(conn *websocket.Conn, timeout time.Duration) (protocol.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Message{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(data)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
