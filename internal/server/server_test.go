package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

func startTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.PollInterval = 50 * time.Millisecond
	cfg.AllowedOrigins = []string{"http://allowed.example"}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(2 * time.Second) })
	return s
}

func dialTCP(t *testing.T, s *Server, user string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hs, err := protocol.EncodeHandshake(user)
	require.NoError(t, err)
	_, err = conn.Write(hs)
	require.NoError(t, err)
	return conn
}

func sendRecord(t *testing.T, conn net.Conn, kind protocol.Kind, payload string) {
	t.Helper()
	rec, err := protocol.New(kind, "ignored", payload, time.Now()).Encode()
	require.NoError(t, err)
	_, err = conn.Write(rec)
	require.NoError(t, err)
}

func readRecord(conn net.Conn, timeout time.Duration) (protocol.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Message{}, err
	}
	buf := make([]byte, protocol.RecordSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(buf)
}

// readUntil reads records until match accepts one, skipping the rest.
func readUntil(t *testing.T, conn net.Conn, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := readRecord(conn, time.Until(deadline))
		require.NoError(t, err)
		if match(msg) {
			return msg
		}
	}
	t.Fatal("no matching record before deadline")
	return protocol.Message{}
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.registry.Count() == n }, 3*time.Second, 10*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	for _, mutate := range []func(*config.Config){
		func(c *config.Config) { c.WorkerPoolSize = 0 },
		func(c *config.Config) { c.CacheCapacity = 0 },
	} {
		cfg := config.Default()
		mutate(cfg)
		s, err := New(cfg, zerolog.Nop())
		assert.Nil(t, s)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	}
}

func TestLifecycleErrors(t *testing.T) {
	cfg := config.Default()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = ""

	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Nil(t, s.HTTPAddr())

	assert.ErrorIs(t, s.Start(), ErrServerRunning)
	require.NoError(t, s.Shutdown(time.Second))
	assert.ErrorIs(t, s.Shutdown(time.Second), ErrServerNotRunning)
	assert.ErrorIs(t, s.Start(), ErrServerClosed)
}

func TestShutdownBeforeStart(t *testing.T) {
	s, err := New(config.Default(), zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Shutdown(time.Second), ErrServerNotRunning)
}

func TestAliceAndBob(t *testing.T) {
	s := startTestServer(t, nil)

	alice := dialTCP(t, s, "Alice")
	waitForClients(t, s, 1)
	bob := dialTCP(t, s, "Bob")
	waitForClients(t, s, 2)

	join := readUntil(t, alice, func(m protocol.Message) bool { return m.Kind == protocol.KindJoin })
	assert.Equal(t, "Bob", join.Sender)
	assert.Equal(t, "Bob has joined the chat", join.Payload)

	sendRecord(t, alice, protocol.KindText, "hi")

	got := readUntil(t, bob, func(m protocol.Message) bool { return m.Kind == protocol.KindText })
	assert.Equal(t, "Alice", got.Sender, "sender is the registered user")
	assert.Equal(t, "hi", got.Payload)

	// alice's session probes her previous three seconds after relaying
	require.Eventually(t, func() bool { return s.cache.Misses() == 3 }, time.Second, 5*time.Millisecond)
	sendRecord(t, bob, protocol.KindStatus, "")

	report := readUntil(t, bob, func(m protocol.Message) bool { return m.Sender == protocol.ServerSender })
	assert.Equal(t, protocol.KindText, report.Kind)
	assert.Contains(t, report.Payload, "Active Clients:    2")
	assert.Contains(t, report.Payload, "Cache Size:        1/10")
	assert.Contains(t, report.Payload, "Cache Hits:        0")
	assert.Contains(t, report.Payload, "Cache Misses:      3")
	assert.Contains(t, report.Payload, "Messages Received: 2")

	// the status reply is unicast
	_, err := readRecord(alice, 200*time.Millisecond)
	assert.True(t, isTimeout(err), "alice should receive nothing, got %v", err)
}

func TestLeaveAnnouncedToPeers(t *testing.T) {
	s := startTestServer(t, nil)

	alice := dialTCP(t, s, "Alice")
	waitForClients(t, s, 1)
	bob := dialTCP(t, s, "Bob")
	waitForClients(t, s, 2)

	require.NoError(t, bob.Close())

	leave := readUntil(t, alice, func(m protocol.Message) bool { return m.Kind == protocol.KindLeave })
	assert.Equal(t, "Bob", leave.Sender)
	assert.Equal(t, "Bob has left the chat", leave.Payload)
	waitForClients(t, s, 1)
	assert.Len(t, s.rotation.Order(), 1)
}

func TestInvalidHandshakeDisconnects(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) { c.MaxUsernameLen = 5 })

	for _, user := range []string{"", "toolongname"} {
		conn, err := net.Dial("tcp", s.TCPAddr().String())
		require.NoError(t, err)

		hs := make([]byte, protocol.SenderWidth)
		copy(hs, user)
		_, err = conn.Write(hs)
		require.NoError(t, err)

		_, err = readRecord(conn, 2*time.Second)
		assert.ErrorIs(t, err, io.EOF, "user %q", user)
		_ = conn.Close()
	}
	assert.Zero(t, s.registry.Count())
}

func TestRecordSplitAcrossPollTimeouts(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) { c.PollInterval = 20 * time.Millisecond })

	alice := dialTCP(t, s, "Alice")
	waitForClients(t, s, 1)
	bob := dialTCP(t, s, "Bob")
	waitForClients(t, s, 2)

	rec, err := protocol.New(protocol.KindText, "Alice", "slow", time.Now()).Encode()
	require.NoError(t, err)
	_, err = alice.Write(rec[:100])
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = alice.Write(rec[100:])
	require.NoError(t, err)

	got := readUntil(t, bob, func(m protocol.Message) bool { return m.Kind == protocol.KindText })
	assert.Equal(t, "slow", got.Payload)
}

func TestHandshakeTimeoutFreesWorker(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) {
		c.WorkerPoolSize = 1
		c.HandshakeTimeout = 200 * time.Millisecond
	})

	// an unpadded identifier never completes the fixed-width handshake
	mallory, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	defer mallory.Close()
	_, err = mallory.Write([]byte("Mallory"))
	require.NoError(t, err)

	dialTCP(t, s, "Alice")
	waitForClients(t, s, 1)
	assert.Equal(t, "Alice", s.registry.Connections()[0].User)

	_, err = readRecord(mallory, 2*time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWebSocketHandshakeTimeout(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) { c.HandshakeTimeout = 200 * time.Millisecond })

	ws, _, err := dialWS(t, s, "")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "expected the server to close, got %v", err)
	assert.Zero(t, s.registry.Count())
}

func TestMisalignedStreamDisconnects(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) { c.MaxMalformedFrames = 3 })

	bob := dialTCP(t, s, "Bob")
	waitForClients(t, s, 1)
	alice := dialTCP(t, s, "Alice")
	waitForClients(t, s, 2)

	// the low timestamp bytes are zero, so every shifted frame starts with
	// an invalid kind
	rec, err := protocol.New(protocol.KindText, "Alice", "lost", time.Unix(1<<20, 0)).Encode()
	require.NoError(t, err)
	_, err = alice.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = alice.Write(rec)
		require.NoError(t, err)
	}

	waitForClients(t, s, 1)
	left := readUntil(t, bob, func(m protocol.Message) bool {
		require.NotEqual(t, protocol.KindText, m.Kind, "misaligned record was relayed")
		return m.Kind == protocol.KindLeave
	})
	assert.Equal(t, "Alice", left.Sender)
	assert.Zero(t, s.metrics.Snapshot().MessagesReceived)
}

func TestRateLimitDropsExcessText(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) {
		c.RateLimit.Burst = 2
		c.RateLimit.RefillInterval = time.Hour
	})

	alice := dialTCP(t, s, "Alice")
	waitForClients(t, s, 1)
	bob := dialTCP(t, s, "Bob")
	waitForClients(t, s, 2)

	for i := 0; i < 5; i++ {
		sendRecord(t, alice, protocol.KindText, "m")
	}
	sendRecord(t, alice, protocol.KindStatus, "")
	readUntil(t, alice, func(m protocol.Message) bool { return m.Sender == protocol.ServerSender })

	texts := 0
	for {
		msg, err := readRecord(bob, 200*time.Millisecond)
		if err != nil {
			break
		}
		if msg.Kind == protocol.KindText {
			texts++
		}
	}
	assert.Equal(t, 2, texts)
}

func TestIgnoredKindsAreNotRelayed(t *testing.T) {
	s := startTestServer(t, nil)

	alice := dialTCP(t, s, "Alice")
	waitForClients(t, s, 1)
	bob := dialTCP(t, s, "Bob")
	waitForClients(t, s, 2)

	sendRecord(t, alice, protocol.KindAudio, "pcm")
	sendRecord(t, alice, protocol.KindJoin, "spoof")
	sendRecord(t, alice, protocol.KindText, "after")

	got := readUntil(t, bob, func(m protocol.Message) bool { return m.Sender == "Alice" })
	assert.Equal(t, protocol.KindText, got.Kind)
	assert.Equal(t, "after", got.Payload)
}

func TestShutdownClosesClients(t *testing.T) {
	cfg := config.Default()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = ""
	cfg.PollInterval = 50 * time.Millisecond

	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start())

	conn := dialTCP(t, s, "Alice")
	waitForClients(t, s, 1)

	// still in handshake: never sends its identifier
	pending, err := net.Dial("tcp", s.TCPAddr().String())
	require.NoError(t, err)
	defer pending.Close()

	start := time.Now()
	require.NoError(t, s.Shutdown(2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)

	for _, c := range []net.Conn{conn, pending} {
		_, err := readRecord(c, time.Second)
		require.Error(t, err)
		assert.False(t, isTimeout(err), "connection should be closed, got %v", err)
	}
	assert.Zero(t, s.registry.Count())
}

func TestHTTPEndpoints(t *testing.T) {
	s := startTestServer(t, nil)
	dialTCP(t, s, "Alice")
	waitForClients(t, s, 1)

	base := "http://" + s.HTTPAddr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "clients=1")

	resp, err = http.Get(base + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(base + "/stats")
	require.NoError(t, err)
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.Metrics.ActiveClients)
	assert.Len(t, stats.Rotation, 1)
	require.Len(t, stats.Clients, 1)
	assert.Equal(t, "Alice", stats.Clients[0].User)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "relaychat_active_clients 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func dialWS(t *testing.T, s *Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws://"+s.HTTPAddr().String()+"/ws", header)
}

func TestWebSocketRelaysToTCP(t *testing.T) {
	s := startTestServer(t, nil)

	bob := dialTCP(t, s, "Bob")
	waitForClients(t, s, 1)

	ws, _, err := dialWS(t, s, "")
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("Carol")))
	waitForClients(t, s, 2)

	rec, err := protocol.New(protocol.KindText, "Carol", "from the browser", time.Now()).Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, rec))

	got := readUntil(t, bob, func(m protocol.Message) bool { return m.Kind == protocol.KindText })
	assert.Equal(t, "Carol", got.Sender)
	assert.Equal(t, "from the browser", got.Payload)

	sendRecord(t, bob, protocol.KindText, "back")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		if msg.Kind == protocol.KindText {
			assert.Equal(t, "Bob", msg.Sender)
			assert.Equal(t, "back", msg.Payload)
			break
		}
	}
}

func TestWebSocketMalformedFramesDisconnect(t *testing.T) {
	s := startTestServer(t, func(c *config.Config) { c.MaxMalformedFrames = 3 })

	ws, _, err := dialWS(t, s, "http://allowed.example")
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("Mallory")))
	waitForClients(t, s, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("short")))
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "expected the server to close, got %v", err)
	waitForClients(t, s, 0)
}

func TestWebSocketOriginRejected(t *testing.T) {
	s := startTestServer(t, nil)

	_, resp, err := dialWS(t, s, "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no header", []string{"http://a.example"}, "", true},
		{"listed", []string{"http://a.example"}, "http://A.example", true},
		{"unlisted", []string{"http://a.example"}, "http://b.example", false},
		{"wildcard", []string{"*"}, "http://b.example", true},
		{"invalid config entry ignored", []string{"not a url"}, "http://b.example", false},
		{"garbage header", []string{"http://a.example"}, "::", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.allowed, zerolog.Nop())
			r, err := http.NewRequest(http.MethodGet, "/ws", nil)
			require.NoError(t, err)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, p.check(r))
		})
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.True(t, isExpectedCloseError(io.EOF))
	assert.True(t, isExpectedCloseError(net.ErrClosed))
	assert.True(t, isExpectedCloseError(errors.New("write: broken pipe")))
	assert.False(t, isExpectedCloseError(errors.New("boom")))
}
