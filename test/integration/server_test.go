// Package integration contains end-to-end tests that run a real relaychat
// server on loopback ports and talk to it over TCP, WebSocket and HTTP.
package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/test/testhelpers"
)

// TestHealthEndpointIntegration checks the plain-text health probe on both
// of its paths and the 404 for anything else.
func TestHealthEndpointIntegration(t *testing.T) {
	s := testhelpers.StartServer(t, nil)
	testhelpers.DialClient(t, s, "alice")
	testhelpers.WaitForClients(t, s, 1)

	for _, path := range []string{"/", "/health"} {
		t.Run(path, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, http.MethodGet, testhelpers.HTTPURL(s)+path)
			testhelpers.AssertStatusCode(t, resp, http.StatusOK)
			testhelpers.AssertContentType(t, resp, "text/plain")

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "relaychat server is running! clients=1", string(body))
		})
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, testhelpers.HTTPURL(s)+"/nope")
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

// TestStatsEndpointIntegration checks the JSON report against live clients.
func TestStatsEndpointIntegration(t *testing.T) {
	s := testhelpers.StartServer(t, nil)
	testhelpers.DialClient(t, s, "alice")
	testhelpers.WaitForClients(t, s, 1)
	testhelpers.DialClient(t, s, "bob")
	testhelpers.WaitForClients(t, s, 2)

	resp := testhelpers.MakeRequest(t, http.MethodGet, testhelpers.HTTPURL(s)+"/stats")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "application/json")

	var stats server.StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Metrics.ActiveClients)
	assert.Len(t, stats.Rotation, 2)
	require.Len(t, stats.Clients, 2)
	assert.Equal(t, "alice", stats.Clients[0].User)
	assert.Equal(t, "bob", stats.Clients[1].User)

	post := testhelpers.MakeRequest(t, http.MethodPost, testhelpers.HTTPURL(s)+"/stats")
	testhelpers.AssertStatusCode(t, post, http.StatusMethodNotAllowed)
}

// TestMetricsEndpointIntegration checks that chat traffic shows up in the
// Prometheus exposition.
func TestMetricsEndpointIntegration(t *testing.T) {
	s := testhelpers.StartServer(t, nil)
	alice := testhelpers.DialClient(t, s, "alice")
	testhelpers.WaitForClients(t, s, 1)
	require.NoError(t, alice.SendText("counted"))

	require.Eventually(t, func() bool {
		return s.Stats().Metrics.MessagesReceived == 1
	}, testTimeout, pollStep)

	resp := testhelpers.MakeRequest(t, http.MethodGet, testhelpers.HTTPURL(s)+"/metrics")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "relaychat_messages_received_total 1")
	assert.Contains(t, text, "relaychat_active_clients 1")
	assert.True(t, strings.Contains(text, "go_goroutines"), "go collector missing")
}

// TestHTTPDisabled checks that an empty HTTP address leaves only the chat
// listener running.
func TestHTTPDisabled(t *testing.T) {
	s := testhelpers.StartServer(t, func(cfg *config.Config) { cfg.HTTPAddr = "" })
	assert.Nil(t, s.HTTPAddr())

	alice := testhelpers.DialClient(t, s, "alice")
	testhelpers.WaitForClients(t, s, 1)
	require.NoError(t, alice.RequestStatus())
	report := testhelpers.Receive(t, alice, testTimeout)
	assert.Regexp(t, `Active Clients:\s+1\n`, report.Payload)
}
