package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/metrics"
)

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Metrics  metrics.Snapshot `json:"metrics"`
	Rotation []string         `json:"rotation"`
	Clients  []ConnectionInfo `json:"clients"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
