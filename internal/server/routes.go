package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes configures and returns an HTTP ServeMux with the ops endpoints and
// the WebSocket transport.
func (s *Server) Routes() *http.ServeMux {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		s.metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/stats", s.StatsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.WebSocketHandler)
	return mux
}
