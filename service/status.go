package service

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// statusServer exposes the engine state over HTTP: a JSON state document at
// /state and the Prometheus scrape endpoint at /metrics.
type statusServer struct {
	listener net.Listener
	server   *http.Server
	logger   zerolog.Logger
}

type statusDocument struct {
	Workers    int      `json:"workers"`
	QueueDepth int      `json:"queue_depth"`
	Subscribed []uint32 `json:"subscribed_channels"`
	Metrics    Metrics  `json:"metrics"`
}

func newStatusServer(listen string, svc *Service, logger zerolog.Logger) (*statusServer, error) {
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("status listener on %s: %w", listen, err)
	}
	s := &statusServer{
		listener: listener,
		logger:   logger.With().Str("component", "status").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		doc := statusDocument{
			Workers:    svc.WorkerCount(),
			QueueDepth: svc.QueueDepth(),
			Subscribed: svc.Subscribed(),
			Metrics:    svc.Metrics(),
		}
		if doc.Subscribed == nil {
			doc.Subscribed = []uint32{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			s.logger.Warn().Err(err).Msg("writing state document failed")
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status server failed")
		}
	}()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("status server listening")
	return s, nil
}

// addr returns the bound listen address, useful when listening on port 0.
func (s *statusServer) addr() string {
	return s.listener.Addr().String()
}

func (s *statusServer) close() {
	if err := s.server.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("closing status server failed")
	}
}
