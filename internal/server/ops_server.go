package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/metrics"
)

// BootstrapProgress is a point-in-time snapshot of the node's bootstrap
// session, served on the ops port.
type BootstrapProgress struct {
	Bootstrapping bool                `json:"bootstrapping"`
	Token         string              `json:"token,omitempty"`
	Incoming      map[string][]string `json:"incoming,omitempty"` // source -> outstanding files
	Outgoing      map[string][]string `json:"outgoing,omitempty"` // target -> outstanding files
}

// ProgressReporter supplies the current bootstrap progress
type ProgressReporter interface {
	Progress() BootstrapProgress
}

// OpsServer serves Prometheus metrics, health, and bootstrap progress over
// HTTP
type OpsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// OpsServerConfig holds configuration for the ops server
type OpsServerConfig struct {
	Port        int
	MetricsPath string
}

// NewOpsServer creates the ops HTTP server
func NewOpsServer(cfg *OpsServerConfig, m *metrics.Metrics, reporter ProgressReporter, logger *zap.Logger) *OpsServer {
	router := mux.NewRouter()

	s := &OpsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router.Handle(metricsPath, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		s.bootstrapHandler(w, r, reporter)
	}).Methods(http.MethodGet)

	return s
}

// Start starts the ops server
func (s *OpsServer) Start() {
	s.logger.Info("Starting ops server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Ops server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the ops server
func (s *OpsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles health check requests
func (s *OpsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// bootstrapHandler reports bootstrap progress
func (s *OpsServer) bootstrapHandler(w http.ResponseWriter, r *http.Request, reporter ProgressReporter) {
	w.Header().Set("Content-Type", "application/json")
	if reporter == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"bootstrapping":false}`)
		return
	}
	if err := json.NewEncoder(w).Encode(reporter.Progress()); err != nil {
		s.logger.Error("Failed to encode bootstrap progress", zap.Error(err))
	}
}
