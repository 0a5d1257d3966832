package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the Prometheus registry plus a liveness and build-info
// endpoint, separate from the main job-orchestration HTTP API.
type Server struct {
	server *http.Server
	port   string
}

// NewServer builds a metrics server listening on port (colon-prefixed
// automatically if omitted).
func NewServer(port string) *Server {
	if port == "" {
		port = ":9090"
	}
	if port[0] != ':' {
		port = ":" + port
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"service": "book-enrichment-orchestrator", "version": "1.0.0"}`))
	})

	return &Server{
		server: &http.Server{
			Addr:         port,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		port: port,
	}
}

// Start serves metrics in the background until Stop is called.
func (ms *Server) Start() error {
	log.Printf("Starting metrics server on port %s", ms.port)
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the metrics server down.
func (ms *Server) Stop(ctx context.Context) error {
	log.Println("Shutting down metrics server...")
	return ms.server.Shutdown(ctx)
}
