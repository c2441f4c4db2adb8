package web

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/flowdb/reaper/internal/health"
)

// Server exposes the health endpoint consumed by container orchestrators.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a Server reporting the given health state on addr.
func NewServer(addr string, state *health.State) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: Handler(state),
		},
	}
}

// Handler returns the health route handler: GET /health (or /) answers
// 200/OK while healthy and 503 with the last error text otherwise.
func Handler(state *health.State) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		healthy, lastErr := state.Healthy()
		w.Header().Set("Content-Type", "text/plain")
		if healthy {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "OK")
			return
		}
		if lastErr == "" {
			lastErr = "service is shutting down"
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "Service Unavailable: %s", lastErr)
	})
	return mux
}

// Start begins listening and serving HTTP requests.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	log.Printf("healthcheck server listening on %s", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
