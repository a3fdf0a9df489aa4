package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// ReadinessFunc reports whether the service is ready to take traffic.
type ReadinessFunc func() bool

// BaseServer is the HTTP listener shared by the gateway's transports. It serves
// /healthz, /readyz and /metrics, and the intake handlers are mounted on Mux.
type BaseServer struct {
	logger     zerolog.Logger
	listenAddr string
	httpServer *http.Server
	mux        *http.ServeMux

	mu    sync.RWMutex
	bound string
}

// NewBaseServer registers the operational endpoints. A nil ready func always
// reports ready; a nil gatherer leaves /metrics unregistered.
func NewBaseServer(logger zerolog.Logger, listenAddr string, ready ReadinessFunc, gatherer prometheus.Gatherer) *BaseServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthzHandler)
	mux.HandleFunc("/readyz", ReadyzHandler(ready))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &BaseServer{
		logger:     logger.With().Str("component", "HTTPServer").Logger(),
		listenAddr: listenAddr,
		mux:        mux,
		httpServer: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start binds the listen address and serves in the background. A bind failure
// is returned; failures after that are only logged.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	s.mu.Lock()
	s.bound = listener.Addr().String()
	s.mu.Unlock()
	s.logger.Info().Str("address", listener.Addr().String()).Msg("Gateway HTTP listener bound.")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway HTTP listener exited.")
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits, until ctx expires, for
// in-flight requests to finish.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Gateway HTTP listener did not drain.")
		return err
	}
	s.logger.Info().Msg("Gateway HTTP listener closed.")
	return nil
}

// Port returns ":port" for the bound listener, which differs from the
// configured address when that used port 0. Before Start it returns the
// configured address.
func (s *BaseServer) Port() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.bound)
	if err != nil {
		return s.listenAddr
	}
	return ":" + port
}

func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler answers liveness checks.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ReadyzHandler responds 200 while ready reports true and 503 otherwise.
func ReadyzHandler(ready ReadinessFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}
