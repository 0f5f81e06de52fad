package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Disabled reports whether addr turns the metrics listener off.
func Disabled(addr string) bool {
	switch strings.ToLower(strings.TrimSpace(addr)) {
	case "", "off", "disabled", "false":
		return true
	default:
		return false
	}
}

// Server serves /metrics and /healthz beside the API or the worker.
type Server struct {
	Addr string
	// Gatherer defaults to the registry the promauto vectors live in.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	listener net.Listener
}

// Handler returns the routes the listener serves.
func (s *Server) Handler() http.Handler {
	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(s.logger().Handler(), slog.LevelError),
	}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Start binds Addr and serves until ctx is done. Bind errors are returned
// directly; errors after that arrive on the channel. A disabled address
// returns a nil channel, which blocks forever in a select.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	if Disabled(s.Addr) {
		return nil, nil
	}
	ln, err := net.Listen("tcp", strings.TrimSpace(s.Addr))
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", s.Addr, err)
	}
	s.listener = ln

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger().Info("metrics listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return errCh, nil
}

// ListenAddr is the bound address once Start succeeded.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
