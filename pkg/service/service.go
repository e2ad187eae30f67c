// Package service is the shared HTTP plumbing for every homeshift service:
// a named listener with gzip, a health endpoint and graceful shutdown, JSON
// request/response helpers, and the operator auth middleware.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/log"
)

// Server hosts one service's HTTP API. Several Servers run side by side in
// the daemon, each on its own port.
type Server struct {
	name       string
	listenAddr string
	handler    http.Handler
	httpServer *http.Server
}

// Configured returns a Server whose listen address comes from the
// "<name>-listen" flag. Call Handle before Run.
func Configured(name, defaultAddr string) *Server {
	s := &Server{name: name}
	listenAddr := lflag.String(name+"-listen", defaultAddr, "HTTP listen address for the "+name+" service")
	lflag.Do(func() {
		s.listenAddr = *listenAddr
	})
	return s
}

// New returns a Server with a fixed listen address. Used by tests and by
// callers that resolve addresses themselves.
func New(name, addr string) *Server {
	return &Server{name: name, listenAddr: addr}
}

// Name returns the service name.
func (s *Server) Name() string {
	return s.name
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.listenAddr
}

// Handle sets the handler served under /. The harness layers /healthz, gzip,
// and the Server header on top of it.
func (s *Server) Handle(h http.Handler) {
	s.handler = h
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	if s.handler != nil {
		mux.Handle("/", s.handler)
	}
	mux.HandleFunc("/healthz", handleHealthz)
	return s.nameMiddleware(gziphandler.GzipHandler(mux))
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) nameMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.name != "" {
			w.Header().Set("Server", s.name)
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capture server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server",
			slog.String("service", s.name),
			slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server", slog.String("service", s.name))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", s.name, err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("%s server error: %w", s.name, err)
	}
}

// URL builds the base URL peers should use to reach a service listening on
// listenAddr. A listen address without a host gets the advertise host.
func URL(advertiseHost, listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://" + listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = advertiseHost
	}
	return "http://" + net.JoinHostPort(host, port)
}
