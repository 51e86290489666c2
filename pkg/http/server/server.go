// Package httpserver runs an http.Server in the background.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultAddr              = ":8080"
	defaultShutdownTimeout   = 3 * time.Second
)

type Server struct {
	server          *http.Server
	errCh           chan error
	shutdownTimeout time.Duration
}

type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// New creates the server. Call Start to begin serving. There is no write
// timeout because the event stream stays open indefinitely.
func New(handler http.Handler, opt Options) *Server {
	addr := opt.Addr
	if addr == "" {
		addr = defaultAddr
	}

	shutdownTimeout := opt.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	// request contexts end on shutdown so open event streams return
	baseCtx, cancel := context.WithCancel(context.Background())

	server := &http.Server{
		Handler:           handler,
		Addr:              addr,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancel)

	return &Server{
		server:          server,
		errCh:           make(chan error, 1),
		shutdownTimeout: shutdownTimeout,
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly, serve errors arrive on Notify.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}

	s.server.Addr = ln.Addr().String()

	go func() {
		err := s.server.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}

		close(s.errCh)
	}()

	return nil
}

// Addr returns the bound address once Start returned.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Notify reports a failure of the serve loop.
func (s *Server) Notify() <-chan error {
	return s.errCh
}

// Shutdown stops the server, waiting up to the shutdown timeout for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	return nil
}
