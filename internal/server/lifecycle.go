package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig returns timeouts sized for the final scan stage,
// which may run for a while on large recorder databases.
func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

// ManagedServer owns one http.Server and its listener.
type ManagedServer struct {
	server   *http.Server
	logger   *zap.Logger
	name     string
	listener net.Listener
	errCh    chan error
}

func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	errLog, _ := zap.NewStdLogAt(cfg.Logger, zapcore.ErrorLevel)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.Handler,
		ErrorLog:          errLog,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return &ManagedServer{
		server: srv,
		logger: cfg.Logger,
		name:   name,
		errCh:  make(chan error, 1),
	}
}

// Start binds the listen address and serves in the background. Bind
// failures are returned directly.
func (m *ManagedServer) Start() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("%s failed to start: %w", m.name, err)
	}
	m.listener = ln
	m.logger.Info("listening", zap.String("server", m.name), zap.String("addr", ln.Addr().String()))

	go func() {
		err := m.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- fmt.Errorf("%s: %w", m.name, err)
		}
		close(m.errCh)
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (m *ManagedServer) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Err yields a serve error, if any, and is closed when serving stops.
func (m *ManagedServer) Err() <-chan error {
	return m.errCh
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (m *ManagedServer) Shutdown(ctx context.Context) error {
	if m.listener == nil {
		return nil
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.String("server", m.name), zap.Error(err))
		return err
	}
	return nil
}
