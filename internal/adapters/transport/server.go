package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/helpers/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes the conductor RPC service to peers.
type Server struct {
	handler Handler
	cfg     domain.TransportConfig
	logger  *slog.Logger

	mu       sync.Mutex
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
}

func NewServer(handler Handler, cfg domain.TransportConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "transport", "adapter", "grpc"),
	}
}

// Start listens on bindAddr and serves in the background.
func (s *Server) Start(ctx context.Context, bindAddr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	listener, port, err := netutil.Listen(bindAddr)
	if err != nil {
		return err
	}
	s.logger.Info("starting conductor RPC server", "address", listener.Addr().String(), "port", port)
	return s.Serve(listener)
}

// Serve serves on an existing listener in the background.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return domain.NewInvalidParameterError("conductor RPC server already started")
	}

	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(unaryLoggingInterceptor(s.logger))}
	if s.cfg.MaxMessageSizeMB > 0 {
		size := s.cfg.MaxMessageSizeMB * 1024 * 1024
		opts = append(opts, grpc.MaxRecvMsgSize(size), grpc.MaxSendMsgSize(size))
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&serviceDesc, s.handler)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	s.listener = listener
	server := s.server
	go func() {
		if err := server.Serve(listener); err != nil {
			s.logger.Error("conductor RPC server stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return
	}
	s.logger.Info("stopping conductor RPC server")
	s.health.Shutdown()
	s.server.GracefulStop()
	s.server = nil
	s.listener = nil
}
