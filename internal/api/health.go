package api

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/zde37/simpledht/pkg"
)

// NodeService is the health service name reported alongside the overall status.
const NodeService = "simpledht.Node"

// HealthServer serves grpc.health.v1 so orchestrators can check the node.
// It reports NOT_SERVING until MarkServing is called.
type HealthServer struct {
	address  string
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *pkg.Logger
}

// NewHealthServer creates a health server for address.
func NewHealthServer(address string, logger *pkg.Logger) (*HealthServer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(NodeService, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	return &HealthServer{
		address: address,
		server:  server,
		health:  hs,
		logger:  logger.WithFields(pkg.Fields{"component": "grpc_health"}),
	}, nil
}

// Start starts serving in the background.
func (h *HealthServer) Start() error {
	listener, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = listener

	h.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC health server")

	go func() {
		if err := h.server.Serve(listener); err != nil {
			h.logger.Error().Err(err).Msg("gRPC health server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (h *HealthServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// MarkServing flips both the overall and the node status.
func (h *HealthServer) MarkServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(NodeService, status)
	h.logger.Info().Stringer("status", status).Msg("Health status changed")
}

// Stop gracefully stops the gRPC server.
func (h *HealthServer) Stop() {
	h.logger.Info().Msg("Stopping gRPC health server")
	h.health.Shutdown()
	h.server.GracefulStop()
}
