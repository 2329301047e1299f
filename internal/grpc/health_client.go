package grpc

import (
	"context"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthClient wraps the standard gRPC health service of the chat backend.
type HealthClient struct {
	client  healthpb.HealthClient
	service string
}

// NewHealthClient constructs the wrapper. An empty service checks the
// server as a whole.
func NewHealthClient(client healthpb.HealthClient, service string) *HealthClient {
	return &HealthClient{client: client, service: service}
}

// Check reports whether the backend answers SERVING.
func (h *HealthClient) Check(ctx context.Context) (bool, error) {
	resp, err := h.client.Check(ctx, &healthpb.HealthCheckRequest{Service: h.service})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
