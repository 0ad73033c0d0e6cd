package grpcapi

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// NewClientConn dials addr with the same OTel stats handler
// apisix-go-runner's authz plugin uses for its IAM client, and selects
// the JSON content-subtype so requests land on CapabilityServer's
// hand-written ServiceDesc instead of expecting a protobuf codec.
func NewClientConn(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
}

// CapabilityClient is a typed wrapper over conn for calling Require
// without hand-rolling the method path on every call site.
type CapabilityClient struct {
	conn *grpc.ClientConn
}

// NewCapabilityClient wraps conn.
func NewCapabilityClient(conn *grpc.ClientConn) *CapabilityClient {
	return &CapabilityClient{conn: conn}
}

// Require invokes the CapabilityService/Require RPC.
func (c *CapabilityClient) Require(ctx context.Context, req *RequireRequest) (*RequireResponse, error) {
	resp := new(RequireResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Require", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
