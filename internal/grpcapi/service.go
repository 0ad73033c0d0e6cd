package grpcapi

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/browserkernel/kernel/internal/audit"
	"github.com/browserkernel/kernel/internal/capability"
)

// ServiceName is the fully qualified gRPC service name registered on
// the server, analogous to a .proto package.service path.
const ServiceName = "kernel.capability.v1.CapabilityService"

// RequireRequest mirrors the fields mediation.API's capability checks
// carry: a principal, the operation and resource being attempted, the
// risk tier the call site declares, and its provenance.
type RequireRequest struct {
	Principal  string `json:"principal"`
	Op         string `json:"op"`
	Resource   string `json:"resource"`
	Risk       string `json:"risk"`
	Provenance string `json:"provenance"`
	URL        string `json:"url,omitempty"`
}

// RequireResponse reports the outcome. Allowed mirrors require()'s
// success path; Reason carries the deny reason on failure, never both.
type RequireResponse struct {
	Allowed  bool   `json:"allowed"`
	RiskTier string `json:"risk_tier,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CapabilityServer evaluates capability requests against the kernel's
// own Broker. Unlike iam-service's GRPCAuthzHandler, which calls out to
// a database on every request, there is no network hop here: the
// kernel is the authority it would otherwise be a client of.
type CapabilityServer struct {
	broker *capability.Broker
	logger *zap.Logger
}

// NewCapabilityServer constructs a CapabilityServer over broker.
func NewCapabilityServer(broker *capability.Broker, logger *zap.Logger) *CapabilityServer {
	return &CapabilityServer{broker: broker, logger: logger}
}

// Require evaluates req and returns the allow/deny outcome. It never
// returns a transport-level error for a denial — a denial is a valid
// response, not a failure — and fails closed (Allowed: false) if the
// request is missing identity fields.
func (s *CapabilityServer) Require(ctx context.Context, req *RequireRequest) (*RequireResponse, error) {
	if req.Principal == "" || req.Op == "" || req.Resource == "" {
		return &RequireResponse{Allowed: false, Reason: "missing principal, op, or resource"}, nil
	}

	provenance := audit.Provenance(req.Provenance)
	if provenance == "" {
		provenance = audit.ProvenanceAgent
	}

	risk, err := s.broker.Require(ctx, req.Principal, req.Op, req.Resource, capability.RiskTier(req.Risk), provenance, capability.CallContext{URL: req.URL})
	if err != nil {
		var denied *capability.CapabilityDenied
		if errors.As(err, &denied) {
			return &RequireResponse{Allowed: false, Reason: string(denied.Reason)}, nil
		}
		s.logger.Error("capability require failed", zap.Error(err))
		return nil, err
	}

	return &RequireResponse{Allowed: true, RiskTier: string(risk)}, nil
}

func requireHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(RequireRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	server := srv.(*CapabilityServer)
	if interceptor == nil {
		return server.Require(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     server,
		FullMethod: "/" + ServiceName + "/Require",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return server.Require(ctx, req.(*RequireRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc is the hand-written analogue of a protoc-generated
// _grpc.pb.go ServiceDesc: one unary method, served over the JSON
// codec registered in codec.go rather than protobuf's binary format.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CapabilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Require",
			Handler:    requireHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/grpcapi/service.go",
}

// Register mounts the capability service onto s.
func Register(s *grpc.Server, server *CapabilityServer) {
	s.RegisterService(&ServiceDesc, server)
}
