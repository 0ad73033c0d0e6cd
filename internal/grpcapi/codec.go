// Package grpcapi exposes the kernel's capability-evaluation RPC over
// gRPC for in-process callers that prefer a typed client connection
// over the HTTP admin surface (internal/httpapi) — modeled on
// iam-service's GRPCAuthzHandler and apisix-go-runner's client-side
// EvaluateAccess call, but evaluated directly against the kernel's own
// capability.Broker rather than a separate network hop.
package grpcapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements encoding.Codec with JSON instead of protobuf's
// binary wire format. The kernel has no .proto-generated types for its
// capability service, so a hand-registered ServiceDesc plus this codec
// is the supported grpc-go path for non-protobuf payloads.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
