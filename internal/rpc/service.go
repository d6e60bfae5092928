// Package rpc exposes the ledger over gRPC as eventledger.v1.Ledger. Messages
// are google.protobuf.Struct values carrying the same JSON shapes as the HTTP
// API, so no generated code is needed on either side.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "eventledger.v1.Ledger"

// LedgerServer is the server API of eventledger.v1.Ledger.
type LedgerServer interface {
	Append(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Tail(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes eventledger.v1.Ledger for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: unaryHandler("Append", LedgerServer.Append)},
		{MethodName: "Verify", Handler: unaryHandler("Verify", LedgerServer.Verify)},
		{MethodName: "Tail", Handler: unaryHandler("Tail", LedgerServer.Tail)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eventledger/v1/ledger.proto",
}

type methodFunc func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call methodFunc) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Server implements LedgerServer on a ledger.Service.
type Server struct {
	svc *ledger.Service
}

// NewServer creates a Server.
func NewServer(svc *ledger.Service) *Server {
	return &Server{svc: svc}
}

type appendMessage struct {
	ChainKey       string            `json:"chain_key"`
	Type           string            `json:"type"`
	Payload        json.RawMessage   `json:"payload"`
	Actor          ledger.Actor      `json:"actor"`
	OccurredAt     int64             `json:"occurred_at"`
	Lookup         map[string]string `json:"lookup"`
	ExpectPrevious string            `json:"expect_previous_hash"`
}

type verifyMessage struct {
	ChainKey     string `json:"chain_key"`
	Limit        int    `json:"limit"`
	FromSequence int64  `json:"from_sequence"`
}

type tailMessage struct {
	ChainKey string `json:"chain_key"`
}

// Append implements LedgerServer.
func (s *Server) Append(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req appendMessage
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if actor, ok := ActorFromContext(ctx); ok {
		req.Actor = actor
	}
	entry, err := s.svc.Append(ctx, ledger.AppendRequest{
		ChainKey:       req.ChainKey,
		Type:           req.Type,
		Payload:        req.Payload,
		Actor:          req.Actor,
		OccurredAt:     req.OccurredAt,
		Lookup:         req.Lookup,
		ExpectPrevious: req.ExpectPrevious,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(entry)
}

// Verify implements LedgerServer.
func (s *Server) Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req verifyMessage
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	report, err := s.svc.VerifyRange(ctx, req.ChainKey, req.FromSequence, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(report)
}

// Tail implements LedgerServer. An empty chain yields an empty struct.
func (s *Server) Tail(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tailMessage
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ChainKey == "" {
		return nil, status.Error(codes.InvalidArgument, "invalid chain_key: is required")
	}
	tail, err := s.svc.Tail(ctx, req.ChainKey)
	if err != nil {
		return nil, toStatus(err)
	}
	if tail == nil {
		return &structpb.Struct{}, nil
	}
	return encode(tail)
}

// decode converts a Struct into v through its JSON form.
func decode(in *structpb.Struct, v any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// encode converts v into a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps ledger errors onto gRPC status codes.
func toStatus(err error) error {
	var vErr *ledger.ValidationError
	var sErr *ledger.StoreError
	switch {
	case errors.As(err, &vErr):
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, ledger.ErrStalePrevious):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &sErr):
		return status.Error(codes.Unavailable, fmt.Sprintf("ledger store %s failed", sErr.Op))
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
