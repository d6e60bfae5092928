package rpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/auth"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startServer(t *testing.T, tokens *auth.TokenIssuer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	interceptors := []grpc.UnaryServerInterceptor{rpc.LoggingInterceptor(zap.NewNop())}
	if tokens != nil {
		interceptors = append(interceptors, rpc.AuthInterceptor(tokens))
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))

	svc := ledger.NewService(ledger.NewMemoryStore(), nil, ledger.Config{}, zap.NewNop())
	rpc.Register(srv, rpc.NewServer(svc))
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, healthSvc)
	healthSvc.SetServingStatus(rpc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func rentCharged(t *testing.T) *structpb.Struct {
	return mustStruct(t, map[string]any{
		"chain_key":   "landlord-1",
		"type":        "RENT_CHARGED",
		"payload":     map[string]any{"amount": 1450},
		"actor":       map[string]any{"user_id": "u1", "role": "landlord"},
		"occurred_at": 1700000000000,
	})
}

func TestLedgerService_appendVerifyTail(t *testing.T) {
	client := rpc.NewClient(startServer(t, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tail, err := client.Tail(ctx, mustStruct(t, map[string]any{"chain_key": "landlord-1"}))
	require.NoError(t, err)
	assert.Empty(t, tail.GetFields())

	first, err := client.Append(ctx, rentCharged(t))
	require.NoError(t, err)
	assert.Equal(t, "513ab7d81da1cddf1b2a037c6fd8580ddffe31c2f6456895c68ef1fb9b4fec04", first.Fields["entry_hash"].GetStringValue())
	assert.Equal(t, float64(1), first.Fields["sequence"].GetNumberValue())

	second, err := client.Append(ctx, rentCharged(t))
	require.NoError(t, err)
	assert.Equal(t, first.Fields["entry_hash"].GetStringValue(), second.Fields["previous_hash"].GetStringValue())

	tail, err = client.Tail(ctx, mustStruct(t, map[string]any{"chain_key": "landlord-1"}))
	require.NoError(t, err)
	assert.Equal(t, float64(2), tail.Fields["sequence"].GetNumberValue())

	report, err := client.Verify(ctx, mustStruct(t, map[string]any{"chain_key": "landlord-1"}))
	require.NoError(t, err)
	assert.True(t, report.Fields["ok"].GetBoolValue())
	assert.Equal(t, float64(2), report.Fields["checked"].GetNumberValue())
}

func TestLedgerService_errorCodes(t *testing.T) {
	client := rpc.NewClient(startServer(t, nil))
	ctx := context.Background()

	_, err := client.Append(ctx, mustStruct(t, map[string]any{"chain_key": "k"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Tail(ctx, mustStruct(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Verify(ctx, mustStruct(t, map[string]any{"chain_key": "k", "from_sequence": 9}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	req := rentCharged(t)
	req.Fields["expect_previous_hash"] = structpb.NewStringValue("stale")
	_, err = client.Append(ctx, req)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestLedgerService_auth(t *testing.T) {
	tokens := auth.NewTokenIssuer("secret", "ledger-test", time.Hour)
	conn := startServer(t, tokens)
	client := rpc.NewClient(conn)

	_, err := client.Append(context.Background(), rentCharged(t))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	tok, err := tokens.Issue(ledger.Actor{UserID: "svc-billing", Role: "system"})
	require.NoError(t, err)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
	entry, err := client.Append(ctx, rentCharged(t))
	require.NoError(t, err)
	actor := entry.Fields["actor"].GetStructValue()
	assert.Equal(t, "svc-billing", actor.Fields["user_id"].GetStringValue())

	// Reads need no token.
	_, err = client.Verify(context.Background(), mustStruct(t, map[string]any{"chain_key": "landlord-1"}))
	assert.NoError(t, err)

	hc := grpc_health_v1.NewHealthClient(conn)
	resp, err := hc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: rpc.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}
