package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/tether/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouterRegister(t *testing.T) {
	r := NewRPCRouter()
	assert.Error(t, r.RegisterMethod("nil", nil))

	require.NoError(t, r.RegisterMethod("b", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) { return nil, nil }))
	require.NoError(t, r.RegisterMethod("a", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) { return nil, nil }))
	assert.Equal(t, []string{"a", "b"}, r.GetMethods())

	r.UnregisterMethod("a")
	assert.False(t, r.HasMethod("a"))
	assert.True(t, r.HasMethod("b"))
}

func TestParseRequest(t *testing.T) {
	r := NewRPCRouter()
	tests := []struct {
		name string
		in   string
		code int
	}{
		{"bad json", `{`, ParseError},
		{"missing id", `{"method":"x"}`, InvalidRequest},
		{"missing method", `{"id":"1"}`, InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ParseRequest([]byte(tt.in))
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}

	req, err := r.ParseRequest([]byte(`{"id":"1","method":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "2.0", req.JSONRPC)
}

func TestRouteRequestIdempotency(t *testing.T) {
	r := NewRPCRouter()
	calls := 0
	require.NoError(t, r.RegisterMethod("count", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))

	first := r.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "count", IdempotencyKey: "k"})
	second := r.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "count", IdempotencyKey: "k"})
	assert.Equal(t, 1, first.Result)
	assert.Equal(t, 1, second.Result)
	assert.Equal(t, "2", second.ID)

	third := r.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "count"})
	assert.Equal(t, 2, third.Result)

	r.idempotencyTTL = -time.Second
	r.RouteRequest(context.Background(), &RPCRequest{ID: "4", Method: "count", IdempotencyKey: "fresh"})
	fourth := r.RouteRequest(context.Background(), &RPCRequest{ID: "5", Method: "count", IdempotencyKey: "fresh"})
	assert.Equal(t, 4, fourth.Result, "expired entries are not replayed")
}

func TestToRPCError(t *testing.T) {
	notFound := &registry.SessionNotFoundError{SessionID: "x"}
	assert.Equal(t, SessionNotFound, toRPCError(notFound).Code)

	transient := &registry.TransientResourceError{Resource: "queue", Err: errors.New("closed")}
	assert.Equal(t, Unavailable, toRPCError(transient).Code)

	custom := &RPCError{Code: InvalidParams, Message: "bad"}
	assert.Same(t, custom, toRPCError(custom))

	assert.Equal(t, InternalError, toRPCError(errors.New("boom")).Code)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewClientRateLimiterWithLimits(3, 2)
	rl.now = func() time.Time { return now }

	ok, _ := rl.Acquire()
	assert.True(t, ok)
	ok, _ = rl.Acquire()
	assert.True(t, ok)
	ok, reason := rl.Acquire()
	assert.False(t, ok)
	assert.Equal(t, "too many concurrent requests", reason)

	rl.Release()
	ok, _ = rl.Acquire()
	assert.True(t, ok)
	rl.Release()
	rl.Release()

	ok, reason = rl.Acquire()
	assert.False(t, ok)
	assert.Equal(t, "rate limit exceeded", reason)

	now = now.Add(61 * time.Second)
	ok, _ = rl.Acquire()
	assert.True(t, ok)
	requests, inFlight := rl.Stats()
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, inFlight)
}

func TestAuthHandler(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	assert.True(t, auth.Enabled())
	assert.False(t, NewAuthHandler("").Enabled())

	c1, err := auth.GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, c1, 64)
	c2, _ := auth.GenerateChallenge()
	assert.NotEqual(t, c1, c2)

	assert.True(t, auth.VerifySignature(c1, auth.Sign(c1)))
	assert.False(t, auth.VerifySignature(c1, NewAuthHandler("other").Sign(c1)))

	client := &Client{challenge: c1, sessions: map[string]bool{}}
	res := auth.HandleAuthResponse(client, "nope")
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid signature", res.Message)

	res = auth.HandleAuthResponse(client, auth.Sign(c1))
	assert.True(t, res.Success)
	assert.True(t, client.Authenticated())
	assert.Equal(t, StateAuthenticated, client.State())

	res = auth.HandleAuthResponse(client, auth.Sign(c1))
	assert.Equal(t, "No challenge found", res.Message)
}
