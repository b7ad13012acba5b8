package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *Router {
	r := NewRouter(zerolog.Nop())
	r.Register("connection.ping", func(ctx context.Context, req *Request) (any, error) {
		return map[string]string{"pong": "ok"}, nil
	})
	r.Register("broken", func(ctx context.Context, req *Request) (any, error) {
		return nil, NewError(InternalError, "boom")
	})
	return r
}

func TestDispatchSingleSuccess(t *testing.T) {
	r := newTestRouter()
	req := &Request{JSONRPC: "2.0", Method: "connection.ping", ID: "1"}
	resp := r.Dispatch(context.Background(), req)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	require.Equal(t, "1", resp.ID)
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := newTestRouter()
	req := &Request{JSONRPC: "2.0", Method: "does.not.exist", ID: "1"}
	resp := r.Dispatch(context.Background(), req)
	require.NotNil(t, resp)
	require.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestDispatchInvalidVersion(t *testing.T) {
	r := newTestRouter()
	req := &Request{JSONRPC: "1.0", Method: "connection.ping", ID: "1"}
	resp := r.Dispatch(context.Background(), req)
	require.Equal(t, InvalidRequest, resp.Error.Code)
}

func TestDispatchNotificationDropsResponse(t *testing.T) {
	r := newTestRouter()
	req := &Request{JSONRPC: "2.0", Method: "does.not.exist"}
	resp := r.Dispatch(context.Background(), req)
	require.Nil(t, resp)
}

func TestDispatchExpiredTimeout(t *testing.T) {
	r := newTestRouter()
	req := &Request{
		JSONRPC:   "2.0",
		Method:    "connection.ping",
		ID:        "1",
		Timestamp: time.Now().Add(-time.Hour),
		TimeoutMS: 10,
	}
	resp := r.Dispatch(context.Background(), req)
	require.Equal(t, TimeoutError, resp.Error.Code)
}

func TestBatchDispatchOrderAndNotificationDrop(t *testing.T) {
	r := newTestRouter()
	raw := []byte(`[
		{"jsonrpc":"2.0","method":"connection.ping","id":"1"},
		{"jsonrpc":"2.0","method":"connection.ping"},
		{"jsonrpc":"2.0","method":"broken","id":"2"}
	]`)
	out, err := r.DispatchRaw(context.Background(), raw)
	require.NoError(t, err)

	var responses []*Response
	require.NoError(t, json.Unmarshal(out, &responses))
	require.Len(t, responses, 2)
	require.Equal(t, "1", responses[0].ID)
	require.Equal(t, "2", responses[1].ID)
	require.NotNil(t, responses[1].Error)
}

func TestMiddlewareCanShortCircuit(t *testing.T) {
	r := newTestRouter()
	r.Use(func(ctx context.Context, req *Request, next Handler) (any, error) {
		if req.Method == "connection.ping" {
			return nil, NewError(AuthenticationError, "no token")
		}
		return next(ctx, req)
	})

	resp := r.Dispatch(context.Background(), &Request{JSONRPC: "2.0", Method: "connection.ping", ID: "1"})
	require.Equal(t, AuthenticationError, resp.Error.Code)
}
