package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/icotes/fabric/internal/types"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(zerolog.Nop(), 100)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Stop()
	})
	return b
}

// S1 — pub/sub fan-out across overlapping glob and exact patterns.
func TestPublishFanOut(t *testing.T) {
	b := newTestBroker(t)

	var mu sync.Mutex
	var aGot, bGot, cGot []types.Message
	collect := func(dst *[]types.Message) Callback {
		return func(m types.Message) {
			mu.Lock()
			*dst = append(*dst, m)
			mu.Unlock()
		}
	}

	_, err := b.Subscribe("A", "fs.*", collect(&aGot), nil)
	require.NoError(t, err)
	_, err = b.Subscribe("B", "fs.file_created", collect(&bGot), nil)
	require.NoError(t, err)
	_, err = b.Subscribe("C", "terminal.*", collect(&cGot), nil)
	require.NoError(t, err)

	_, err = b.Publish("fs.file_created", map[string]string{"path": "/a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(aGot) == 1 && len(bGot) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, cGot, 0)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(aGot[0].Payload, &payload))
	require.Equal(t, "/a", payload["path"])
}

// Property: glob routing — GlobMatch must decide delivery exactly.
func TestGlobRoutingProperty(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"fs.*", "fs.file_created", true},
		{"fs.*", "fs.watch.started", true},
		{"fs.file_created", "fs.file_created", true},
		{"fs.file_created", "fs.file_deleted", false},
		{"terminal.*", "fs.file_created", false},
		{"*", "anything", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.b.c", false},
	}
	for _, tc := range cases {
		got := types.GlobMatch(tc.pattern, tc.topic)
		require.Equalf(t, tc.want, got, "pattern=%q topic=%q", tc.pattern, tc.topic)
	}
}

// Property: TTL gating — a message whose TTL has elapsed by delivery time
// is never delivered.
func TestTTLGating(t *testing.T) {
	b := newTestBroker(t)

	delivered := make(chan struct{}, 1)
	_, err := b.Subscribe("sub", "ttl.topic", func(types.Message) {
		delivered <- struct{}{}
	}, nil)
	require.NoError(t, err)

	msg := types.Message{Timestamp: time.Now().Add(-time.Hour)}
	_ = msg
	_, err = b.Publish("ttl.topic", map[string]string{}, WithTTL(time.Nanosecond))
	require.NoError(t, err)

	select {
	case <-delivered:
		t.Fatal("expired message was delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

// S2 — request/response with a responder, and with no responder (timeout).
func TestRequestResponse(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Subscribe("responder", "svc.echo", func(m types.Message) {
		_ = b.Respond(m, m.Payload, false)
	}, nil)
	require.NoError(t, err)

	result, err := b.Request(context.Background(), "svc.echo", map[string]int{"x": 1}, time.Second)
	require.NoError(t, err)

	var got map[string]int
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, 1, got["x"])
}

func TestRequestTimeoutNoResponder(t *testing.T) {
	b := newTestBroker(t)

	start := time.Now()
	_, err := b.Request(context.Background(), "svc.nobody", map[string]int{}, 100*time.Millisecond)
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for pattern := range b.subsByPattern {
		require.NotContains(t, pattern, "_reply.")
	}
}

// Property 4: unsubscribe on an unknown id is a no-op.
func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	b := newTestBroker(t)
	before := b.Stats()
	b.Unsubscribe("does-not-exist", "")
	after := b.Stats()
	require.Equal(t, before, after)
}

func TestReplayDeterminism(t *testing.T) {
	b := newTestBroker(t)

	for i := 0; i < 5; i++ {
		_, err := b.Publish("fs.file_created", map[string]int{"i": i})
		require.NoError(t, err)
	}

	msgs := b.Replay("fs.*", time.Time{}, 0)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		var p map[string]int
		require.NoError(t, json.Unmarshal(m.Payload, &p))
		require.Equal(t, i, p["i"])
	}
}
