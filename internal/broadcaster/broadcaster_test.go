package broadcaster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *broker.Broker) {
	t.Helper()
	b := broker.New(zerolog.Nop(), 100)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)

	bc := New(zerolog.Nop(), b, DefaultConfig())
	bc.Start(ctx)

	t.Cleanup(func() {
		bc.Stop()
		cancel()
		b.Stop()
	})
	return bc, b
}

func TestFilteredDeliveryRequiresInterestMatch(t *testing.T) {
	bc, _ := newTestBroadcaster(t)

	var mu sync.Mutex
	var received []types.Message
	bc.RegisterConnectedClient(ClientInfo{
		ClientID: "client-1",
		Send: func(m types.Message) error {
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
			return nil
		},
	})
	bc.RegisterClientInterest("client-1", []string{"fs.*"}, nil, nil)

	_, err := bc.BroadcastEvent(types.Message{Topic: "terminal.output"}, types.DeliveryFiltered, types.PriorityNormal, nil, nil)
	require.NoError(t, err)
	_, err = bc.BroadcastEvent(types.Message{Topic: "fs.file_created"}, types.DeliveryFiltered, types.PriorityNormal, nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "fs.file_created", received[0].Topic)
}

func TestExcludeBeatsInclude(t *testing.T) {
	bc, _ := newTestBroadcaster(t)

	got := map[string]bool{}
	var mu sync.Mutex
	for _, id := range []string{"a", "b"} {
		id := id
		bc.RegisterConnectedClient(ClientInfo{ClientID: id, Send: func(types.Message) error {
			mu.Lock()
			got[id] = true
			mu.Unlock()
			return nil
		}})
		bc.RegisterClientInterest(id, []string{"*"}, nil, nil)
	}

	filter := &types.DeliveryFilter{
		IncludeClients: map[string]bool{"a": true, "b": true},
		ExcludeClients: map[string]bool{"a": true},
	}
	_, err := bc.BroadcastEvent(types.Message{Topic: "x.y"}, types.DeliveryFiltered, types.PriorityHigh, nil, filter)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["b"]
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, got["a"])
}

// S1-style: unicast only reaches the first target.
func TestUnicastDeliversToFirstTargetOnly(t *testing.T) {
	bc, _ := newTestBroadcaster(t)

	delivered := make(chan string, 2)
	bc.RegisterConnectedClient(ClientInfo{ClientID: "first", Send: func(types.Message) error {
		delivered <- "first"
		return nil
	}})
	bc.RegisterConnectedClient(ClientInfo{ClientID: "second", Send: func(types.Message) error {
		delivered <- "second"
		return nil
	}})

	_, err := bc.BroadcastEvent(types.Message{Topic: "x"}, types.DeliveryUnicast, types.PriorityLow, []string{"first", "second"}, nil)
	require.NoError(t, err)

	select {
	case who := <-delivered:
		require.Equal(t, "first", who)
	case <-time.After(time.Second):
		t.Fatal("no delivery observed")
	}

	select {
	case who := <-delivered:
		t.Fatalf("unexpected second delivery to %q", who)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplayEventsDeterminism(t *testing.T) {
	bc, _ := newTestBroadcaster(t)

	bc.RegisterConnectedClient(ClientInfo{ClientID: "c1", Send: func(types.Message) error { return nil }})
	bc.RegisterClientInterest("c1", []string{"fs.*"}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := bc.BroadcastEvent(types.Message{Topic: "fs.file_created"}, types.DeliveryFiltered, types.PriorityNormal, nil, nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		return len(bc.history) == 3
	}, time.Second, 5*time.Millisecond)

	var replayed []types.Message
	bc.mu.Lock()
	bc.clients["c1"].Send = func(m types.Message) error {
		replayed = append(replayed, m)
		return nil
	}
	bc.mu.Unlock()

	count := bc.ReplayEvents("c1", 0, 10)
	require.Equal(t, 3, count)
	require.Len(t, replayed, 3)
}
