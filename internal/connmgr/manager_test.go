package connmgr

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	b := broker.New(zerolog.Nop(), 100)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	m := New(zerolog.Nop(), b, DefaultConfig())
	m.Start(ctx)
	t.Cleanup(func() {
		m.Stop()
		cancel()
		b.Stop()
	})
	return m
}

// Property 5: after any sequence of connect/authenticate/disconnect, every
// connection_id present in the primary map appears in exactly the expected
// secondary indices and in none of the others.
func TestConnectionIndexIntegrity(t *testing.T) {
	m := newTestManager(t)

	c1, err := m.ConnectWebSocket(ConnectOptions{SessionID: "s1", Sender: func([]byte) error { return nil }})
	require.NoError(t, err)
	c2, err := m.ConnectHTTP(ConnectOptions{SessionID: "s1", Sender: func([]byte) error { return nil }})
	require.NoError(t, err)
	c3, err := m.ConnectWebSocket(ConnectOptions{SessionID: "s2", Sender: func([]byte) error { return nil }})
	require.NoError(t, err)

	require.NoError(t, m.Authenticate(c1.ID, "alice", ""))

	m.mu.Lock()
	require.Contains(t, m.pool.byKind[types.ConnWebSocket], c1.ID)
	require.Contains(t, m.pool.byKind[types.ConnHTTP], c2.ID)
	require.Contains(t, m.pool.bySession["s1"], c1.ID)
	require.Contains(t, m.pool.bySession["s1"], c2.ID)
	require.Contains(t, m.pool.bySession["s2"], c3.ID)
	require.Contains(t, m.pool.byUser["alice"], c1.ID)
	require.NotContains(t, m.pool.bySession["s2"], c1.ID)
	m.mu.Unlock()

	m.Disconnect(c1.ID, "test")

	m.mu.Lock()
	require.NotContains(t, m.pool.byID, c1.ID)
	require.NotContains(t, m.pool.byKind[types.ConnWebSocket], c1.ID)
	require.NotContains(t, m.pool.bySession["s1"], c1.ID)
	require.NotContains(t, m.pool.byUser["alice"], c1.ID)
	require.Contains(t, m.pool.bySession["s1"], c2.ID)
	m.mu.Unlock()
}

func TestConnectionLimitExceeded(t *testing.T) {
	b := broker.New(zerolog.Nop(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	defer func() { cancel(); b.Stop() }()

	cfg := DefaultConfig()
	cfg.MaxConnectionsPerUser = 1
	m := New(zerolog.Nop(), b, cfg)
	m.Start(ctx)
	defer m.Stop()

	_, err := m.ConnectWebSocket(ConnectOptions{SessionID: "s1", Sender: func([]byte) error { return nil }})
	require.NoError(t, err)

	_, err = m.ConnectWebSocket(ConnectOptions{SessionID: "s1", Sender: func([]byte) error { return nil }})
	require.ErrorIs(t, err, types.ErrConnectionLimitExceeded)
}

func TestSendOnlyWhenAcceptable(t *testing.T) {
	m := newTestManager(t)

	sent := false
	c, err := m.ConnectWebSocket(ConnectOptions{Sender: func([]byte) error { sent = true; return nil }})
	require.NoError(t, err)

	require.NoError(t, m.SendMessage(c.ID, []byte("hi")))
	require.True(t, sent)

	m.Disconnect(c.ID, "bye")
	require.Error(t, m.SendMessage(c.ID, []byte("hi")))
}

func TestIdleReaper(t *testing.T) {
	b := broker.New(zerolog.Nop(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	defer func() { cancel(); b.Stop() }()

	cfg := DefaultConfig()
	cfg.ConnectionTimeout = 10 * time.Millisecond
	m := New(zerolog.Nop(), b, cfg)
	m.Start(ctx)
	defer m.Stop()

	c, err := m.ConnectWebSocket(ConnectOptions{Sender: func([]byte) error { return nil }})
	require.NoError(t, err)

	m.mu.Lock()
	m.pool.byID[c.ID].LastActivity = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.reapIdle()

	_, ok := m.GetConnection(c.ID)
	require.False(t, ok)
}
