package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

// Config tunes the manager's limits and background loop cadence (spec
// §4.B background loops and resource caps).
type Config struct {
	MaxConnectionsPerUser int
	ConnectionTimeout     time.Duration
	PingInterval          time.Duration
}

// DefaultConfig matches spec §4.B's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser: 10,
		ConnectionTimeout:     300 * time.Second,
		PingInterval:          30 * time.Second,
	}
}

// Manager is the connection pool plus its background liveness/idle loops.
type Manager struct {
	logger zerolog.Logger
	broker *broker.Broker
	cfg    Config

	mu   sync.Mutex
	pool *pool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Manager against the given broker for connection.* event
// emission (spec §4.B "Events emitted to broker").
func New(logger zerolog.Logger, b *broker.Broker, cfg Config) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "connmgr").Logger(),
		broker: b,
		cfg:    cfg,
		pool:   newPool(),
	}
}

// Start launches the idle reaper and liveness-ping background loops.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(2)
	go m.idleReaperLoop(runCtx)
	go m.pingLoop(runCtx)
}

// Stop cancels the background loops and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// ConnectOptions carries the kind-specific fields needed to register a new
// connection.
type ConnectOptions struct {
	Kind      types.ConnKind
	SessionID string
	UserID    string
	Handle    any
	Sender    func([]byte) error
}

// Connect registers a new connection, enforcing the per-session cap (spec
// §4.B: "new connections that would exceed max_connections_per_user for
// that session fail with ConnectionLimitExceeded").
func (m *Manager) Connect(opts ConnectOptions) (*types.Connection, error) {
	m.mu.Lock()
	if opts.SessionID != "" && m.pool.countForSession(opts.SessionID) >= m.cfg.MaxConnectionsPerUser {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", opts.SessionID, types.ErrConnectionLimitExceeded)
	}

	now := time.Now()
	conn := &types.Connection{
		ID:           uuid.NewString(),
		Kind:         opts.Kind,
		State:        types.ConnConnected,
		SessionID:    opts.SessionID,
		UserID:       opts.UserID,
		CreatedAt:    now,
		LastActivity: now,
		Handle:       opts.Handle,
		Sender:       opts.Sender,
	}
	m.pool.add(conn)
	m.mu.Unlock()

	m.emit("connection.established", conn)
	return conn, nil
}

// ConnectWebSocket, ConnectHTTP, ConnectCLI are thin conveniences matching
// the spec's per-kind operation names.
func (m *Manager) ConnectWebSocket(opts ConnectOptions) (*types.Connection, error) {
	opts.Kind = types.ConnWebSocket
	return m.Connect(opts)
}

func (m *Manager) ConnectHTTP(opts ConnectOptions) (*types.Connection, error) {
	opts.Kind = types.ConnHTTP
	return m.Connect(opts)
}

func (m *Manager) ConnectCLI(opts ConnectOptions) (*types.Connection, error) {
	opts.Kind = types.ConnCLI
	return m.Connect(opts)
}

// Authenticate attaches user/session identity to an already-connected
// connection and re-keys the secondary indices (spec §4.B: connecting →
// connected → authenticated).
func (m *Manager) Authenticate(id, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.pool.byID[id]
	if !ok {
		return fmt.Errorf("authenticate %q: %w", id, types.ErrNotFound)
	}
	oldSession, oldUser := conn.SessionID, conn.UserID
	conn.UserID = userID
	if sessionID != "" {
		conn.SessionID = sessionID
	}
	conn.State = types.ConnAuthenticated
	m.pool.reindexSessionUser(conn, oldSession, oldUser)

	m.emit("connection.authenticated", conn)
	return nil
}

// UpdateActivity stamps a connection's last-activity time, resetting the
// idle reaper's clock.
func (m *Manager) UpdateActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.pool.byID[id]; ok {
		conn.LastActivity = time.Now()
	}
}

// GetConnection returns the connection by id, if present.
func (m *Manager) GetConnection(id string) (*types.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.pool.byID[id]
	return conn, ok
}

// BySession returns a snapshot slice of connections registered to session.
func (m *Manager) BySession(session string) []*types.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Connection
	for id := range m.pool.bySession[session] {
		out = append(out, m.pool.byID[id])
	}
	return out
}

// SendMessage delivers payload to connection id if it is in a sendable
// state (spec §4.B: "Only connections in connected or authenticated accept
// sends").
func (m *Manager) SendMessage(id string, payload []byte) error {
	m.mu.Lock()
	conn, ok := m.pool.byID[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %q: %w", id, types.ErrNotFound)
	}
	if !conn.AcceptsSend() {
		return fmt.Errorf("send to %q in state %q: %w", id, conn.State, types.ErrUnauthorized)
	}
	if conn.Sender == nil {
		return fmt.Errorf("send to %q: no sender configured", id)
	}
	return conn.Sender(payload)
}

// Broadcast delivers payload to every sendable connection for which filter
// returns true (filter may be nil to mean "all").
func (m *Manager) Broadcast(payload []byte, filter func(*types.Connection) bool) {
	m.mu.Lock()
	targets := make([]*types.Connection, 0, len(m.pool.byID))
	for _, c := range m.pool.byID {
		if !c.AcceptsSend() {
			continue
		}
		if filter != nil && !filter(c) {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		if c.Sender == nil {
			continue
		}
		if err := c.Sender(payload); err != nil {
			m.logger.Warn().Str("connection_id", c.ID).Err(err).Msg("broadcast send failed")
		}
	}
}

// Disconnect transitions a connection through disconnecting → disconnected
// and purges it from every index atomically (spec §3 Connection
// invariant).
func (m *Manager) Disconnect(id, reason string) {
	m.mu.Lock()
	conn, ok := m.pool.byID[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	conn.State = types.ConnDisconnecting
	m.emit("connection.disconnecting", conn)

	conn.State = types.ConnDisconnected
	m.pool.remove(id)
	m.mu.Unlock()

	m.emit("connection.disconnected", connDisconnectedPayload{conn, reason})
}

type connDisconnectedPayload struct {
	conn   *types.Connection
	reason string
}

// Stats summarises pool occupancy, the way the teacher's hub.GetStats()
// reports counts per dimension.
type Stats struct {
	Total     int
	ByKind    map[types.ConnKind]int
	Sessions  int
	Users     int
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind := make(map[types.ConnKind]int, len(m.pool.byKind))
	for k, set := range m.pool.byKind {
		byKind[k] = len(set)
	}
	return Stats{
		Total:    len(m.pool.byID),
		ByKind:   byKind,
		Sessions: len(m.pool.bySession),
		Users:    len(m.pool.byUser),
	}
}

func (m *Manager) emit(topic string, payload any) {
	if m.broker == nil {
		return
	}
	if _, err := m.broker.Publish(topic, payload); err != nil {
		m.logger.Debug().Err(err).Str("topic", topic).Msg("failed to emit connection event")
	}
}

func (m *Manager) idleReaperLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()
	m.mu.Lock()
	var stale []string
	for id, c := range m.pool.byID {
		if now.Sub(c.LastActivity) > m.cfg.ConnectionTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.Disconnect(id, "Connection timeout")
	}
}

// Pinger is implemented by transport handles (e.g. the WebSocket client
// wrapper) that can answer a liveness probe.
type Pinger interface {
	Ping() error
}

func (m *Manager) pingLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pingAll()
		}
	}
}

func (m *Manager) pingAll() {
	m.mu.Lock()
	var wsConns []*types.Connection
	for _, c := range m.pool.byID {
		if c.Kind == types.ConnWebSocket {
			wsConns = append(wsConns, c)
		}
	}
	m.mu.Unlock()

	for _, c := range wsConns {
		pinger, ok := c.Handle.(Pinger)
		if !ok {
			continue
		}
		if err := pinger.Ping(); err != nil {
			m.Disconnect(c.ID, "Ping failed")
		}
	}
}
