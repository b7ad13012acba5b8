// Package wsapi owns per-WebSocket state on top of the connection
// manager: subscriptions, welcome/replay frames, JSON-RPC-over-WS, and
// broker event forwarding (spec §4.E). Grounded on the teacher's
// pkg/websocket/client.go for the upgrade/read-pump/write-pump shape,
// generalized from a single fixed message format to the spec's
// discriminated frame types.
package wsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/icotes/fabric/internal/auth"
	"github.com/icotes/fabric/internal/broadcaster"
	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/connmgr"
	"github.com/icotes/fabric/internal/rpc"
	"github.com/icotes/fabric/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// defaultSubscriptions is the conservative seed every connection gets on
// accept, so a UI that misses the first explicit subscribe call still
// receives filesystem and hop notifications (spec §4.E step 2).
var defaultSubscriptions = []string{"fs.*", "hop.*"}

// forwardedTopics is what the server itself subscribes to on the broker
// so it can evaluate per-connection interest against real events.
var forwardedTopics = []string{"fs.*", "terminal.*", "workspace.*", "agents.*", "hop.*", "scm.*", "ws.*"}

// Executor is the optional hook for execute/execute_streaming/preview
// frames. The core ships no implementation (spec Non-goals: "the core
// exposes hooks but no policy") — when nil, those frame types get a
// plain error frame back instead of being silently dropped.
type Executor interface {
	Execute(ctx context.Context, connectionID string, payload json.RawMessage) (any, error)
	ExecuteStreaming(ctx context.Context, connectionID string, payload json.RawMessage, emit func(any)) error
	Preview(ctx context.Context, connectionID string, payload json.RawMessage) (any, error)
}

// Config tunes history size and background loop cadence (spec §4.E).
type Config struct {
	HistorySize     int
	IdleTimeout     time.Duration
	HeartbeatPeriod time.Duration

	// InboundRateLimit and InboundBurst bound how many inbound frames a
	// single connection may push per second before extra frames are
	// dropped with an error frame ("rate limit exceeded") rather than consuming
	// unbounded CPU dispatching them (spec §7 "rate limit" extension
	// error code). Zero disables limiting.
	InboundRateLimit float64
	InboundBurst     int

	// JWTManager verifies the token an authenticate frame carries (spec
	// §6 authenticate {user_id, session_id}). Nil disables verification:
	// the frame's own user_id/session_id fields are trusted as-is.
	JWTManager *auth.JWTManager
	// RequireAuth rejects an authenticate frame with no token when
	// JWTManager is set, instead of falling back to the frame's claimed
	// identity.
	RequireAuth bool
}

func DefaultConfig() Config {
	return Config{
		HistorySize:      1000,
		IdleTimeout:       time.Hour,
		HeartbeatPeriod:  30 * time.Second,
		InboundRateLimit: 50,
		InboundBurst:     100,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the WebSocket API: one instance serves every /ws connection.
type Server struct {
	logger      zerolog.Logger
	broker      *broker.Broker
	conns       *connmgr.Manager
	rpc         *rpc.Router
	exec        Executor
	cfg         Config
	broadcaster *broadcaster.Broadcaster

	mu       sync.Mutex
	clients  map[string]*client
	subsByID map[string]map[string]bool // connectionID -> subscription set
	history  map[string][]json.RawMessage // sessionID -> bounded frame deque

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger zerolog.Logger, b *broker.Broker, conns *connmgr.Manager, rpcRouter *rpc.Router, exec Executor, cfg Config, bc *broadcaster.Broadcaster) *Server {
	return &Server{
		logger:      logger.With().Str("component", "wsapi").Logger(),
		broker:      b,
		conns:       conns,
		rpc:         rpcRouter,
		exec:        exec,
		cfg:         cfg,
		broadcaster: bc,
		clients:     make(map[string]*client),
		subsByID:    make(map[string]map[string]bool),
		history:     make(map[string][]json.RawMessage),
	}
}

// Start subscribes to every forwarded topic and launches the heartbeat
// loop. The idle reaper lives in connmgr, which this server's
// connections are registered against.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.broker != nil {
		for _, topic := range forwardedTopics {
			if _, err := s.broker.Subscribe("wsapi", topic, s.forwardEvent, nil); err != nil {
				s.logger.Error().Err(err).Str("topic", topic).Msg("failed to subscribe for event forwarding")
			}
		}
	}

	s.wg.Add(1)
	go s.heartbeatLoop(runCtx)
}

func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// client is the per-connection state the API owns on top of the bare
// connmgr registration.
type client struct {
	connectionID string
	sessionID    string
	userID       string
	conn         *websocket.Conn
	send         chan []byte
	limiter      *rate.Limiter
}

// newLimiter builds the per-connection inbound limiter from Config, or
// nil when InboundRateLimit is zero (limiting disabled).
func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.InboundRateLimit <= 0 {
		return nil
	}
	burst := s.cfg.InboundBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.InboundRateLimit), burst)
}

func (c *client) Ping() error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// inboundFrame is the discriminated-union shape of every frame a client
// may send (spec §4.E inbound frame types).
type inboundFrame struct {
	Type      string          `json:"type"`
	Topics    []string        `json:"topics"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	RPC       json.RawMessage `json:"rpc"`
	Token     string          `json:"token"`
}

// HandleWS upgrades the HTTP request to a WebSocket and runs the
// connection until it closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), limiter: s.newLimiter()}
	sessionID := r.URL.Query().Get("session_id")

	registered, err := s.conns.ConnectWebSocket(connmgr.ConnectOptions{
		SessionID: sessionID,
		Handle:    c,
		Sender: func(payload []byte) error {
			select {
			case c.send <- payload:
				return nil
			default:
				return errSendBufferFull
			}
		},
	})
	if err != nil {
		conn.Close()
		return
	}
	c.connectionID = registered.ID
	c.sessionID = sessionID

	s.mu.Lock()
	s.clients[c.connectionID] = c
	subs := make(map[string]bool, len(defaultSubscriptions))
	for _, t := range defaultSubscriptions {
		subs[t] = true
	}
	s.subsByID[c.connectionID] = subs
	s.mu.Unlock()

	if s.broadcaster != nil {
		s.broadcaster.RegisterConnectedClient(broadcaster.ClientInfo{
			ClientID: c.connectionID,
			Kind:     string(registered.Kind),
			Send:     func(msg types.Message) error { return s.deliverBroadcastMessage(c, msg) },
		})
	}

	s.sendWelcome(c, registered)
	if sessionID != "" {
		s.replaySession(c, sessionID)
	}

	go s.writePump(c)
	s.readPump(c)

	s.mu.Lock()
	delete(s.clients, c.connectionID)
	delete(s.subsByID, c.connectionID)
	s.mu.Unlock()
	if s.broadcaster != nil {
		s.broadcaster.RemoveConnectedClient(c.connectionID)
		s.broadcaster.UnregisterClientInterest(c.connectionID)
	}
	s.conns.Disconnect(c.connectionID, "websocket closed")
}

// deliverBroadcastMessage is the broadcaster.ClientInfo.Send callback: it
// wraps a broadcast event in the same "event" frame shape forwardEvent
// sends for broker-originated events, so a client can't distinguish the
// two delivery paths.
func (s *Server) deliverBroadcastMessage(c *client, msg types.Message) error {
	frame := mustJSON(map[string]any{
		"type":      "event",
		"event":     msg.Topic,
		"data":      msg.Payload,
		"timestamp": msg.Timestamp.UnixMilli(),
	})
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

var errSendBufferFull = &sendBufferFullError{}

type sendBufferFullError struct{}

func (*sendBufferFullError) Error() string { return "client send buffer full" }

func (s *Server) sendWelcome(c *client, conn *types.Connection) {
	s.sendFrame(c, map[string]any{
		"type":         "welcome",
		"connection_id": conn.ID,
		"session_id":    conn.SessionID,
		"user_id":       conn.UserID,
	})
}

func (s *Server) replaySession(c *client, sessionID string) {
	s.mu.Lock()
	frames := append([]json.RawMessage(nil), s.history[sessionID]...)
	s.mu.Unlock()
	if len(frames) == 0 {
		return
	}
	s.sendFrame(c, map[string]any{"type": "message_replay", "messages": frames})
}

func (s *Server) readPump(c *client) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conns.UpdateActivity(c.connectionID)
		if c.limiter != nil && !c.limiter.Allow() {
			s.sendFrame(c, map[string]any{"type": "error", "message": "rate limit exceeded"})
			continue
		}
		s.handleInbound(c, raw)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleInbound(c *client, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": "invalid JSON"})
		return
	}

	switch frame.Type {
	case "ping":
		s.sendFrame(c, map[string]any{"type": "pong", "timestamp": nowMillis()})
	case "subscribe":
		s.updateSubscriptions(c.connectionID, frame.Topics, true)
	case "unsubscribe":
		s.updateSubscriptions(c.connectionID, frame.Topics, false)
	case "jsonrpc", "json-rpc":
		s.handleJSONRPC(c, frame.RPC)
	case "authenticate":
		s.handleAuthenticate(c, frame.UserID, frame.SessionID, frame.Token)
	case "execute":
		s.handleExecute(c, frame.Payload)
	case "execute_streaming":
		s.handleExecuteStreaming(c, frame.Payload)
	case "preview":
		s.handlePreview(c, frame.Payload)
	default:
		s.sendFrame(c, map[string]any{"type": "error", "message": "unknown frame type: " + frame.Type})
	}
}

func (s *Server) updateSubscriptions(connectionID string, topics []string, add bool) {
	s.mu.Lock()
	set, ok := s.subsByID[connectionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for _, t := range topics {
		if add {
			set[t] = true
		} else {
			delete(set, t)
		}
	}
	s.mu.Unlock()

	// Only additive: broadcaster.UnregisterClientInterest wipes every
	// interest a client holds, so an unsubscribe can't selectively remove
	// one topic pattern from it without also dropping the others.
	if add && len(topics) > 0 && s.broadcaster != nil {
		s.broadcaster.RegisterClientInterest(connectionID, topics, nil, nil)
	}
}

func (s *Server) handleJSONRPC(c *client, raw json.RawMessage) {
	if s.rpc == nil || len(raw) == 0 {
		s.sendFrame(c, map[string]any{"type": "error", "message": "JSON-RPC handler unavailable"})
		return
	}
	resp, err := s.rpc.DispatchRaw(context.Background(), raw)
	if err != nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": err.Error()})
		return
	}
	s.sendFrame(c, map[string]any{"type": "jsonrpc_response", "response": json.RawMessage(resp)})
}

// handleAuthenticate binds user_id/session_id to the connection (spec §6
// authenticate), preferring a verified JWT's claims over whatever the
// frame itself claims when a JWTManager is configured: the token is the
// only identity a malicious client cannot simply assert in-band.
func (s *Server) handleAuthenticate(c *client, userID, sessionID, token string) {
	if s.cfg.JWTManager != nil {
		if token != "" {
			claims, err := s.cfg.JWTManager.Verify(token)
			if err != nil {
				s.sendFrame(c, map[string]any{"type": "error", "message": "invalid token: " + err.Error()})
				return
			}
			userID = claims.UserID
			if claims.SessionID != "" {
				sessionID = claims.SessionID
			}
		} else if s.cfg.RequireAuth {
			s.sendFrame(c, map[string]any{"type": "error", "message": "authentication token required"})
			return
		}
	}

	if err := s.conns.Authenticate(c.connectionID, userID, sessionID); err != nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": err.Error()})
		return
	}
	c.userID = userID
	if sessionID != "" {
		c.sessionID = sessionID
		s.replaySession(c, sessionID)
	}
	s.sendFrame(c, map[string]any{"type": "authenticated", "user_id": userID, "session_id": sessionID})
}

func (s *Server) handleExecute(c *client, payload json.RawMessage) {
	if s.exec == nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": "execute not implemented"})
		return
	}
	result, err := s.exec.Execute(context.Background(), c.connectionID, payload)
	if err != nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": err.Error()})
		return
	}
	s.sendFrame(c, map[string]any{"type": "execution_update", "result": result})
}

func (s *Server) handleExecuteStreaming(c *client, payload json.RawMessage) {
	if s.exec == nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": "execute_streaming not implemented"})
		return
	}
	err := s.exec.ExecuteStreaming(context.Background(), c.connectionID, payload, func(update any) {
		s.sendFrame(c, map[string]any{"type": "execution_update", "result": update})
	})
	if err != nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": err.Error()})
	}
}

func (s *Server) handlePreview(c *client, payload json.RawMessage) {
	if s.exec == nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": "preview not implemented"})
		return
	}
	result, err := s.exec.Preview(context.Background(), c.connectionID, payload)
	if err != nil {
		s.sendFrame(c, map[string]any{"type": "error", "message": err.Error()})
		return
	}
	s.sendFrame(c, map[string]any{"type": "preview", "result": result})
}

// forwardEvent is the broker callback wired for every topic in
// forwardedTopics. It finds every connection whose subscription set
// symmetrically matches the event topic and sends each a frame.
func (s *Server) forwardEvent(msg types.Message) {
	s.mu.Lock()
	var targets []string
	for connectionID, subs := range s.subsByID {
		for pattern := range subs {
			if types.SymmetricGlobMatch(pattern, msg.Topic) {
				targets = append(targets, connectionID)
				break
			}
		}
	}
	s.mu.Unlock()

	frame := mustJSON(map[string]any{
		"type":      "event",
		"event":     msg.Topic,
		"data":      msg.Payload,
		"timestamp": msg.Timestamp.UnixMilli(),
	})

	for _, connectionID := range targets {
		s.mu.Lock()
		c, ok := s.clients[connectionID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.deliver(c, frame)
	}
}

// sendFrame marshals v, records it in the connection's session history,
// and enqueues it for delivery. A send-buffer-full or socket error
// triggers a disconnect per spec §4.E failure semantics.
func (s *Server) sendFrame(c *client, v any) {
	s.deliver(c, mustJSON(v))
}

func (s *Server) deliver(c *client, frame []byte) {
	if c.sessionID != "" {
		s.mu.Lock()
		h := append(s.history[c.sessionID], json.RawMessage(frame))
		if len(h) > s.historySize() {
			h = h[len(h)-s.historySize():]
		}
		s.history[c.sessionID] = h
		s.mu.Unlock()
	}

	select {
	case c.send <- frame:
	default:
		s.logger.Warn().Str("connection_id", c.connectionID).Msg("send buffer full, disconnecting")
		s.conns.Disconnect(c.connectionID, "send buffer full")
	}
}

func (s *Server) historySize() int {
	if s.cfg.HistorySize <= 0 {
		return 1000
	}
	return s.cfg.HistorySize
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	period := s.cfg.HeartbeatPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	frame := mustJSON(map[string]any{"type": "heartbeat"})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			clients := make([]*client, 0, len(s.clients))
			for _, c := range s.clients {
				clients = append(clients, c)
			}
			s.mu.Unlock()
			for _, c := range clients {
				s.deliver(c, withTimestamp(frame))
			}
		}
	}
}

func withTimestamp(frame []byte) []byte {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		return frame
	}
	m["timestamp"] = nowMillis()
	return mustJSON(m)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"encode failure"}`)
	}
	return b
}

func nowMillis() int64 { return time.Now().UnixMilli() }
