// Package hop manages SSH credentials and active "hop" sessions: the
// ability to redirect the fabric's filesystem and terminal services to a
// remote machine over SSH/SFTP (spec §4.F). Grounded on hop_service.py,
// rebuilt around golang.org/x/crypto/ssh and github.com/pkg/sftp in place
// of asyncssh.
package hop

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

// Config mirrors the HOP_* environment variables (spec §6).
type Config struct {
	ConnectionTimeout   time.Duration
	OperationTimeout    time.Duration
	ReconnectMaxRetries int
	ReconnectBackoffBase float64
	DebugMode           bool
}

// lastCredential remembers write-only secret material long enough to retry
// a connection attempt or open an ephemeral session (never persisted).
type lastCredential struct {
	credentialID string
	password     string
	passphrase   string
}

// Service owns the credential store plus every live hop session, one per
// remote context id, with a single active context at a time.
type Service struct {
	cfg    Config
	store  *store
	logger zerolog.Logger
	broker *broker.Broker

	mu               sync.Mutex
	creds            map[string]types.HopCredential
	sessions         map[string]*types.HopSession
	conns            map[string]*ssh.Client
	sftpClients      map[string]*sftp.Client
	lastCreds        map[string]lastCredential
	connStartedAt    map[string]time.Time
	reconnectCancel  map[string]context.CancelFunc
	activeContextID  string

	livenessCancel context.CancelFunc
	livenessWG     sync.WaitGroup
}

func New(workspaceRoot string, cfg Config, logger zerolog.Logger, b *broker.Broker) (*Service, error) {
	s := &Service{
		cfg:             cfg,
		store:           newStore(workspaceRoot, logger),
		logger:          logger.With().Str("component", "hop").Logger(),
		broker:          b,
		sessions:        make(map[string]*types.HopSession),
		conns:           make(map[string]*ssh.Client),
		sftpClients:     make(map[string]*sftp.Client),
		lastCreds:       make(map[string]lastCredential),
		connStartedAt:   make(map[string]time.Time),
		reconnectCancel: make(map[string]context.CancelFunc),
		activeContextID: types.LocalContextID,
	}
	s.sessions[types.LocalContextID] = &types.HopSession{ContextID: types.LocalContextID, Status: types.HopConnected}

	creds, err := s.store.load()
	if err != nil {
		return nil, fmt.Errorf("load hop credentials: %w", err)
	}
	s.creds = creds
	return s, nil
}

func (s *Service) emit(topic string, payload any) {
	if s.broker == nil {
		return
	}
	if _, err := s.broker.Publish(topic, payload); err != nil {
		s.logger.Debug().Err(err).Str("topic", topic).Msg("failed to emit hop event")
	}
}

// ---------------- Key management ----------------

// StorePrivateKey persists keyBytes and returns the generated key id.
func (s *Service) StorePrivateKey(keyBytes []byte) (string, error) {
	return s.store.storePrivateKey(keyBytes)
}

// ---------------- Credential CRUD ----------------

func (s *Service) ListCredentials() []types.HopCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.HopCredential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	return out
}

func (s *Service) GetCredential(id string) (types.HopCredential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	return c, ok
}

// CreateCredential adds a new credential, rejecting a colliding display
// name rather than silently overwriting it (Open Question decision,
// SPEC_FULL.md §7).
func (s *Service) CreateCredential(c types.HopCredential) (types.HopCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.creds {
		if existing.Name == c.Name {
			return types.HopCredential{}, fmt.Errorf("create credential %q: %w", c.Name, types.ErrCredentialNameCollision)
		}
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Auth == "" {
		c.Auth = types.HopAuthPassword
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.creds[c.ID] = c
	if err := s.store.save(s.creds); err != nil {
		return types.HopCredential{}, err
	}
	return c, nil
}

func (s *Service) UpdateCredential(id string, patch types.HopCredential) (types.HopCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.creds[id]
	if !ok {
		return types.HopCredential{}, fmt.Errorf("update credential %q: %w", id, types.ErrNotFound)
	}
	if patch.Name != "" {
		existing.Name = patch.Name
	}
	if patch.Host != "" {
		existing.Host = patch.Host
	}
	if patch.Username != "" {
		existing.Username = patch.Username
	}
	if patch.Auth != "" {
		existing.Auth = patch.Auth
	}
	if patch.DefaultPath != "" {
		existing.DefaultPath = patch.DefaultPath
	}
	if patch.Port != 0 {
		existing.Port = patch.Port
	}
	if patch.PrivateKeyID != "" {
		existing.PrivateKeyID = patch.PrivateKeyID
	}
	existing.UpdatedAt = time.Now()

	s.creds[id] = existing
	if err := s.store.save(s.creds); err != nil {
		return types.HopCredential{}, err
	}
	return existing, nil
}

func (s *Service) DeleteCredential(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return fmt.Errorf("delete credential %q: %w", id, types.ErrNotFound)
	}
	delete(s.creds, id)
	return s.store.save(s.creds)
}

// ---------------- Connect / Disconnect ----------------

// Connect dials credentialID over SSH, starts an SFTP subsystem, and
// switches the active context to it on success.
func (s *Service) Connect(ctx context.Context, credentialID, password, passphrase string) (*types.HopSession, error) {
	s.mu.Lock()
	cred, ok := s.creds[credentialID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("connect: %w", types.ErrNotFound)
	}
	contextID := cred.ID

	if cancel, ok := s.reconnectCancel[contextID]; ok {
		cancel()
		delete(s.reconnectCancel, contextID)
	}

	session := &types.HopSession{
		ContextID:      contextID,
		CredentialID:   cred.ID,
		CredentialName: cred.Name,
		Status:         types.HopConnecting,
		CWD:            cred.DefaultPath,
		Host:           cred.Host,
		Port:           cred.Port,
		Username:       cred.Username,
	}
	s.sessions[contextID] = session
	s.lastCreds[contextID] = lastCredential{credentialID: credentialID, password: password, passphrase: passphrase}
	s.mu.Unlock()

	s.closeConnection(contextID)
	s.emit("hop.connecting", map[string]string{"contextId": contextID, "host": cred.Host})

	clientCfg, err := s.sshClientConfig(cred, password, passphrase)
	if err != nil {
		return s.failSession(contextID, err)
	}

	safeUser := maskCredentialValue(cred.Username, 2, 2)
	s.logger.Info().Str("host", cred.Host).Int("port", cred.Port).Str("user", safeUser).Str("auth", string(cred.Auth)).
		Msg("connecting to hop target")

	addr := fmt.Sprintf("%s:%d", cred.Host, cred.Port)
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
	defer cancel()

	started := time.Now()
	client, err := dialSSHContext(dialCtx, addr, clientCfg)
	if err != nil {
		return s.failSession(contextID, fmt.Errorf("dial %s: %w", addr, err))
	}

	s.mu.Lock()
	s.conns[contextID] = client
	s.connStartedAt[contextID] = started
	s.mu.Unlock()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		s.logger.Warn().Err(err).Str("context", contextID).Msg("sftp subsystem failed to start")
	} else {
		s.mu.Lock()
		s.sftpClients[contextID] = sftpClient
		s.mu.Unlock()
	}

	if session.CWD == "" {
		probeCtx, probeCancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		session.CWD = probeRemoteCWD(probeCtx, client, sftpClient, s.cfg.OperationTimeout)
		probeCancel()
	}

	s.mu.Lock()
	session.Status = types.HopConnected
	session.ReconnectAttempt = 0
	session.ConnectionQuality = types.QualityGood
	session.LastError = ""
	s.activeContextID = contextID
	s.mu.Unlock()

	s.logger.Info().Str("host", cred.Host).Dur("elapsed", time.Since(started)).Str("context", contextID).
		Msg("hop connection established")
	s.emit("hop.connected", map[string]string{"contextId": contextID})

	return session, nil
}

func (s *Service) failSession(contextID string, cause error) (*types.HopSession, error) {
	sanitized := sanitizeLogMessage(cause.Error())
	s.logger.Error().Str("context", contextID).Msg("hop connect failed: " + sanitized)

	s.mu.Lock()
	session := s.sessions[contextID]
	session.Status = types.HopError
	session.LastError = userFriendlyError(sanitized)
	s.mu.Unlock()

	s.closeConnection(contextID)
	s.emit("hop.error", map[string]string{"contextId": contextID, "error": session.LastError})
	return session, nil
}

func userFriendlyError(sanitizedErr string) string {
	switch {
	case containsAny(sanitizedErr, "permission denied", "authentication failed", "unable to authenticate"):
		return "Authentication failed. Please check your username, password, or private key."
	case containsAny(sanitizedErr, "connection refused"):
		return "Connection refused. The SSH server may not be running or the port is incorrect."
	case containsAny(sanitizedErr, "no route to host", "network unreachable"):
		return "Network unreachable. Please check the hostname and your network connection."
	case containsAny(sanitizedErr, "timeout", "timed out", "deadline exceeded"):
		return "Connection timed out. The server may be down or unreachable."
	case containsAny(sanitizedErr, "host key"):
		return "Host key verification failed. The server's identity has changed (possible security risk)."
	default:
		return sanitizedErr
	}
}

func containsAny(haystack string, needles ...string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// Disconnect tears down a context's connection and forgets its session.
// The local context can never be disconnected.
func (s *Service) Disconnect(contextID string) (*types.HopSession, error) {
	s.mu.Lock()
	if contextID == "" {
		contextID = s.activeContextID
	}
	if contextID == types.LocalContextID {
		s.mu.Unlock()
		return nil, fmt.Errorf("disconnect local context: %w", types.ErrLocalContextImmutable)
	}
	if cancel, ok := s.reconnectCancel[contextID]; ok {
		cancel()
		delete(s.reconnectCancel, contextID)
	}
	s.mu.Unlock()

	s.closeConnection(contextID)

	s.mu.Lock()
	delete(s.sessions, contextID)
	delete(s.lastCreds, contextID)
	if s.activeContextID == contextID {
		s.activeContextID = types.LocalContextID
	}
	active := s.sessions[s.activeContextID]
	s.mu.Unlock()

	s.emit("hop.disconnected", map[string]string{"contextId": contextID})
	return active, nil
}

func (s *Service) closeConnection(contextID string) {
	s.mu.Lock()
	sftpClient := s.sftpClients[contextID]
	conn := s.conns[contextID]
	delete(s.sftpClients, contextID)
	delete(s.conns, contextID)
	s.mu.Unlock()

	if sftpClient != nil {
		_ = sftpClient.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// ---------------- Reconnection ----------------

// AttemptReconnect retries Connect with exponential backoff, bounded by
// ReconnectMaxRetries, stopping early if ctx is cancelled (e.g. the caller
// disconnected in the meantime).
func (s *Service) AttemptReconnect(ctx context.Context, contextID string) bool {
	s.mu.Lock()
	last, ok := s.lastCreds[contextID]
	session := s.sessions[contextID]
	s.mu.Unlock()
	if !ok || session == nil {
		return false
	}

	reconnectCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.reconnectCancel[contextID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		if s.reconnectCancel[contextID] != nil {
			delete(s.reconnectCancel, contextID)
		}
		s.mu.Unlock()
	}()

	for attempt := session.ReconnectAttempt + 1; attempt <= s.cfg.ReconnectMaxRetries; attempt++ {
		s.mu.Lock()
		session.ReconnectAttempt = attempt
		session.Status = types.HopReconnecting
		s.mu.Unlock()

		wait := time.Duration(math.Min(math.Pow(s.cfg.ReconnectBackoffBase, float64(attempt)), 30)) * time.Second
		s.logger.Info().Int("attempt", attempt).Int("max", s.cfg.ReconnectMaxRetries).Dur("wait", wait).
			Str("context", contextID).Msg("reconnect attempt scheduled")

		select {
		case <-time.After(wait):
		case <-reconnectCtx.Done():
			return false
		}

		result, err := s.Connect(reconnectCtx, last.credentialID, last.password, last.passphrase)
		if err == nil && result.Status == types.HopConnected {
			s.logger.Info().Str("context", contextID).Int("attempt", attempt).Msg("reconnect succeeded")
			return true
		}
	}

	s.mu.Lock()
	session.Status = types.HopError
	session.LastError = fmt.Sprintf("Failed to reconnect after %d attempts", s.cfg.ReconnectMaxRetries)
	s.mu.Unlock()
	s.logger.Error().Str("context", contextID).Msg("reconnect exhausted retries")
	return false
}

// ---------------- Liveness monitor ----------------

// StartLivenessMonitor launches a background loop that probes every
// connected non-local session's health every interval and kicks off
// AttemptReconnect when a probe comes back poor, mirroring connmgr's
// pingLoop/pingAll (spec §4.F "connected --idle/ping fail--> reconnecting").
func (s *Service) StartLivenessMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.livenessCancel = cancel
	s.livenessWG.Add(1)
	go s.livenessLoop(runCtx, interval)
}

// StopLivenessMonitor cancels the liveness loop and waits for it to exit.
func (s *Service) StopLivenessMonitor() {
	if s.livenessCancel != nil {
		s.livenessCancel()
	}
	s.livenessWG.Wait()
}

func (s *Service) livenessLoop(ctx context.Context, interval time.Duration) {
	defer s.livenessWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness(ctx)
		}
	}
}

// checkLiveness probes every connected, non-local session via
// CheckConnectionHealth, updates its ConnectionQuality, and triggers an
// asynchronous AttemptReconnect the first time a probe reports poor
// quality (guarded against duplicate reconnect loops via reconnectCancel).
func (s *Service) checkLiveness(ctx context.Context) {
	s.mu.Lock()
	var contextIDs []string
	for id, session := range s.sessions {
		if id != types.LocalContextID && session.Status == types.HopConnected {
			contextIDs = append(contextIDs, id)
		}
	}
	s.mu.Unlock()

	for _, contextID := range contextIDs {
		quality := s.CheckConnectionHealth(ctx, contextID)

		s.mu.Lock()
		session, ok := s.sessions[contextID]
		if ok && session.Status == types.HopConnected {
			session.ConnectionQuality = quality
		}
		_, alreadyReconnecting := s.reconnectCancel[contextID]
		s.mu.Unlock()

		if ok && quality == types.QualityPoor && !alreadyReconnecting {
			s.logger.Warn().Str("context", contextID).Msg("liveness probe failed, attempting reconnect")
			go s.AttemptReconnect(context.Background(), contextID)
		}
	}
}

// ---------------- Ephemeral sessions ----------------

// EphemeralSFTP opens a short-lived SFTP client bound to the caller's own
// context/goroutine rather than the long-lived per-context one, avoiding
// reuse of a client across independent scheduler loops. Returns nil, nil
// for the local context.
func (s *Service) EphemeralSFTP(ctx context.Context, contextID string) (*sftp.Client, func(), error) {
	if contextID == "" {
		contextID = s.ActiveContextID()
	}
	if contextID == types.LocalContextID {
		return nil, func() {}, nil
	}

	s.mu.Lock()
	cred, ok := s.creds[contextID]
	last := s.lastCreds[contextID]
	s.mu.Unlock()
	if !ok {
		return nil, func() {}, nil
	}

	clientCfg, err := s.sshClientConfig(cred, last.password, last.passphrase)
	if err != nil {
		return nil, nil, err
	}

	addr := fmt.Sprintf("%s:%d", cred.Host, cred.Port)
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := dialSSHContext(dialCtx, addr, clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral sftp dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("ephemeral sftp start: %w", err)
	}

	cleanup := func() {
		_ = client.Close()
		_ = conn.Close()
	}
	return client, cleanup, nil
}

// EphemeralSSH mirrors EphemeralSFTP but hands back the raw SSH client,
// used by the remote terminal manager to open PTY sessions.
func (s *Service) EphemeralSSH(ctx context.Context, contextID string) (*ssh.Client, func(), error) {
	if contextID == "" {
		contextID = s.ActiveContextID()
	}
	if contextID == types.LocalContextID {
		return nil, func() {}, nil
	}

	s.mu.Lock()
	cred, ok := s.creds[contextID]
	last := s.lastCreds[contextID]
	s.mu.Unlock()
	if !ok {
		return nil, func() {}, nil
	}

	clientCfg, err := s.sshClientConfig(cred, last.password, last.passphrase)
	if err != nil {
		return nil, nil, err
	}

	addr := fmt.Sprintf("%s:%d", cred.Host, cred.Port)
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
	defer cancel()

	conn, err := dialSSHContext(dialCtx, addr, clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral ssh dial: %w", err)
	}
	return conn, func() { _ = conn.Close() }, nil
}

// ---------------- Status / health ----------------

func (s *Service) ActiveContextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeContextID
}

// Status returns the active session, normalizing a stale "connected"
// record with no live connection back to local (spec §7 Open Question:
// container restarts must not leave a misleading routing target).
func (s *Service) Status() *types.HopSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() *types.HopSession {
	session, ok := s.sessions[s.activeContextID]
	if !ok {
		s.activeContextID = types.LocalContextID
		session = s.sessions[types.LocalContextID]
	}

	if s.activeContextID != types.LocalContextID {
		_, hasConn := s.conns[s.activeContextID]
		_, everConnected := s.connStartedAt[s.activeContextID]
		if !hasConn && session.Status == types.HopConnected && !everConnected {
			session.Status = types.HopDisconnected
			s.activeContextID = types.LocalContextID
			session = s.sessions[types.LocalContextID]
		}
	}
	return session
}

func (s *Service) ListSessions() []types.HopSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.HopSession, 0, len(s.sessions))
	for id, session := range s.sessions {
		if id != types.LocalContextID && session.Status == types.HopConnected {
			_, hasConn := s.conns[id]
			_, everConnected := s.connStartedAt[id]
			if !hasConn && !everConnected {
				session.Status = types.HopDisconnected
			}
		}
		session.Active = id == s.activeContextID
		out = append(out, *session)
	}
	return out
}

// HopTo switches the active context to any known session; the session's
// status is not checked.
func (s *Service) HopTo(contextID string) (*types.HopSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[contextID]
	if !ok {
		return nil, fmt.Errorf("hop to %q: %w", contextID, types.ErrNotFound)
	}
	s.activeContextID = contextID
	return session, nil
}

// CheckConnectionHealth runs a lightweight remote command and buckets
// observed latency into a ConnectionQuality.
func (s *Service) CheckConnectionHealth(ctx context.Context, contextID string) types.ConnectionQuality {
	if contextID == "" {
		contextID = s.ActiveContextID()
	}
	s.mu.Lock()
	conn := s.conns[contextID]
	session := s.sessions[contextID]
	s.mu.Unlock()

	if conn == nil || session == nil || session.Status != types.HopConnected {
		return types.QualityUnknown
	}

	start := time.Now()
	sess, err := conn.NewSession()
	if err != nil {
		return types.QualityPoor
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run("echo ping") }()

	select {
	case err := <-done:
		latency := time.Since(start)
		if err != nil {
			return types.QualityPoor
		}
		if latency > time.Second {
			return types.QualityDegraded
		}
		return types.QualityGood
	case <-time.After(2 * time.Second):
		return types.QualityPoor
	case <-ctx.Done():
		return types.QualityPoor
	}
}

// GetConnection returns the live SSH client for a context, or nil for
// local / not connected — used by the remote terminal manager.
func (s *Service) GetConnection(contextID string) *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contextID == types.LocalContextID {
		return nil
	}
	return s.conns[contextID]
}

// GetSFTP returns the long-lived per-context SFTP client, or nil.
func (s *Service) GetSFTP(contextID string) *sftp.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contextID == types.LocalContextID {
		return nil
	}
	return s.sftpClients[contextID]
}
