// Package remoteterm bridges terminal sessions to a PTY on the far side
// of an active SSH hop, as an alternative to spawning a local shell
// (spec §4.I). Grounded on remote_terminal_manager.py, rebuilt around
// golang.org/x/crypto/ssh's session+PTY request in place of AsyncSSH's
// create_process.
package remoteterm

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

// sessionOpener is the subset of the hop service a remote terminal needs.
// Kept as an unexported interface (the same pattern internal/remotefs
// uses) so this package never imports internal/hop directly.
type sessionOpener interface {
	EphemeralSSH(ctx context.Context, contextID string) (*ssh.Client, func(), error)
	Status() *types.HopSession
}

type remoteSession struct {
	id      string
	client  *ssh.Client
	cleanup func()
	sshSess *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu     sync.Mutex
	closed bool
}

// Manager tracks every active remote PTY bridge. Unlike internal/hop
// (one process-wide service), one Manager is created per hop context
// since a remote terminal session only makes sense while that context's
// SSH connection is alive.
type Manager struct {
	hop    sessionOpener
	logger zerolog.Logger
	broker *broker.Broker

	mu       sync.Mutex
	sessions map[string]*remoteSession
}

func New(hop sessionOpener, logger zerolog.Logger, b *broker.Broker) *Manager {
	return &Manager{
		hop:      hop,
		logger:   logger.With().Str("component", "remoteterm").Logger(),
		broker:   b,
		sessions: make(map[string]*remoteSession),
	}
}

// Connect opens a remote shell over the active hop connection and wires
// it to the given writer for outbound (server -> client) bytes. The
// returned function feeds inbound (client -> server) bytes, and the
// cleanup function must be called when the caller is done.
func (m *Manager) Connect(ctx context.Context, contextID, terminalID string, out io.Writer) (write func([]byte) error, resize func(cols, rows int) error, cleanup func(), err error) {
	status := m.hop.Status()
	if status == nil || status.Status != types.HopConnected || status.ContextID != contextID {
		return nil, nil, nil, fmt.Errorf("connect remote terminal %q: %w", terminalID, types.ErrNotRunning)
	}

	client, hopCleanup, err := m.hop.EphemeralSSH(ctx, contextID)
	if err != nil || client == nil {
		if hopCleanup != nil {
			hopCleanup()
		}
		return nil, nil, nil, fmt.Errorf("connect remote terminal %q: %w", terminalID, err)
	}

	sshSess, err := client.NewSession()
	if err != nil {
		hopCleanup()
		return nil, nil, nil, fmt.Errorf("open remote session %q: %w", terminalID, err)
	}

	modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
	if err := sshSess.RequestPty("xterm-256color", 30, 120, modes); err != nil {
		sshSess.Close()
		hopCleanup()
		return nil, nil, nil, fmt.Errorf("request pty %q: %w", terminalID, err)
	}

	stdin, err := sshSess.StdinPipe()
	if err != nil {
		sshSess.Close()
		hopCleanup()
		return nil, nil, nil, fmt.Errorf("open remote stdin %q: %w", terminalID, err)
	}
	stdout, err := sshSess.StdoutPipe()
	if err != nil {
		sshSess.Close()
		hopCleanup()
		return nil, nil, nil, fmt.Errorf("open remote stdout %q: %w", terminalID, err)
	}

	cwd := status.CWD
	shell := shellCommand(cwd)
	if err := sshSess.Start(shell); err != nil {
		sshSess.Close()
		hopCleanup()
		return nil, nil, nil, fmt.Errorf("start remote shell %q: %w", terminalID, err)
	}

	rs := &remoteSession{id: terminalID, client: client, cleanup: hopCleanup, sshSess: sshSess, stdin: stdin, stdout: stdout}

	m.mu.Lock()
	m.sessions[terminalID] = rs
	m.mu.Unlock()

	go m.pumpStdout(rs, out)
	go m.watch(rs)

	m.emit("terminal.remote_session_started", map[string]any{"terminalId": terminalID, "contextId": contextID})
	m.logger.Info().Str("terminal", terminalID).Str("context", contextID).Msg("remote terminal started")

	write = func(p []byte) error {
		_, err := rs.stdin.Write(p)
		return err
	}
	resize = func(cols, rows int) error {
		return rs.sshSess.WindowChange(rows, cols)
	}
	cleanup = func() { m.Disconnect(terminalID) }
	return write, resize, cleanup, nil
}

func shellCommand(cwd string) string {
	shell := "bash -il"
	if cwd != "" && cwd != "/" {
		return fmt.Sprintf("cd %q 2>/dev/null; exec %s", cwd, shell)
	}
	return shell
}

func (m *Manager) pumpStdout(rs *remoteSession, out io.Writer) {
	buf := make([]byte, 8192)
	for {
		n, err := rs.stdout.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) watch(rs *remoteSession) {
	_ = rs.sshSess.Wait()
	m.logger.Info().Str("terminal", rs.id).Msg("remote terminal process exited")
	m.Disconnect(rs.id)
}

// Disconnect force-kills a single remote terminal session, the same way
// the original's disconnect_terminal does: cancel pumps, close, no
// graceful shutdown.
func (m *Manager) Disconnect(terminalID string) {
	m.mu.Lock()
	rs, ok := m.sessions[terminalID]
	if ok {
		delete(m.sessions, terminalID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return
	}
	rs.closed = true
	_ = rs.sshSess.Close()
	rs.cleanup()
	m.emit("terminal.remote_session_ended", map[string]any{"terminalId": terminalID})
}

// ShutdownAll force-disconnects every tracked remote terminal. Used when
// a hop context disconnects, so no lingering remote PTY keeps the SSH
// connection alive.
func (m *Manager) ShutdownAll(reason string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
	m.logger.Info().Int("count", len(ids)).Str("reason", reason).Msg("shut down all remote terminals")
	return len(ids)
}

// SessionCount reports how many remote terminal sessions are tracked.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) emit(topic string, payload any) {
	if m.broker == nil {
		return
	}
	if _, err := m.broker.Publish(topic, payload); err != nil {
		m.logger.Debug().Err(err).Str("topic", topic).Msg("failed to emit remote terminal event")
	}
}
