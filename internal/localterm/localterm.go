// Package localterm manages local PTY-backed terminal sessions (spec
// §4.J), one OS shell process per session. Grounded on terminal_service.py,
// rebuilt around github.com/creack/pty in place of the raw pty/termios/
// fcntl syscalls the Python service shells out to.
package localterm

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

// session is one running (or exited) local terminal.
type session struct {
	id      string
	state   types.TerminalState
	config  types.TerminalConfig
	cmd     *exec.Cmd
	pty     *os.File
	lastUse time.Time

	mu sync.Mutex
}

// Service owns every local terminal session for this process.
type Service struct {
	logger zerolog.Logger
	broker *broker.Broker

	mu          sync.Mutex
	sessions    map[string]*session
	idleTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(logger zerolog.Logger, b *broker.Broker, idleTimeout time.Duration) *Service {
	return &Service{
		logger:      logger.With().Str("component", "localterm").Logger(),
		broker:      b,
		sessions:    make(map[string]*session),
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
	}
}

// StartReaper launches the background idle-session reaper (mirrors
// terminal_service.py's _cleanup_sessions_task).
func (s *Service) StartReaper() {
	s.wg.Add(1)
	go s.cleanupLoop()
}

// StopReaper halts the reaper and destroys every remaining session.
func (s *Service) StopReaper() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Destroy(id)
	}
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Service) reapIdle() {
	if s.idleTimeout <= 0 {
		return
	}
	now := time.Now()
	s.mu.Lock()
	var stale []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastUse)
		state := sess.state
		sess.mu.Unlock()
		if state == types.TerminalStopped || state == types.TerminalError || idle > s.idleTimeout {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.logger.Info().Str("session", id).Msg("reaping idle terminal session")
		_ = s.Destroy(id)
	}
}

func defaultConfig() types.TerminalConfig {
	home, _ := os.UserHomeDir()
	return types.TerminalConfig{Shell: "/bin/bash", Term: "xterm-256color", Cols: 80, Rows: 24, CWD: home}
}

// Create registers a new, not-yet-started session and returns its id.
func (s *Service) Create(cfg types.TerminalConfig) string {
	if cfg.Shell == "" || cfg.Cols == 0 || cfg.Rows == 0 {
		def := defaultConfig()
		if cfg.Shell == "" {
			cfg.Shell = def.Shell
		}
		if cfg.Term == "" {
			cfg.Term = def.Term
		}
		if cfg.Cols == 0 {
			cfg.Cols = def.Cols
		}
		if cfg.Rows == 0 {
			cfg.Rows = def.Rows
		}
		if cfg.CWD == "" {
			cfg.CWD = def.CWD
		}
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{id: id, state: types.TerminalCreated, config: cfg, lastUse: time.Now()}
	s.mu.Unlock()
	return id
}

// Start spawns the shell process attached to a new PTY for an already
// created session.
func (s *Service) Start(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("start terminal %q: %w", id, types.ErrNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != types.TerminalCreated {
		return fmt.Errorf("start terminal %q: session is %s, not created", id, sess.state)
	}
	sess.state = types.TerminalStarting

	shellPath, err := exec.LookPath(sess.config.Shell)
	if err != nil {
		shellPath = sess.config.Shell
	}

	cmd := exec.Command(shellPath, "-il")
	cmd.Dir = sess.config.CWD
	cmd.Env = buildEnv(sess.config)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(sess.config.Rows), Cols: uint16(sess.config.Cols)})
	if err != nil {
		sess.state = types.TerminalError
		s.emit("terminal.session_error", map[string]any{"sessionId": id, "error": err.Error()})
		return fmt.Errorf("start terminal %q: %w", id, err)
	}

	sess.cmd = cmd
	sess.pty = ptmx
	sess.state = types.TerminalRunning
	sess.lastUse = time.Now()

	s.emit("terminal.session_started", map[string]any{"sessionId": id, "pid": cmd.Process.Pid, "shell": shellPath})
	s.logger.Info().Str("session", id).Int("pid", cmd.Process.Pid).Msg("local terminal started")
	return nil
}

func buildEnv(cfg types.TerminalConfig) []string {
	env := os.Environ()
	extra := map[string]string{
		"TERM":    cfg.Term,
		"SHELL":   cfg.Shell,
		"LANG":    "C.UTF-8",
		"LC_ALL":  "C.UTF-8",
		"USER":    currentUsername(),
		"LOGNAME": currentUsername(),
	}
	for k, v := range cfg.Env {
		extra[k] = v
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "app"
}

// Write sends raw input bytes to the session's PTY.
func (s *Service) Write(id string, data []byte) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != types.TerminalRunning || sess.pty == nil {
		return fmt.Errorf("write to terminal %q: %w", id, types.ErrNotRunning)
	}
	sess.lastUse = time.Now()
	_, err = sess.pty.Write(data)
	return err
}

// Read reads a chunk of output from the session's PTY. Callers loop this
// on their own goroutine; Read blocks until data arrives, an error
// occurs, or the process exits.
func (s *Service) Read(id string, buf []byte) (int, error) {
	sess, err := s.get(id)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	f := sess.pty
	sess.mu.Unlock()
	if f == nil {
		return 0, fmt.Errorf("read terminal %q: %w", id, types.ErrNotRunning)
	}
	n, err := f.Read(buf)
	if n > 0 {
		sess.mu.Lock()
		sess.lastUse = time.Now()
		sess.mu.Unlock()
	}
	return n, err
}

// Resize updates the PTY window size for a running session.
func (s *Service) Resize(id string, cols, rows int) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.pty == nil {
		return fmt.Errorf("resize terminal %q: %w", id, types.ErrNotRunning)
	}
	if err := pty.Setsize(sess.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("resize terminal %q: %w", id, err)
	}
	sess.config.Cols, sess.config.Rows = cols, rows
	s.emit("terminal.session_resized", map[string]any{"sessionId": id, "cols": cols, "rows": rows})
	return nil
}

// Stop terminates the shell process and closes the PTY, but keeps the
// session record (in TerminalStopped state) until Destroy is called.
func (s *Service) Stop(id string) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.pty != nil {
		_ = sess.pty.Close()
		sess.pty = nil
	}
	if sess.cmd != nil && sess.cmd.Process != nil {
		pgid, err := syscall.Getpgid(sess.cmd.Process.Pid)
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		}
		done := make(chan struct{})
		go func() { _ = sess.cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			}
			<-done
		}
	}
	sess.state = types.TerminalStopped
	return nil
}

// Destroy stops (if needed) and forgets a session entirely.
func (s *Service) Destroy(id string) error {
	_ = s.Stop(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("destroy terminal %q: %w", id, types.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}

// Count returns the number of tracked sessions, running or not yet
// reaped, for metrics sampling.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) get(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("terminal %q: %w", id, types.ErrNotFound)
	}
	return sess, nil
}

func (s *Service) emit(topic string, payload any) {
	if s.broker == nil {
		return
	}
	if _, err := s.broker.Publish(topic, payload); err != nil {
		s.logger.Debug().Err(err).Str("topic", topic).Msg("failed to emit terminal event")
	}
}
