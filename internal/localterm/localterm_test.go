package localterm

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/icotes/fabric/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(zerolog.Nop(), nil, time.Minute)
}

func TestCreateAppliesDefaultsWhenMissing(t *testing.T) {
	svc := newTestService(t)
	id := svc.Create(types.TerminalConfig{})
	require.NotEmpty(t, id)

	sess, err := svc.get(id)
	require.NoError(t, err)
	require.Equal(t, types.TerminalCreated, sess.state)
	require.Equal(t, 80, sess.config.Cols)
	require.Equal(t, 24, sess.config.Rows)
	require.NotEmpty(t, sess.config.Shell)
}

func TestStartUnknownSessionFails(t *testing.T) {
	svc := newTestService(t)
	err := svc.Start("does-not-exist")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestWriteBeforeStartFails(t *testing.T) {
	svc := newTestService(t)
	id := svc.Create(types.TerminalConfig{})
	err := svc.Write(id, []byte("echo hi\n"))
	require.ErrorIs(t, err, types.ErrNotRunning)
}

func TestResizeUnknownSessionFails(t *testing.T) {
	svc := newTestService(t)
	err := svc.Resize("does-not-exist", 80, 24)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestDestroyUnknownSessionFails(t *testing.T) {
	svc := newTestService(t)
	err := svc.Destroy("does-not-exist")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestDestroyRemovesCreatedSession(t *testing.T) {
	svc := newTestService(t)
	id := svc.Create(types.TerminalConfig{})
	require.NoError(t, svc.Destroy(id))

	_, err := svc.get(id)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestBuildEnvIncludesTerminalDefaults(t *testing.T) {
	cfg := types.TerminalConfig{Shell: "/bin/bash", Term: "xterm-256color", Env: map[string]string{"FOO": "bar"}}
	env := buildEnv(cfg)

	has := func(kv string) bool {
		for _, e := range env {
			if e == kv {
				return true
			}
		}
		return false
	}
	require.True(t, has("TERM=xterm-256color"))
	require.True(t, has("SHELL=/bin/bash"))
	require.True(t, has("FOO=bar"))
}

func TestReapIdleDestroysStoppedSessions(t *testing.T) {
	svc := newTestService(t)
	id := svc.Create(types.TerminalConfig{})

	sess, err := svc.get(id)
	require.NoError(t, err)
	sess.mu.Lock()
	sess.state = types.TerminalStopped
	sess.mu.Unlock()

	svc.reapIdle()

	_, err = svc.get(id)
	require.ErrorIs(t, err, types.ErrNotFound)
}
