package remoteterm

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/icotes/fabric/internal/types"
)

type fakeHop struct {
	status *types.HopSession
}

func (f *fakeHop) EphemeralSSH(ctx context.Context, contextID string) (*ssh.Client, func(), error) {
	return nil, func() {}, nil
}

func (f *fakeHop) Status() *types.HopSession { return f.status }

func TestConnectRejectsWhenNotConnectedToContext(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: types.LocalContextID, Status: types.HopConnected}}
	mgr := New(hop, zerolog.Nop(), nil)

	var out bytes.Buffer
	_, _, _, err := mgr.Connect(context.Background(), "remote-1", "term-1", &out)
	require.ErrorIs(t, err, types.ErrNotRunning)
}

func TestConnectFailsWithoutLiveClient(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: "remote-1", Status: types.HopConnected, CWD: "/srv"}}
	mgr := New(hop, zerolog.Nop(), nil)

	var out bytes.Buffer
	_, _, _, err := mgr.Connect(context.Background(), "remote-1", "term-1", &out)
	require.Error(t, err)
	require.Equal(t, 0, mgr.SessionCount())
}

func TestShellCommandWrapsWithCWD(t *testing.T) {
	require.Equal(t, "bash -il", shellCommand("/"))
	require.Equal(t, "bash -il", shellCommand(""))
	require.Equal(t, `cd "/srv/app" 2>/dev/null; exec bash -il`, shellCommand("/srv/app"))
}

func TestDisconnectUnknownSessionIsNoop(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: types.LocalContextID, Status: types.HopConnected}}
	mgr := New(hop, zerolog.Nop(), nil)
	mgr.Disconnect("does-not-exist")
	require.Equal(t, 0, mgr.SessionCount())
}

func TestShutdownAllOnEmptyManager(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: types.LocalContextID, Status: types.HopConnected}}
	mgr := New(hop, zerolog.Nop(), nil)
	require.Equal(t, 0, mgr.ShutdownAll("test"))
}
