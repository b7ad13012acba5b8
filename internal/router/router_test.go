package router

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/icotes/fabric/internal/localfs"
	"github.com/icotes/fabric/internal/localterm"
	"github.com/icotes/fabric/internal/remotefs"
	"github.com/icotes/fabric/internal/types"
)

type fakeHop struct {
	status   *types.HopSession
	sessions []types.HopSession
	active   string
}

func (f *fakeHop) Status() *types.HopSession     { return f.status }
func (f *fakeHop) ListSessions() []types.HopSession { return f.sessions }
func (f *fakeHop) ActiveContextID() string       { return f.active }
func (f *fakeHop) EphemeralSFTP(ctx context.Context, contextID string) (*sftp.Client, func(), error) {
	return nil, func() {}, nil
}
func (f *fakeHop) EphemeralSSH(ctx context.Context, contextID string) (*ssh.Client, func(), error) {
	return nil, func() {}, nil
}

func newTestRouter(t *testing.T, hop *fakeHop) *Router {
	t.Helper()
	lt := localterm.New(zerolog.Nop(), nil, time.Minute)
	return New(hop, zerolog.Nop(), nil, t.TempDir(), lt)
}

func TestGetFileSystemReturnsLocalByDefault(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: types.LocalContextID, Status: types.HopConnected}, active: types.LocalContextID}
	r := newTestRouter(t, hop)

	fs := r.GetFileSystem()
	_, ok := fs.(*localfs.FS)
	require.True(t, ok)
}

func TestGetFileSystemReturnsRemoteWhenConnected(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: "remote-1", Status: types.HopConnected}, active: "remote-1"}
	r := newTestRouter(t, hop)

	fs := r.GetFileSystem()
	_, ok := fs.(*remotefs.FS)
	require.True(t, ok)
}

func TestGetFileSystemFallsBackWhenNotConnected(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: "remote-1", Status: types.HopReconnecting}, active: "remote-1"}
	r := newTestRouter(t, hop)

	fs := r.GetFileSystem()
	_, ok := fs.(*localfs.FS)
	require.True(t, ok)
}

func TestGetTerminalReturnsLocalForLocalContext(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: types.LocalContextID, Status: types.HopConnected}, active: types.LocalContextID}
	r := newTestRouter(t, hop)

	local, remote, cid := r.GetTerminal()
	require.NotNil(t, local)
	require.Nil(t, remote)
	require.Equal(t, types.LocalContextID, cid)
}

func TestGetTerminalReturnsRemoteForConnectedHop(t *testing.T) {
	hop := &fakeHop{status: &types.HopSession{ContextID: "remote-1", Status: types.HopConnected}, active: "remote-1"}
	r := newTestRouter(t, hop)

	local, remote, cid := r.GetTerminal()
	require.Nil(t, local)
	require.NotNil(t, remote)
	require.Equal(t, "remote-1", cid)
}

func TestParseNamespacedPathPlainRelative(t *testing.T) {
	hop := &fakeHop{active: types.LocalContextID}
	r := newTestRouter(t, hop)

	cid, abs, err := r.ParseNamespacedPath("project/file.go")
	require.NoError(t, err)
	require.Equal(t, types.LocalContextID, cid)
	require.Equal(t, "/project/file.go", abs)
}

func TestParseNamespacedPathWithNamespace(t *testing.T) {
	hop := &fakeHop{
		active:   types.LocalContextID,
		sessions: []types.HopSession{{ContextID: "remote-1", CredentialName: "hop1"}},
	}
	r := newTestRouter(t, hop)

	cid, abs, err := r.ParseNamespacedPath("hop1:/srv/app")
	require.NoError(t, err)
	require.Equal(t, "remote-1", cid)
	require.Equal(t, "/srv/app", abs)
}

func TestParseNamespacedPathUnknownNamespaceErrors(t *testing.T) {
	hop := &fakeHop{active: types.LocalContextID}
	r := newTestRouter(t, hop)

	_, _, err := r.ParseNamespacedPath("ghost:/tmp")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestParseNamespacedPathTreatsWindowsDriveAsPlainPath(t *testing.T) {
	hop := &fakeHop{active: types.LocalContextID}
	r := newTestRouter(t, hop)

	cid, abs, err := r.ParseNamespacedPath("C:/Users/dev/project")
	require.NoError(t, err)
	require.Equal(t, types.LocalContextID, cid)
	require.Equal(t, "C:/Users/dev/project", abs)
}

func TestFriendlyNamespaceForKnownSession(t *testing.T) {
	hop := &fakeHop{sessions: []types.HopSession{{ContextID: "remote-1", CredentialName: "hop1"}}}
	r := newTestRouter(t, hop)

	require.Equal(t, "hop1", r.FriendlyNamespace("remote-1"))
	require.Equal(t, types.LocalContextID, r.FriendlyNamespace(types.LocalContextID))
	require.Equal(t, "unknown-ctx", r.FriendlyNamespace("unknown-ctx"))
}
