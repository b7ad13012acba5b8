package remotefs

import (
	"context"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/icotes/fabric/internal/types"
)

type fakeHop struct {
	cwd string
}

func (f *fakeHop) EphemeralSFTP(ctx context.Context, contextID string) (*sftp.Client, func(), error) {
	return nil, func() {}, nil
}

func (f *fakeHop) ActiveContextID() string { return "remote-1" }

func (f *fakeHop) Status() *types.HopSession {
	return &types.HopSession{ContextID: "remote-1", Status: types.HopConnected, CWD: f.cwd}
}

func TestResolveRelativePathUsesSessionCWD(t *testing.T) {
	fs := New("remote-1", &fakeHop{cwd: "/home/deploy"}, zerolog.Nop(), nil)
	require.Equal(t, "/home/deploy/project", fs.resolve("project"))
}

func TestResolveAbsolutePathIsUsedAsIs(t *testing.T) {
	fs := New("remote-1", &fakeHop{cwd: "/home/deploy"}, zerolog.Nop(), nil)
	require.Equal(t, "/etc/hosts", fs.resolve("/etc/hosts"))
}

func TestResolveEmptyPathReturnsCWD(t *testing.T) {
	fs := New("remote-1", &fakeHop{cwd: "/srv"}, zerolog.Nop(), nil)
	require.Equal(t, "/srv", fs.resolve(""))
}

func TestResolveFallsBackToRootWithoutCWD(t *testing.T) {
	fs := New("remote-1", &fakeHop{cwd: ""}, zerolog.Nop(), nil)
	require.Equal(t, "/", fs.resolve(""))
}

func TestReadWithoutActiveSessionFails(t *testing.T) {
	fs := New("remote-1", &fakeHop{cwd: "/"}, zerolog.Nop(), nil)
	_, err := fs.Read(context.Background(), "a.txt")
	require.Error(t, err)
}
