package localfs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	root := t.TempDir()
	return New(root, zerolog.Nop(), nil)
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "dir/file.txt", []byte("hello")))
	data, err := fs.Read(ctx, "dir/file.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestPathTraversalRejected(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	_, err := fs.Read(ctx, "../../etc/passwd")
	require.Error(t, err)

	_, err = fs.Read(ctx, "a/../../b")
	require.Error(t, err)
}

func TestListRecursiveSkipsHiddenByDefault(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "visible.txt", []byte("x")))
	require.NoError(t, fs.Write(ctx, ".hidden", []byte("x")))
	require.NoError(t, fs.CreateDirectory(ctx, "sub"))
	require.NoError(t, fs.Write(ctx, "sub/nested.txt", []byte("x")))

	entries, err := fs.List(ctx, "", true, false)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	require.True(t, names["visible.txt"])
	require.True(t, names["nested.txt"])
	require.False(t, names[".hidden"])
}

func TestMoveAndCopy(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "a.txt", []byte("data")))
	require.NoError(t, fs.Copy(ctx, "a.txt", "b.txt"))
	data, err := fs.Read(ctx, "b.txt")
	require.NoError(t, err)
	require.Equal(t, "data", string(data))

	require.NoError(t, fs.Move(ctx, "a.txt", "c.txt", false))
	_, err = fs.Read(ctx, "a.txt")
	require.Error(t, err)
	data, err = fs.Read(ctx, "c.txt")
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}

func TestSearchMatchesGlobOnName(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "one.go", []byte("x")))
	require.NoError(t, fs.Write(ctx, "two.txt", []byte("x")))

	results, err := fs.Search(ctx, "", "*.go")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "one.go", results[0].Name)
}

func TestStreamFileReturnsReadCloser(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "s.txt", []byte("streamed")))

	rc, err := fs.StreamFile(ctx, "s.txt")
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, 8)
	n, err := rc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "streamed", string(buf[:n]))
}

func TestGetFileInfoAbsolutePathWithinRoot(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "x.txt", []byte("y")))

	abs := filepath.Join(fs.Root, "x.txt")
	info, err := fs.GetFileInfo(ctx, abs)
	require.NoError(t, err)
	require.Equal(t, "x.txt", info.Name)
	require.False(t, info.IsDir)
}
