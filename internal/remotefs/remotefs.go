// Package remotefs implements the SFTP-backed sibling of internal/localfs
// (spec §4.H): a types.FileSystem that operates against whatever remote
// host the active hop session is connected to, using an ephemeral SFTP
// client per call to avoid sharing client state across goroutines.
// Grounded on remote_fs_adapter.py.
package remotefs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

// sessionOpener is the subset of *hop.Service remotefs needs — an
// interface so tests don't have to dial a real SSH server.
type sessionOpener interface {
	EphemeralSFTP(ctx context.Context, contextID string) (*sftp.Client, func(), error)
	ActiveContextID() string
	Status() *types.HopSession
}

// FS is the remote filesystem adapter bound to a single hop context.
type FS struct {
	contextID string
	hop       sessionOpener
	logger    zerolog.Logger
	broker    *broker.Broker
}

func New(contextID string, hop sessionOpener, logger zerolog.Logger, b *broker.Broker) *FS {
	return &FS{contextID: contextID, hop: hop, logger: logger.With().Str("component", "remotefs").Logger(), broker: b}
}

var _ types.FileSystem = (*FS)(nil)

// resolve mirrors remote_fs_adapter.py's _resolve: absolute paths are used
// as-is, relative paths resolve against the active hop session's cwd.
func (f *FS) resolve(p string) string {
	if p == "" {
		return f.cwd()
	}
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Clean(path.Join(f.cwd(), p))
}

func (f *FS) cwd() string {
	session := f.hop.Status()
	if session != nil && session.CWD != "" {
		return session.CWD
	}
	return "/"
}

func (f *FS) withClient(ctx context.Context, fn func(*sftp.Client) error) error {
	client, cleanup, err := f.hop.EphemeralSFTP(ctx, f.contextID)
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	if client == nil {
		return fmt.Errorf("no active sftp session for context %q", f.contextID)
	}
	return fn(client)
}

func (f *FS) emit(topic string, payload any) {
	if f.broker == nil {
		return
	}
	if _, err := f.broker.Publish(topic, payload); err != nil {
		f.logger.Debug().Err(err).Str("topic", topic).Msg("failed to emit remote fs event")
	}
}

func (f *FS) List(ctx context.Context, dir string, recursive, includeHidden bool) ([]types.FileInfo, error) {
	resolved := f.resolve(dir)
	var out []types.FileInfo

	err := f.withClient(ctx, func(c *sftp.Client) error {
		if !recursive {
			entries, err := c.ReadDir(resolved)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if isDotEntry(e.Name()) || (!includeHidden && strings.HasPrefix(e.Name(), ".")) {
					continue
				}
				out = append(out, toFileInfo(path.Join(resolved, e.Name()), e))
			}
			return nil
		}

		stack := []string{resolved}
		visited := map[string]bool{}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[cur] {
				continue
			}
			visited[cur] = true

			entries, err := c.ReadDir(cur)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if isDotEntry(e.Name()) || (!includeHidden && strings.HasPrefix(e.Name(), ".")) {
					continue
				}
				full := path.Join(cur, e.Name())
				out = append(out, toFileInfo(full, e))
				if e.IsDir() && e.Mode()&os.ModeSymlink == 0 {
					stack = append(stack, full)
				}
			}
		}
		return nil
	})
	return out, err
}

func isDotEntry(name string) bool { return name == "." || name == ".." }

func toFileInfo(fullPath string, fi os.FileInfo) types.FileInfo {
	return types.FileInfo{
		Path:       fullPath,
		Name:       fi.Name(),
		Size:       fi.Size(),
		IsDir:      fi.IsDir(),
		ModifiedAt: fi.ModTime(),
		Mode:       fi.Mode().String(),
		Remote:     true,
	}
}

func (f *FS) Read(ctx context.Context, p string) ([]byte, error) {
	resolved := f.resolve(p)
	var data []byte
	err := f.withClient(ctx, func(c *sftp.Client) error {
		file, err := c.Open(resolved)
		if err != nil {
			return err
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", p, err)
	}
	f.emit("fs.file_read", map[string]any{"path": resolved, "size": len(data)})
	return data, nil
}

func (f *FS) Write(ctx context.Context, p string, data []byte) error {
	resolved := f.resolve(p)
	err := f.withClient(ctx, func(c *sftp.Client) error {
		if err := f.mkdirAll(c, path.Dir(resolved)); err != nil {
			return err
		}
		file, err := c.Create(resolved)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = file.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %q: %w", p, err)
	}
	f.emit("fs.file_written", map[string]any{"path": resolved, "size": len(data)})
	return nil
}

func (f *FS) CreateDirectory(ctx context.Context, p string) error {
	resolved := f.resolve(p)
	err := f.withClient(ctx, func(c *sftp.Client) error { return f.mkdirAll(c, resolved) })
	if err != nil {
		return fmt.Errorf("mkdir %q: %w", p, err)
	}
	f.emit("fs.directory_created", map[string]any{"path": resolved})
	return nil
}

// mkdirAll walks up from path creating each missing segment, mirroring
// remote_fs_adapter.py's _mkdirs (sftp has no native MkdirAll).
func (f *FS) mkdirAll(c *sftp.Client, dir string) error {
	if dir == "" || dir == "/" {
		return nil
	}
	var parts []string
	for p := dir; p != "" && p != "/" && p != "."; p = path.Dir(p) {
		parts = append(parts, p)
	}
	for i := len(parts) - 1; i >= 0; i-- {
		_ = c.Mkdir(parts[i])
	}
	return nil
}

func (f *FS) Delete(ctx context.Context, p string) error {
	resolved := f.resolve(p)
	err := f.withClient(ctx, func(c *sftp.Client) error {
		info, err := c.Stat(resolved)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return f.removeTree(c, resolved)
		}
		return c.Remove(resolved)
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", p, err)
	}
	f.emit("fs.file_deleted", map[string]any{"path": resolved})
	return nil
}

func (f *FS) removeTree(c *sftp.Client, dir string) error {
	entries, err := c.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if isDotEntry(e.Name()) {
			continue
		}
		full := path.Join(dir, e.Name())
		if e.IsDir() {
			if err := f.removeTree(c, full); err != nil {
				return err
			}
		} else if err := c.Remove(full); err != nil {
			return err
		}
	}
	return c.RemoveDirectory(dir)
}

func (f *FS) Move(ctx context.Context, src, dst string, overwrite bool) error {
	resolvedSrc := f.resolve(src)
	resolvedDst := f.resolve(dst)
	err := f.withClient(ctx, func(c *sftp.Client) error {
		if overwrite {
			if info, err := c.Stat(resolvedDst); err == nil {
				if info.IsDir() {
					_ = f.removeTree(c, resolvedDst)
				} else {
					_ = c.Remove(resolvedDst)
				}
			}
		}
		return c.Rename(resolvedSrc, resolvedDst)
	})
	if err != nil {
		return fmt.Errorf("move %q -> %q: %w", src, dst, err)
	}
	f.emit("fs.file_moved", map[string]any{"from": resolvedSrc, "to": resolvedDst})
	return nil
}

func (f *FS) Copy(ctx context.Context, src, dst string) error {
	resolvedSrc := f.resolve(src)
	resolvedDst := f.resolve(dst)
	err := f.withClient(ctx, func(c *sftp.Client) error {
		info, err := c.Stat(resolvedSrc)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return f.copyTree(c, resolvedSrc, resolvedDst)
		}
		if err := f.mkdirAll(c, path.Dir(resolvedDst)); err != nil {
			return err
		}
		srcFile, err := c.Open(resolvedSrc)
		if err != nil {
			return err
		}
		defer srcFile.Close()
		dstFile, err := c.Create(resolvedDst)
		if err != nil {
			return err
		}
		defer dstFile.Close()
		_, err = io.Copy(dstFile, srcFile)
		return err
	})
	if err != nil {
		return fmt.Errorf("copy %q -> %q: %w", src, dst, err)
	}
	f.emit("fs.file_copied", map[string]any{"from": resolvedSrc, "to": resolvedDst})
	return nil
}

func (f *FS) copyTree(c *sftp.Client, src, dst string) error {
	if err := f.mkdirAll(c, dst); err != nil {
		return err
	}
	entries, err := c.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if isDotEntry(e.Name()) {
			continue
		}
		s := path.Join(src, e.Name())
		d := path.Join(dst, e.Name())
		if e.IsDir() {
			if err := f.copyTree(c, s, d); err != nil {
				return err
			}
			continue
		}
		srcFile, err := c.Open(s)
		if err != nil {
			return err
		}
		dstFile, err := c.Create(d)
		if err != nil {
			srcFile.Close()
			return err
		}
		_, err = io.Copy(dstFile, srcFile)
		srcFile.Close()
		dstFile.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *FS) GetFileInfo(ctx context.Context, p string) (types.FileInfo, error) {
	resolved := f.resolve(p)
	var info types.FileInfo
	err := f.withClient(ctx, func(c *sftp.Client) error {
		st, err := c.Stat(resolved)
		if err != nil {
			return err
		}
		info = toFileInfo(resolved, st)
		return nil
	})
	if err != nil {
		return types.FileInfo{}, fmt.Errorf("stat %q: %w", p, err)
	}
	return info, nil
}

// Search does a filename-only walk from root, matching remote_fs_adapter.py's
// search_files (no remote content search — scanning file contents over
// SFTP for every candidate is prohibitively slow on a WAN link).
func (f *FS) Search(ctx context.Context, root, pattern string) ([]types.FileInfo, error) {
	entries, err := f.List(ctx, root, true, false)
	if err != nil {
		return nil, err
	}
	var out []types.FileInfo
	for _, e := range entries {
		if matched, _ := path.Match(pattern, e.Name); matched {
			out = append(out, e)
		}
	}
	f.emit("fs.search_performed", map[string]any{"pattern": pattern, "results": len(out)})
	return out, nil
}

// streamChunkSize matches the 1 MiB chunking remote_fs_adapter.py uses for
// downloads, a sane tradeoff between memory use and round-trip count.
const streamChunkSize = 1024 * 1024

// StreamFile opens the remote file and returns a ReadCloser that streams
// in streamChunkSize reads, closing the owning SFTP session on Close.
func (f *FS) StreamFile(ctx context.Context, p string) (io.ReadCloser, error) {
	resolved := f.resolve(p)
	client, cleanup, err := f.hop.EphemeralSFTP(ctx, f.contextID)
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", p, err)
	}
	if client == nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("stream %q: no active sftp session", p)
	}
	file, err := client.Open(resolved)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("stream %q: %w", p, err)
	}
	return &remoteStream{file: file, reader: bufio.NewReaderSize(file, streamChunkSize), cleanup: cleanup}, nil
}

type remoteStream struct {
	file    *sftp.File
	reader  *bufio.Reader
	cleanup func()
}

func (r *remoteStream) Read(p []byte) (int, error) { return r.reader.Read(p) }

func (r *remoteStream) Close() error {
	err := r.file.Close()
	if r.cleanup != nil {
		r.cleanup()
	}
	return err
}
