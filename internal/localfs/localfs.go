// Package localfs implements the local-machine side of the filesystem
// contract (spec §1: out-of-core collaborator the Context Router falls
// back to when no hop is active; grounded on the local-path branch of
// filesystem_service.py).
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/icotes/fabric/internal/broker"
	"github.com/icotes/fabric/internal/types"
)

// FS implements types.FileSystem against the local OS filesystem, rooted
// at Root so callers cannot escape the workspace.
type FS struct {
	Root   string
	logger zerolog.Logger
	broker *broker.Broker
}

func New(root string, logger zerolog.Logger, b *broker.Broker) *FS {
	return &FS{Root: root, logger: logger.With().Str("component", "localfs").Logger(), broker: b}
}

var _ types.FileSystem = (*FS)(nil)

// resolve joins a possibly-relative path to Root and rejects traversal
// outside it (spec §8 property 10: path traversal guard).
func (f *FS) resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(f.Root, path))
	}
	rel, err := filepath.Rel(f.Root, abs)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, types.ErrPathTraversal)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("resolve %q: %w", path, types.ErrPathTraversal)
	}
	return abs, nil
}

func (f *FS) List(ctx context.Context, path string, recursive, includeHidden bool) ([]types.FileInfo, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}

	var out []types.FileInfo
	if !recursive {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", path, err)
		}
		for _, e := range entries {
			if !includeHidden && strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, toFileInfo(filepath.Join(abs, e.Name()), info))
		}
		return out, nil
	}

	stack := []string{abs}
	visited := map[string]bool{}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[dir] {
			continue
		}
		visited[dir] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !includeHidden && strings.HasPrefix(e.Name(), ".") {
				continue
			}
			full := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, toFileInfo(full, info))
			if e.IsDir() && e.Type()&os.ModeSymlink == 0 {
				stack = append(stack, full)
			}
		}
	}
	return out, nil
}

func toFileInfo(path string, info os.FileInfo) types.FileInfo {
	return types.FileInfo{
		Path:       path,
		Name:       info.Name(),
		Size:       info.Size(),
		IsDir:      info.IsDir(),
		ModifiedAt: info.ModTime(),
		Mode:       info.Mode().String(),
		Remote:     false,
	}
}

func (f *FS) Read(ctx context.Context, path string) ([]byte, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return data, nil
}

func (f *FS) Write(ctx context.Context, path string, data []byte) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("write %q: create parents: %w", path, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	f.emit("fs.file_written", map[string]string{"path": path})
	return nil
}

func (f *FS) CreateDirectory(ctx context.Context, path string) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", path, err)
	}
	f.emit("fs.directory_created", map[string]string{"path": path})
	return nil
}

func (f *FS) Delete(ctx context.Context, path string) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("delete %q: %w", path, err)
	}
	f.emit("fs.file_deleted", map[string]string{"path": path})
	return nil
}

func (f *FS) Move(ctx context.Context, src, dst string, overwrite bool) error {
	absSrc, err := f.resolve(src)
	if err != nil {
		return err
	}
	absDst, err := f.resolve(dst)
	if err != nil {
		return err
	}
	if overwrite {
		if _, err := os.Stat(absDst); err == nil {
			if err := os.RemoveAll(absDst); err != nil {
				return fmt.Errorf("move %q -> %q: clear destination: %w", src, dst, err)
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fmt.Errorf("move %q -> %q: create parents: %w", src, dst, err)
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return fmt.Errorf("move %q -> %q: %w", src, dst, err)
	}
	f.emit("fs.file_moved", map[string]string{"from": src, "to": dst})
	return nil
}

func (f *FS) Copy(ctx context.Context, src, dst string) error {
	absSrc, err := f.resolve(src)
	if err != nil {
		return err
	}
	absDst, err := f.resolve(dst)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(absSrc)
	if err != nil {
		return fmt.Errorf("copy %q -> %q: %w", src, dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fmt.Errorf("copy %q -> %q: create parents: %w", src, dst, err)
	}
	if err := os.WriteFile(absDst, data, 0o644); err != nil {
		return fmt.Errorf("copy %q -> %q: %w", src, dst, err)
	}
	return nil
}

func (f *FS) GetFileInfo(ctx context.Context, path string) (types.FileInfo, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return types.FileInfo{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return types.FileInfo{}, fmt.Errorf("stat %q: %w", path, err)
	}
	return toFileInfo(abs, info), nil
}

func (f *FS) Search(ctx context.Context, root, pattern string) ([]types.FileInfo, error) {
	entries, err := f.List(ctx, root, true, false)
	if err != nil {
		return nil, err
	}
	var out []types.FileInfo
	for _, e := range entries {
		matched, _ := filepath.Match(pattern, e.Name)
		if matched {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FS) StreamFile(ctx context.Context, path string) (io.ReadCloser, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", path, err)
	}
	return file, nil
}

func (f *FS) emit(topic string, payload any) {
	if f.broker == nil {
		return
	}
	if _, err := f.broker.Publish(topic, payload); err != nil {
		f.logger.Debug().Err(err).Str("topic", topic).Msg("failed to emit fs event")
	}
}
