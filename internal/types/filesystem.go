package types

import (
	"context"
	"io"
	"time"
)

// FileInfo describes one filesystem entry, local or remote.
type FileInfo struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	IsDir      bool      `json:"isDir"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Mode       string    `json:"mode,omitempty"`
	Remote     bool      `json:"remote"`
}

// FileSystem is the contract §4.H (remote/SFTP) and its local sibling both
// implement, and the one the Context Router (§4.G) hands back to callers.
type FileSystem interface {
	List(ctx context.Context, path string, recursive, includeHidden bool) ([]FileInfo, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	CreateDirectory(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	Move(ctx context.Context, src, dst string, overwrite bool) error
	Copy(ctx context.Context, src, dst string) error
	GetFileInfo(ctx context.Context, path string) (FileInfo, error)
	Search(ctx context.Context, root, pattern string) ([]FileInfo, error)
	StreamFile(ctx context.Context, path string) (io.ReadCloser, error)
}
