package fs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const readChunk = 32 * 1024

// RootFS implements FileSystem on top of os.Root. Every open is resolved by
// the kernel relative to the root directory, so symlinks or ".." components
// cannot reach outside it even if the tree changes after a path was checked.
type RootFS struct {
	root string
}

// NewRootFS creates a RootFS confined to the given directory.
func NewRootFS(root string) *RootFS {
	return &RootFS{root: root}
}

func rel(path string) string {
	if path == "" {
		return "."
	}
	return filepath.FromSlash(path)
}

// ReadFile reads the whole regular file at path relative to the root. A
// positive limit caps the number of bytes read; larger files fail with
// ErrTooLarge. The context is checked between chunks.
func (r *RootFS) ReadFile(ctx context.Context, path string, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(r.root)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(rel(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotRegular
	}
	if limit > 0 && info.Size() > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}

	var src io.Reader = f
	if limit > 0 {
		// one extra byte detects growth after Stat
		src = io.LimitReader(f, limit+1)
	}

	var buf bytes.Buffer
	if info.Size() > 0 {
		buf.Grow(int(info.Size()))
	}
	chunk := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := src.Read(chunk)
		buf.Write(chunk[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if limit > 0 && int64(buf.Len()) > limit {
		return nil, ErrTooLarge
	}
	if buf.Len() == 0 {
		return []byte{}, nil
	}
	return buf.Bytes(), nil
}
