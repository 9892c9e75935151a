// Package fs provides root-confined read access to the local filesystem.
package fs

import (
	"context"
	"errors"
)

var (
	// ErrTooLarge is returned when a file exceeds the configured read limit.
	ErrTooLarge = errors.New("file exceeds size limit")

	// ErrNotRegular is returned when the target is a directory, device or other non-regular file.
	ErrNotRegular = errors.New("not a regular file")
)

// FileSystem abstracts the read operations retrieval needs so that callers
// never open paths outside the directory the FileSystem is bound to.
type FileSystem interface {
	ReadFile(ctx context.Context, path string, limit int64) ([]byte, error)
}
