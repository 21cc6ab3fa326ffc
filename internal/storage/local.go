package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalArchive writes zstd-compressed uploads under a directory.
type LocalArchive struct {
	dir string
}

func NewLocalArchive(dir string) (*LocalArchive, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &LocalArchive{dir: dir}, nil
}

func (a *LocalArchive) Put(ctx context.Context, fingerprint, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := objectKey(fingerprint, filename)
	target := filepath.Join(a.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create archive partition: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create archive temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(compress(data)); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write archive %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("publish archive %s: %w", key, err)
	}
	return key, nil
}

func (a *LocalArchive) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("%s: %w", key, ErrNotArchived)
	}

	raw, err := os.ReadFile(filepath.Join(a.dir, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotArchived)
		}
		return nil, fmt.Errorf("read archive %s: %w", key, err)
	}
	return decompress(raw)
}
