package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FSBackend stores blobs under a root directory, sharded by digest prefix.
type FSBackend struct {
	root string
}

func NewFSBackend(root string) (*FSBackend, error) {
	if root == "" {
		return nil, errors.New("blob root directory must be set")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure blob root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) Name() string { return "fs" }

func (b *FSBackend) path(loc Locator) (string, error) {
	h, err := digestOf(loc)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, h[:2], h), nil
}

func (b *FSBackend) Put(_ context.Context, data []byte) (Locator, error) {
	loc := LocatorFor(data)
	dst, err := b.path(loc)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return loc, nil
}

func (b *FSBackend) Get(_ context.Context, loc Locator) ([]byte, error) {
	p, err := b.path(loc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (b *FSBackend) Delete(_ context.Context, loc Locator) error {
	p, err := b.path(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}
