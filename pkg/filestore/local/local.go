package local

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("local: not found")

type store struct {
	root  string
	debug bool
}

func New(root string, debug bool) (*store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("local: couldn't create root %q: %w", root, err)
	}
	return &store{root: root, debug: debug}, nil
}

func (s *store) Upload(ctx context.Context, name string, data []byte) error {
	dst := filepath.Join(s.root, name)

	// Write to a temporary file first so readers never see a partial file
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("local: couldn't write file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("local: couldn't rename file %q to %q: %w", tmp, dst, err)
	}
	if s.debug {
		log.Println("local: stored", dst, len(data))
	}
	return nil
}

func (s *store) Download(ctx context.Context, name string) ([]byte, error) {
	src := filepath.Join(s.root, name)
	b, err := os.ReadFile(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("local: couldn't read file %q: %w", src, err)
	}
	return b, nil
}

func (s *store) Delete(ctx context.Context, name string) error {
	path := filepath.Join(s.root, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("local: couldn't delete file %q: %w", path, err)
	}
	if s.debug {
		log.Println("local: deleted", path)
	}
	return nil
}
