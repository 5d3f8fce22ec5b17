package filestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/igolaizola/txt2vid/pkg/filestore/local"
	"github.com/igolaizola/txt2vid/pkg/filestore/memory"
	"github.com/igolaizola/txt2vid/pkg/filestore/s3"
)

// ErrNotFound is returned when a file doesn't exist in the store.
var ErrNotFound = errors.New("filestore: not found")

type fs interface {
	Upload(ctx context.Context, name string, data []byte) error
	Download(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

type Store struct {
	fs fs
}

func (s *Store) SetMP4(ctx context.Context, id string, data []byte) error {
	return s.fs.Upload(ctx, MP4(id), data)
}

func (s *Store) GetMP4(ctx context.Context, id string) ([]byte, error) {
	b, err := s.fs.Download(ctx, MP4(id))
	if errors.Is(err, memory.ErrNotFound) || errors.Is(err, local.ErrNotFound) || errors.Is(err, s3.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, MP4(id))
	}
	return b, err
}

func (s *Store) DeleteMP4(ctx context.Context, id string) error {
	return s.fs.Delete(ctx, MP4(id))
}

// New creates a file store.
//   - memory: conn is ignored
//   - local: conn is the root directory
//   - s3: conn is key:secret@bucket.region
func New(typ, conn string, debug bool) (*Store, error) {
	var fs fs
	switch typ {
	case "", "memory":
		fs = memory.New(debug)
	case "s3":
		split := strings.Split(conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 connection string %q", conn)
		}
		auth := strings.Split(split[0], ":")
		if len(auth) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 auth string %q", conn)
		}
		key := auth[0]
		secret := auth[1]
		loc := strings.Split(split[1], ".")
		if len(loc) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 location string %q", conn)
		}
		bucket := loc[0]
		region := loc[1]
		candidate, err := s3.New(key, secret, region, bucket, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "local":
		if conn == "" {
			return nil, fmt.Errorf("filestore: local root directory is empty")
		}
		candidate, err := local.New(conn, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	default:
		return nil, fmt.Errorf("filestore: unknown file storage type %q", typ)
	}
	return &Store{fs: fs}, nil
}

func MP4(id string) string {
	return id + ".mp4"
}
