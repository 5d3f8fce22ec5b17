package memory

import (
	"context"
	"errors"
	"log"
	"sync"
)

var ErrNotFound = errors.New("memory: not found")

type store struct {
	lck   sync.RWMutex
	files map[string][]byte
	debug bool
}

func New(debug bool) *store {
	return &store{
		files: map[string][]byte{},
		debug: debug,
	}
}

func (s *store) Upload(ctx context.Context, name string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.lck.Lock()
	defer s.lck.Unlock()
	s.files[name] = cp
	if s.debug {
		log.Printf("memory: stored %s (%d bytes)\n", name, len(cp))
	}
	return nil
}

func (s *store) Download(ctx context.Context, name string) ([]byte, error) {
	s.lck.RLock()
	defer s.lck.RUnlock()
	b, ok := s.files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *store) Delete(ctx context.Context, name string) error {
	s.lck.Lock()
	defer s.lck.Unlock()
	delete(s.files, name)
	if s.debug {
		log.Printf("memory: deleted %s\n", name)
	}
	return nil
}
