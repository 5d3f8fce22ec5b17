package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/igolaizola/txt2vid/pkg/filestore"
	"github.com/oklog/ulid/v2"
)

// MediaType is the type every resource is served with.
const MediaType = "video/mp4"

var (
	ErrNotFound = errors.New("resource: not found")
	ErrReleased = errors.New("resource: released")
)

// Resource is a handle to a stored video that can be played and downloaded
// without fetching it again from the generation service.
type Resource struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// DownloadURL is the address that serves the resource as an attachment.
func (r *Resource) DownloadURL() string {
	return r.URL + "/download"
}

// Object is the readable content of a live resource.
type Object struct {
	*bytes.Reader
	Resource *Resource
}

type Store interface {
	SetMP4(ctx context.Context, id string, data []byte) error
	GetMP4(ctx context.Context, id string) ([]byte, error)
	DeleteMP4(ctx context.Context, id string) error
}

var _ Store = (*filestore.Store)(nil)

// Registry keeps track of live resources. A resource can be released only
// once and can't be opened after that.
type Registry struct {
	store  Store
	prefix string

	lck      sync.Mutex
	live     map[string]*Resource
	released map[string]struct{}
}

// New creates a registry. The prefix is the URL path under which resources
// are served.
func New(store Store, prefix string) *Registry {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	return &Registry{
		store:    store,
		prefix:   prefix,
		live:     map[string]*Resource{},
		released: map[string]struct{}{},
	}
}

// Create stores the payload and returns a live handle bound to it.
func (r *Registry) Create(ctx context.Context, data []byte) (*Resource, error) {
	if len(data) == 0 {
		return nil, errors.New("resource: empty payload")
	}
	id := ulid.Make().String()
	if err := r.store.SetMP4(ctx, id, data); err != nil {
		return nil, fmt.Errorf("resource: couldn't store %s: %w", id, err)
	}
	res := &Resource{
		ID:        id,
		URL:       fmt.Sprintf("%s/%s", r.prefix, id),
		MediaType: MediaType,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}

	// The handle is published only once its content is stored.
	r.lck.Lock()
	r.live[id] = res
	r.lck.Unlock()
	return res, nil
}

// Get returns the live handle with the given id.
func (r *Registry) Get(id string) (*Resource, error) {
	r.lck.Lock()
	defer r.lck.Unlock()
	if res, ok := r.live[id]; ok {
		return res, nil
	}
	if _, ok := r.released[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Open returns the content of a live resource.
func (r *Registry) Open(ctx context.Context, id string) (*Object, error) {
	res, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	data, err := r.store.GetMP4(ctx, id)
	if err != nil {
		// Released while reading
		if _, relErr := r.Get(id); errors.Is(relErr, ErrReleased) {
			return nil, relErr
		}
		return nil, fmt.Errorf("resource: couldn't read %s: %w", id, err)
	}
	return &Object{Reader: bytes.NewReader(data), Resource: res}, nil
}

// Release frees the stored content. Releasing the same handle twice returns
// ErrReleased.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.lck.Lock()
	if _, ok := r.released[id]; ok {
		r.lck.Unlock()
		return fmt.Errorf("%w: %s", ErrReleased, id)
	}
	if _, ok := r.live[id]; !ok {
		r.lck.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.live, id)
	r.released[id] = struct{}{}
	r.lck.Unlock()

	if err := r.store.DeleteMP4(ctx, id); err != nil {
		return fmt.Errorf("resource: couldn't delete %s: %w", id, err)
	}
	return nil
}

// Live returns the number of resources not yet released.
func (r *Registry) Live() int {
	r.lck.Lock()
	defer r.lck.Unlock()
	return len(r.live)
}
