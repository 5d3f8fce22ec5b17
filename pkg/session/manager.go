package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/igolaizola/txt2vid/pkg/input"
	"github.com/oklog/ulid/v2"
)

// Entry groups the text input and the generation session of one client.
type Entry struct {
	ID      string
	Input   *input.Controller
	Session *Session

	lastSeen time.Time
	holds    int
}

type ManagerConfig struct {
	Debug     bool
	Generator Generator
	Resources Resources
	// TTL is the idle time after which a session is closed. Zero disables
	// expiration.
	TTL time.Duration
	// OnResolve is called with the session id after each resolution.
	OnResolve func(id string, st State)
}

// Manager keeps one entry per client and closes abandoned ones so their
// resources are released.
type Manager struct {
	cfg ManagerConfig

	lck     sync.Mutex
	entries map[string]*Entry
}

func NewManager(cfg *ManagerConfig) *Manager {
	return &Manager{
		cfg:     *cfg,
		entries: map[string]*Entry{},
	}
}

// Create adds a new entry with a fresh id.
func (m *Manager) Create() *Entry {
	id := ulid.Make().String()
	var onResolve func(State)
	if m.cfg.OnResolve != nil {
		onResolve = func(st State) {
			m.cfg.OnResolve(id, st)
		}
	}
	e := &Entry{
		ID:    id,
		Input: input.New(),
		Session: New(&Config{
			ID:        id,
			Debug:     m.cfg.Debug,
			Generator: m.cfg.Generator,
			Resources: m.cfg.Resources,
			OnResolve: onResolve,
		}),
		lastSeen: time.Now(),
	}
	m.lck.Lock()
	m.entries[id] = e
	m.lck.Unlock()
	if m.cfg.Debug {
		log.Println("session: created", id)
	}
	return e
}

// Get returns the entry and marks it as seen.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.lck.Lock()
	defer m.lck.Unlock()
	e, ok := m.entries[id]
	if ok {
		e.lastSeen = time.Now()
	}
	return e, ok
}

// Hold keeps the entry from expiring while a client is connected to it, for
// example through an event stream. The returned function ends the hold.
func (m *Manager) Hold(e *Entry) func() {
	m.lck.Lock()
	e.holds++
	e.lastSeen = time.Now()
	m.lck.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.lck.Lock()
			e.holds--
			e.lastSeen = time.Now()
			m.lck.Unlock()
		})
	}
}

// Close removes the entry and closes its session.
func (m *Manager) Close(id string) bool {
	m.lck.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.lck.Unlock()
	if !ok {
		return false
	}
	e.Session.Close()
	if m.cfg.Debug {
		log.Println("session: closed", id)
	}
	return true
}

// CloseAll closes every entry.
func (m *Manager) CloseAll() {
	m.lck.Lock()
	entries := m.entries
	m.entries = map[string]*Entry{}
	m.lck.Unlock()
	for _, e := range entries {
		e.Session.Close()
	}
}

func (m *Manager) Len() int {
	m.lck.Lock()
	defer m.lck.Unlock()
	return len(m.entries)
}

// Sweep closes the entries not seen since now minus TTL. Held entries are
// kept, as are pending sessions until they resolve.
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.TTL <= 0 {
		return 0
	}
	var expired []*Entry
	m.lck.Lock()
	for id, e := range m.entries {
		if e.holds > 0 || now.Sub(e.lastSeen) < m.cfg.TTL {
			continue
		}
		if e.Session.State().Status == Pending {
			continue
		}
		delete(m.entries, id)
		expired = append(expired, e)
	}
	m.lck.Unlock()
	for _, e := range expired {
		e.Session.Close()
		if m.cfg.Debug {
			log.Println("session: expired", e.ID)
		}
	}
	return len(expired)
}

// Run sweeps expired entries until the context is done, then closes all of
// them.
func (m *Manager) Run(ctx context.Context) {
	defer m.CloseAll()
	if m.cfg.TTL <= 0 {
		<-ctx.Done()
		return
	}
	interval := m.cfg.TTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				log.Printf("session: %d expired sessions closed\n", n)
			}
		}
	}
}
