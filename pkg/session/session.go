package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/igolaizola/txt2vid/pkg/resource"
)

type Status int

const (
	Idle Status = iota
	Pending
	Ready
	Failed
)

var statusNames = []string{"idle", "pending", "ready", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot of the session. Resource is only set when Ready,
// Reason and Err only when Failed. SubmittedAt is the time of the submission
// the state belongs to.
type State struct {
	Status      Status             `json:"status"`
	Text        string             `json:"text"`
	Resource    *resource.Resource `json:"resource,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Err         error              `json:"-"`
	Seq         uint64             `json:"seq"`
	SubmittedAt time.Time          `json:"submitted_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

type Generator interface {
	Generate(ctx context.Context, text string) ([]byte, error)
}

type Resources interface {
	Create(ctx context.Context, data []byte) (*resource.Resource, error)
	Release(ctx context.Context, id string) error
}

type Config struct {
	ID        string
	Debug     bool
	Generator Generator
	Resources Resources
	// OnResolve is called after a submission resolves into Ready or Failed.
	// It isn't called for superseded submissions.
	OnResolve func(State)
}

// Session tracks one generation at a time and owns the resource produced by
// the last successful one.
type Session struct {
	id        string
	debug     bool
	generator Generator
	resources Resources
	onResolve func(State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lck     sync.Mutex
	seq     uint64
	state   State
	done    chan struct{}
	closed  bool
	subs    map[int]chan State
	nextSub int
}

func New(cfg *Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)
	return &Session{
		id:        cfg.ID,
		debug:     cfg.Debug,
		generator: cfg.Generator,
		resources: cfg.Resources,
		onResolve: cfg.OnResolve,
		ctx:       ctx,
		cancel:    cancel,
		state:     State{Status: Idle, UpdatedAt: time.Now().UTC()},
		done:      done,
		subs:      map[int]chan State{},
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) log(format string, args ...interface{}) {
	if s.debug {
		format += "\n"
		log.Printf(format, args...)
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.lck.Lock()
	defer s.lck.Unlock()
	return s.state
}

// Submit moves the session to Pending and sends the text to the generator in
// the background. A previous resource is released and a previous pending
// submission is superseded: its result will be ignored.
func (s *Session) Submit(text string) {
	s.lck.Lock()
	if s.closed {
		s.lck.Unlock()
		log.Printf("session %s: submit after close ignored\n", s.id)
		return
	}
	s.seq++
	seq := s.seq
	prev := s.state
	if prev.Status != Pending {
		s.done = make(chan struct{})
	}
	submittedAt := time.Now().UTC()
	s.setState(State{Status: Pending, Text: text, Seq: seq, SubmittedAt: submittedAt})
	s.wg.Add(1)
	s.lck.Unlock()

	if prev.Status == Ready {
		s.release(prev.Resource)
	}
	if prev.Status == Pending {
		s.log("session %s: submission %d superseded by %d", s.id, prev.Seq, seq)
	}

	go s.run(seq, text, submittedAt)
}

func (s *Session) run(seq uint64, text string, submittedAt time.Time) {
	defer s.wg.Done()

	data, err := s.generator.Generate(s.ctx, text)
	if !s.current(seq) {
		s.log("session %s: discarding stale result of submission %d", s.id, seq)
		return
	}

	var res *resource.Resource
	if err == nil {
		res, err = s.resources.Create(s.ctx, data)
	}

	s.lck.Lock()
	if s.seq != seq || s.closed {
		s.lck.Unlock()
		s.log("session %s: discarding stale result of submission %d", s.id, seq)
		if res != nil {
			s.release(res)
		}
		return
	}
	next := State{Status: Ready, Text: text, Resource: res, Seq: seq, SubmittedAt: submittedAt}
	if err != nil {
		next = State{Status: Failed, Text: text, Reason: err.Error(), Err: err, Seq: seq, SubmittedAt: submittedAt}
	}
	s.setState(next)
	close(s.done)
	st := s.state
	s.lck.Unlock()

	if st.Status == Failed {
		log.Printf("session %s: generation failed: %v\n", s.id, err)
	} else {
		s.log("session %s: generation ready %s (%d bytes)", s.id, res.ID, res.Size)
	}
	if s.onResolve != nil {
		s.onResolve(st)
	}
}

func (s *Session) current(seq uint64) bool {
	s.lck.Lock()
	defer s.lck.Unlock()
	return s.seq == seq && !s.closed
}

// Dispose releases the resource held by a Ready state and ignores any
// pending submission. The session goes back to Idle and can be reused.
func (s *Session) Dispose() {
	s.lck.Lock()
	prev := s.state
	if prev.Status == Idle {
		s.lck.Unlock()
		return
	}
	s.seq++
	if prev.Status == Pending {
		close(s.done)
	}
	s.setState(State{Status: Idle, Seq: s.seq})
	s.lck.Unlock()

	if prev.Status == Ready {
		s.release(prev.Resource)
	}
}

// Close disposes the session, cancels in-flight requests and waits for them
// to return. Subscriptions are closed.
func (s *Session) Close() {
	s.lck.Lock()
	if s.closed {
		s.lck.Unlock()
		return
	}
	s.closed = true
	s.lck.Unlock()

	s.Dispose()

	s.cancel()
	s.wg.Wait()

	s.lck.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.lck.Unlock()
}

// Wait blocks until the last submission resolves or the context is done.
func (s *Session) Wait(ctx context.Context) (State, error) {
	for {
		s.lck.Lock()
		st := s.state
		done := s.done
		s.lck.Unlock()
		if st.Status != Pending {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-done:
		}
	}
}

// Subscribe returns a channel that receives the current state and every
// following transition. A slow reader may miss intermediate states but
// always receives the latest one.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	s.lck.Lock()
	defer s.lck.Unlock()
	ch <- s.state
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.lck.Lock()
		defer s.lck.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// setState must be called with the lock held.
func (s *Session) setState(st State) {
	st.UpdatedAt = time.Now().UTC()
	s.state = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			// Drop the oldest state to make room for the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (s *Session) release(res *resource.Resource) {
	if res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.resources.Release(ctx, res.ID); err != nil {
		log.Printf("session %s: couldn't release resource %s: %v\n", s.id, res.ID, err)
		return
	}
	s.log("session %s: released resource %s", s.id, res.ID)
}
