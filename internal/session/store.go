// Package session owns the authoritative chat snapshot: it dispatches events
// through the reducer and publishes each resulting snapshot to observers.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/livechat/sessionstate/internal/chat"
)

// ErrClosed is returned by Dispatch after the store has been closed.
var ErrClosed = errors.New("session store closed")

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID     uuid.UUID
	fn     Observer
	active atomic.Bool
}

// Store holds one session's snapshot. Dispatch calls are serialised, so any
// number of goroutines may feed events in; each event is reduced and
// published to every observer before the next one is accepted. Observers
// must not call Dispatch or Close: both take the lock Dispatch holds while
// observers run, so either call deadlocks.
type Store struct {
	mu      sync.Mutex // held for the whole of Dispatch
	current atomic.Pointer[chat.State]
	seq     atomic.Uint64
	closed  atomic.Bool

	subMu sync.Mutex
	subs  []*Subscription

	tracer Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithTracer installs a hook that observes every dispatched event.
func WithTracer(t Tracer) Option {
	return func(s *Store) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithState starts the store from st instead of chat.NewState().
func WithState(st *chat.State) Option {
	return func(s *Store) {
		if st != nil {
			s.current.Store(st)
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{tracer: nopTracer{}}
	s.current.Store(chat.NewState())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current snapshot. The value must not be mutated.
func (s *Store) Snapshot() *chat.State {
	return s.current.Load()
}

// Seq returns the number of state changes accepted so far.
func (s *Store) Seq() uint64 {
	return s.seq.Load()
}

// Dispatch reduces ev into the current snapshot and notifies observers.
// Events that leave the snapshot unchanged (unknown kinds) notify nobody.
func (s *Store) Dispatch(ev chat.Event) error {
	if ev == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}

	prev := s.current.Load()
	next := chat.Reduce(prev, ev)
	if next == prev {
		s.tracer.EventIgnored(ev)
		return nil
	}

	s.current.Store(next)
	seq := s.seq.Add(1)
	s.tracer.EventApplied(ev, seq)
	s.notify(Update{Seq: seq, Kind: ev.Kind(), State: next})
	return nil
}

// DispatchEnvelope decodes env and dispatches it. A malformed envelope is
// reported to the tracer and returned; the snapshot is left untouched.
func (s *Store) DispatchEnvelope(env chat.Envelope) error {
	ev, err := chat.Parse(env)
	if err != nil {
		s.tracer.EventRejected(err)
		return err
	}
	return s.Dispatch(ev)
}

// DispatchJSON decodes one JSON envelope and dispatches it.
func (s *Store) DispatchJSON(data []byte) error {
	ev, err := chat.ParseJSON(data)
	if err != nil {
		s.tracer.EventRejected(err)
		return err
	}
	return s.Dispatch(ev)
}

// Subscribe registers fn. It receives every snapshot published after this
// call returns, in subscription order relative to other observers.
func (s *Store) Subscribe(fn Observer) *Subscription {
	sub := &Subscription{ID: uuid.New(), fn: fn}
	sub.active.Store(true)

	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()
	return sub
}

// Unsubscribe removes sub. It is safe to call from inside an observer, and
// more than once.
func (s *Store) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.active.Store(false)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, existing := range s.subs {
		if existing == sub {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of registered observers.
func (s *Store) SubscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// Close drops every observer and makes further Dispatch calls fail with
// ErrClosed. The last snapshot stays readable. It must not be called from
// an observer.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed.Store(true)

	s.subMu.Lock()
	for _, sub := range s.subs {
		sub.active.Store(false)
	}
	s.subs = nil
	s.subMu.Unlock()
}

func (s *Store) notify(u Update) {
	// observers added while notifying wait for the next update
	s.subMu.Lock()
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		s.deliver(sub, u)
	}
}

func (s *Store) deliver(sub *Subscription, u Update) {
	defer func() {
		if r := recover(); r != nil {
			s.tracer.ObserverFailed(sub.ID, fmt.Errorf("observer panic: %v", r))
		}
	}()
	sub.fn(u)
}
