package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// SessionRegistry is the in-memory table of open streams. It owns every ServerSession from the
// moment a subscription is accepted until its connection closes.
//
// A SessionRegistry is safe for concurrent use. Instances should be created using NewSessionRegistry.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*ServerSession

	newID      func() string
	sendBuffer int

	rateLimit rate.Limit
	rateBurst int
}

// RegistryOption represents the options for the SessionRegistry.
type RegistryOption func(*SessionRegistry)

// ServerSession is a registered, addressable stream. Writes to the underlying stream are queued
// through Send and performed by the goroutine that serves the subscription, so a session's stream
// only ever has one writer.
type ServerSession struct {
	id        string
	createdAt time.Time
	ready     atomic.Bool

	sendMsgs chan sessionSendMsg
	limiter  *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

type sessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

const defaultSessionSendBuffer = 8

// NewSessionRegistry creates an empty registry. Generated session ids are random UUIDs.
func NewSessionRegistry(options ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions:   make(map[string]*ServerSession),
		newID:      func() string { return uuid.New().String() },
		sendBuffer: defaultSessionSendBuffer,
		rateLimit:  rate.Inf,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithIDGenerator replaces the generator used for sessions that do not request an id.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *SessionRegistry) {
		r.newID = fn
	}
}

// WithSessionRateLimit limits how many commands per second each session may submit, allowing bursts
// of up to burst commands. A non-positive rps disables the limit.
func WithSessionRateLimit(rps float64, burst int) RegistryOption {
	return func(r *SessionRegistry) {
		if rps <= 0 {
			r.rateLimit = rate.Inf
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.rateLimit = rate.Limit(rps)
		r.rateBurst = burst
	}
}

// Create registers a new, not yet ready session. When requestedID is empty a fresh id is generated.
// A requestedID that belongs to a live session is rejected with ErrSessionExists rather than
// replacing it, so the stream already holding the id is never orphaned.
func (r *SessionRegistry) Create(requestedID string) (*ServerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := requestedID
	if id == "" {
		// Random ids make a collision practically impossible, but an injected generator might not.
		for range 3 {
			id = r.newID()
			if _, ok := r.sessions[id]; !ok {
				break
			}
		}
	}
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	sess := &ServerSession{
		id:        id,
		createdAt: time.Now(),
		sendMsgs:  make(chan sessionSendMsg, r.sendBuffer),
		limiter:   rate.NewLimiter(r.rateLimit, r.rateBurst),
		done:      make(chan struct{}),
	}
	r.sessions[id] = sess

	return sess, nil
}

// MarkReady flags the session as ready to receive commands. Calling it more than once is harmless.
func (r *SessionRegistry) MarkReady(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.ready.Store(true)

	return nil
}

// Get returns the live session with the given id.
func (r *SessionRegistry) Get(id string) (*ServerSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Remove drops the session with the given id and closes its stream handle. Removing an absent id is
// a no-op.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		sess.close()
	}
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// IDs returns the ids of the live sessions in lexical order.
func (r *SessionRegistry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// release removes sess only if it is still the entry registered under its id.
func (r *SessionRegistry) release(sess *ServerSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[sess.id]; ok && cur == sess {
		delete(r.sessions, sess.id)
	}
	r.mu.Unlock()

	sess.close()
}

// ID returns the connection id of the session.
func (s *ServerSession) ID() string { return s.id }

// Ready reports whether the session's handshake has completed.
func (s *ServerSession) Ready() bool { return s.ready.Load() }

// CreatedAt returns the time the session was registered.
func (s *ServerSession) CreatedAt() time.Time { return s.createdAt }

// Done returns a channel that is closed when the session is torn down.
func (s *ServerSession) Done() <-chan struct{} { return s.done }

// Send queues msg for the session's stream and waits until it has been written and flushed. It fails
// with ErrChannelClosed if the session is torn down before or while the message is written.
func (s *ServerSession) Send(ctx context.Context, msg *sse.Message) error {
	errs := make(chan error, 1)

	select {
	case s.sendMsgs <- sessionSendMsg{msg: msg, errs: errs}:
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrChannelClosed, s.id)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrChannelClosed, s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ServerSession) allow() bool {
	return s.limiter.Allow()
}

func (s *ServerSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
