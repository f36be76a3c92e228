package session

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Registry keeps the session of each OS thread. Callers must hold their
// goroutine on its thread (runtime.LockOSThread) while they use a session;
// With does that for them.
type Registry struct {
	sh       *Shared
	mu       sync.Mutex
	sessions map[int]*Session
}

// NewRegistry returns a registry creating sessions from sh.
func NewRegistry(sh *Shared) *Registry {
	return &Registry{sh: sh, sessions: make(map[int]*Session)}
}

// Shared returns the settings sessions are created with.
func (r *Registry) Shared() *Shared { return r.sh }

// Current returns the calling thread's session, if it has one.
func (r *Registry) Current() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[unix.Gettid()]
	return s, ok
}

// Acquire returns the calling thread's session, creating it when needed.
// created reports a session made by this call.
func (r *Registry) Acquire() (s *Session, created bool, err error) {
	tid := unix.Gettid()
	r.mu.Lock()
	s, ok := r.sessions[tid]
	r.mu.Unlock()
	if ok {
		return s, false, nil
	}
	s, err = New(r.sh)
	if err != nil {
		return nil, false, errors.Wrapf(err, "creating session for thread %d", tid)
	}
	r.mu.Lock()
	r.sessions[tid] = s
	r.mu.Unlock()
	return s, true, nil
}

// With runs fn with the calling thread's session. The session outlives
// the call so that later calls from the same thread reuse its stack and
// engine; Close destroys it.
func (r *Registry) With(fn func(*Session) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s, created, err := r.Acquire()
	if err != nil {
		return err
	}
	if created {
		s.log.WithField("tid", s.tid).Debug("session kept for thread")
	}
	return fn(s)
}

// Close destroys every session. No thread may be using one.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int]*Session)
	r.mu.Unlock()

	var first error
	for _, s := range sessions {
		s.log.Debug("session destroyed")
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
