// Package registry implements the Session Manager: a map from caller-
// supplied session id to a live PTY Engine, with LRU eviction bounded by
// max_sessions and a three-state id lifecycle (spec.md §4.6).
package registry

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"piloty/internal/ptyengine"
)

// State is a session id's position in its three-state lifecycle.
type State int

const (
	// Configured means config has been stored via Configure but Create
	// has not yet been called for this id.
	Configured State = iota
	Live
	// Tombstoned ids never re-bind to a new PTY (spec.md invariant 5).
	Tombstoned
)

// Config is the caller-configurable subset of a Session's attributes,
// settable before creation via Configure and propagated to a live
// Session immediately when set afterward.
type Config struct {
	Description      string
	ShellPromptRegex *regexp.Regexp
}

// Session is one entry in the registry: either configured-only, live
// with an attached Engine, or tombstoned.
type Session struct {
	ID    string
	CWD   string
	State State
	Config

	StartTime time.Time
	LastUsed  time.Time

	Engine *ptyengine.Engine

	elem *list.Element // this session's node in the registry's LRU list
}

// ErrNotFound is returned by Get/Configure for an id with no registry
// entry at all (neither configured, live, nor tombstoned).
var ErrNotFound = fmt.Errorf("no such session; create it first")

// ErrTombstoned is returned by any operation against a terminated id.
var ErrTombstoned = fmt.Errorf("session is terminated")

// ErrCWDMismatch is returned by Create when an already-live id is
// recreated with a different cwd.
var ErrCWDMismatch = fmt.Errorf("session already live with a different cwd")

// Registry owns every known session id. Its own lock is a short
// critical section for lookup/insert/LRU bookkeeping only — it is never
// held while an engine operation runs (spec.md §5).
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	lru         *list.List // front = most recently used
	maxSessions int
}

// New creates a Registry with the given capacity bound. maxSessions <= 0
// uses the spec's default of 32.
func New(maxSessions int) *Registry {
	if maxSessions <= 0 {
		maxSessions = 32
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		lru:         list.New(),
		maxSessions: maxSessions,
	}
}

// Configure stores config for id. It may be called before Create (the
// config is applied at creation time) or after (it is propagated to the
// live Session immediately). A tombstoned id rejects configuration.
func (r *Registry) Configure(id string, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, State: Configured}
		r.sessions[id] = s
		return applyConfig(s, cfg)
	}
	if s.State == Tombstoned {
		return ErrTombstoned
	}
	return applyConfig(s, cfg)
}

func applyConfig(s *Session, cfg Config) error {
	if cfg.Description != "" {
		s.Description = cfg.Description
	}
	if cfg.ShellPromptRegex != nil {
		s.ShellPromptRegex = cfg.ShellPromptRegex
	}
	return nil
}

// Create attaches a live Engine to id, evicting the least-recently-used
// live session if the registry is at capacity. cwd must be an existing
// absolute directory. Recreating an already-live id with a different cwd
// is a hard error; recreating it with the same cwd returns the existing
// Session unchanged.
func (r *Registry) Create(id, cwd string, newEngine func() (*ptyengine.Engine, error)) (*Session, error) {
	if !filepath.IsAbs(cwd) {
		return nil, fmt.Errorf("cwd must be absolute: %s", cwd)
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("cwd does not exist or is not a directory: %s", cwd)
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		switch s.State {
		case Tombstoned:
			r.mu.Unlock()
			return nil, ErrTombstoned
		case Live:
			if s.CWD != cwd {
				r.mu.Unlock()
				return nil, ErrCWDMismatch
			}
			r.touchLocked(s)
			r.mu.Unlock()
			return s, nil
		}
	}
	r.mu.Unlock()

	engine, err := newEngine()
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !ok {
		s = &Session{ID: id}
		r.sessions[id] = s
	}
	s.CWD = cwd
	s.State = Live
	s.Engine = engine
	s.StartTime = time.Now()
	s.LastUsed = s.StartTime
	s.elem = r.lru.PushFront(s)

	r.evictOverflowLocked()
	return s, nil
}

// evictOverflowLocked terminates the least-recently-used live session
// until the registry is back within maxSessions. Called with r.mu held.
func (r *Registry) evictOverflowLocked() {
	liveCount := r.lru.Len()
	for liveCount > r.maxSessions {
		back := r.lru.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*Session)
		r.lru.Remove(back)
		victim.elem = nil
		victim.State = Tombstoned
		engine := victim.Engine
		victim.Engine = nil
		if engine != nil {
			r.mu.Unlock()
			engine.Terminate()
			r.mu.Lock()
		}
		liveCount = r.lru.Len()
	}
}

// Get resolves id and marks it most-recently-used. Returns ErrNotFound
// for an id the registry has never heard of, ErrTombstoned for a
// terminated id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State == Tombstoned {
		return nil, ErrTombstoned
	}
	if s.State == Live {
		r.touchLocked(s)
	}
	return s, nil
}

func (r *Registry) touchLocked(s *Session) {
	s.LastUsed = time.Now()
	if s.elem != nil {
		r.lru.MoveToFront(s.elem)
	}
}

// List returns every non-tombstoned session, most-recently-used first.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, r.lru.Len())
	for e := r.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Session))
	}
	for _, s := range r.sessions {
		if s.State == Configured {
			out = append(out, s)
		}
	}
	return out
}

// Terminate tombstones id and terminates its Engine if live. Terminating
// an unknown or already-tombstoned id is not an error (idempotent).
func (r *Registry) Terminate(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.State == Tombstoned {
		r.mu.Unlock()
		return
	}
	if s.elem != nil {
		r.lru.Remove(s.elem)
		s.elem = nil
	}
	s.State = Tombstoned
	engine := s.Engine
	s.Engine = nil
	r.mu.Unlock()

	if engine != nil {
		engine.Terminate()
	}
}

// TerminateAll tombstones and terminates every live session.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.State != Tombstoned {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Terminate(id)
	}
}
