// Package session keeps the in-memory set of open identification screens.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/flower-id/internal/classifier"
	"github.com/example/flower-id/internal/workflow"
)

// ErrNotFound is returned for unknown ids and for sessions owned by someone else.
var ErrNotFound = errors.New("session not found")

// Session binds an orchestrator to the subject that opened it.
type Session struct {
	*workflow.Orchestrator
	Owner     string
	CreatedAt time.Time
}

// Registry creates, looks up and reaps sessions. Nothing is persisted.
type Registry struct {
	classifier classifier.Client
	lookup     workflow.Lookuper
	cfg        workflow.Config
	idleTTL    time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds a registry. A nil classifier opens every session in the
// fatal state.
func NewRegistry(cls classifier.Client, lookup workflow.Lookuper, cfg workflow.Config, idleTTL time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		classifier: cls,
		lookup:     lookup,
		cfg:        cfg,
		idleTTL:    idleTTL,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
}

// Create opens a new session for owner. Owner may be empty when auth is off.
func (r *Registry) Create(owner string) *Session {
	id := uuid.NewString()
	s := &Session{
		Orchestrator: workflow.New(id, r.classifier, r.lookup, r.cfg, r.logger),
		Owner:        owner,
		CreatedAt:    r.now().UTC(),
	}

	r.mu.Lock()
	r.sessions[id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session opened", zap.String("session_id", id), zap.String("owner", owner), zap.Int("open_sessions", count))
	return s
}

// Get returns the session when it exists and belongs to owner.
func (r *Registry) Get(id, owner string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.Owner != owner {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close removes and stops a session.
func (r *Registry) Close(id, owner string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Owner != owner {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.Orchestrator.Close()
	r.logger.Info("session closed", zap.String("session_id", id))
	return nil
}

// ClassifierAvailable reports whether new sessions can classify images.
func (r *Registry) ClassifierAvailable() bool {
	return r.classifier != nil
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap closes sessions idle for longer than the registry TTL and returns how
// many were closed.
func (r *Registry) Reap() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	var stale []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Orchestrator.Close()
		r.logger.Info("idle session reaped", zap.String("session_id", s.ID()))
	}
	return len(stale)
}

// RunJanitor reaps idle sessions every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if r.idleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.logger.Debug("janitor pass", zap.Int("reaped", n))
			}
		}
	}
}

// CloseAll stops every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Orchestrator.Close()
	}
}
