package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/pkg/config"
	"github.com/steemit/reelfeed/pkg/logging"
)

// ErrNotFound is returned for an unknown or closed session id.
var ErrNotFound = errors.New("session not found")

// Registry tracks the open sessions of a server.
type Registry struct {
	deps     Deps
	feedCfg  config.FeedConfig
	mediaCfg config.MediaConfig
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(deps Deps, feedCfg config.FeedConfig, mediaCfg config.MediaConfig) *Registry {
	return &Registry{
		deps:     deps,
		feedCfg:  feedCfg,
		mediaCfg: mediaCfg,
		logger:   logging.WithComponent("sessions"),
		sessions: make(map[string]*Session),
	}
}

// Open creates a session and starts its initial load.
func (r *Registry) Open(opts Options) *Session {
	s := New(uuid.NewString(), r.deps, opts, r.feedCfg, r.mediaCfg)

	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	s.Reset(opts.Query)
	r.logger.Info("Session opened",
		zap.String("session_id", s.ID),
		zap.String("viewer_id", opts.ViewerID),
		zap.Stringer("variant", opts.Query.Variant),
		zap.Int("open", n))
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close closes and forgets one session.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	s.Close()
	r.logger.Info("Session closed", zap.String("session_id", id))
	return nil
}

// CloseAll closes every session; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}

// IDs lists the open session ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
