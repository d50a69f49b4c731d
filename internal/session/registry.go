package session

import (
	"sort"
	"strings"
	"sync"
)

// RemoveHook runs after a session leaves the registry.
type RemoveHook func(s *RemoteSession)

// Registry is the set of live sessions for one process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*RemoteSession
	hooks    []RemoveHook
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*RemoteSession{}}
}

func (r *Registry) Add(s *RemoteSession) {
	if r == nil || s == nil || s.ID == "" {
		return
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*RemoteSession, error) {
	if r == nil {
		return nil, ErrNotFound
	}
	r.mu.RLock()
	s, ok := r.sessions[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove drops the session and runs the remove hooks. It reports false when
// the id was already gone, so teardown paths may call it more than once.
func (r *Registry) Remove(id string) bool {
	if r == nil {
		return false
	}
	id = strings.TrimSpace(id)
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	hooks := append([]RemoveHook(nil), r.hooks...)
	r.mu.Unlock()
	if !ok {
		return false
	}
	for _, hook := range hooks {
		hook(s)
	}
	return true
}

func (r *Registry) OnRemove(hook RemoveHook) {
	if r == nil || hook == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

func (r *Registry) List() []Info {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
