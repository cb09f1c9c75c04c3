package resume

import (
	"errors"
	"sync"
	"time"

	"github.com/cbeuw/remoting/internal/common"
)

var (
	ErrUnknownToken = errors.New("unknown resume token")
	ErrTokenExpired = errors.New("resume token expired")
	ErrTokenInUse   = errors.New("resume token already in use")
)

type entry[S any] struct {
	session S
	// zero while a connection is attached
	detachedAt time.Time
}

// Registry indexes resumable sessions by token. A detached session can be resumed until it has
// been detached for longer than the registry's lifetime.
type Registry[S any] struct {
	world    common.WorldState
	lifetime time.Duration

	m       sync.Mutex
	entries map[string]*entry[S]
}

func NewRegistry[S any](lifetime time.Duration, world common.WorldState) *Registry[S] {
	return &Registry[S]{
		world:    world,
		lifetime: lifetime,
		entries:  make(map[string]*entry[S]),
	}
}

func (r *Registry[S]) Add(token []byte, s S) error {
	r.m.Lock()
	defer r.m.Unlock()
	if _, ok := r.entries[string(token)]; ok {
		return ErrTokenInUse
	}
	r.entries[string(token)] = &entry[S]{session: s}
	return nil
}

// Get returns the session for token. Expired sessions are removed and reported as such.
func (r *Registry[S]) Get(token []byte) (S, error) {
	r.m.Lock()
	defer r.m.Unlock()
	var zero S
	e, ok := r.entries[string(token)]
	if !ok {
		return zero, ErrUnknownToken
	}
	if r.expired(e) {
		delete(r.entries, string(token))
		return zero, ErrTokenExpired
	}
	return e.session, nil
}

func (r *Registry[S]) expired(e *entry[S]) bool {
	return !e.detachedAt.IsZero() && r.world.Since(e.detachedAt) > r.lifetime
}

func (r *Registry[S]) Detach(token []byte) {
	r.m.Lock()
	defer r.m.Unlock()
	if e, ok := r.entries[string(token)]; ok {
		e.detachedAt = r.world.Now()
	}
}

func (r *Registry[S]) Attach(token []byte) {
	r.m.Lock()
	defer r.m.Unlock()
	if e, ok := r.entries[string(token)]; ok {
		e.detachedAt = time.Time{}
	}
}

func (r *Registry[S]) Remove(token []byte) {
	r.m.Lock()
	delete(r.entries, string(token))
	r.m.Unlock()
}

// Sweep removes and returns every expired session
func (r *Registry[S]) Sweep() []S {
	r.m.Lock()
	defer r.m.Unlock()
	var ret []S
	for k, e := range r.entries {
		if r.expired(e) {
			ret = append(ret, e.session)
			delete(r.entries, k)
		}
	}
	return ret
}

// Each calls fn for every registered session with whether it is currently detached
func (r *Registry[S]) Each(fn func(token []byte, s S, detached bool)) {
	r.m.Lock()
	entries := make(map[string]entry[S], len(r.entries))
	for k, e := range r.entries {
		entries[k] = *e
	}
	r.m.Unlock()
	for k, e := range entries {
		fn([]byte(k), e.session, !e.detachedAt.IsZero())
	}
}

func (r *Registry[S]) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.entries)
}
