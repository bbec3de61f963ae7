package p2pnode

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// Registry tracks the sessions a node is running and caps how many may run
// at once.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	metrics *Metrics
}

// NewRegistry returns a registry admitting at most limit concurrent
// sessions. limit <= 0 means no limit.
func NewRegistry(limit int, m *Metrics) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		metrics:  m,
	}
	if limit > 0 {
		r.sem = semaphore.NewWeighted(int64(limit))
	}
	return r
}

// Admit adds s to the registry. The session leaves the registry on its own
// once it finishes.
func (r *Registry) Admit(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if r.sem != nil && !r.sem.TryAcquire(1) {
		r.metrics.sessionRejected()
		return ErrSessionLimit
	}

	r.sessions[s.id] = s
	r.wg.Add(1)
	s.release = func() { r.remove(s) }
	r.metrics.sessionOpened(s.role)
	return nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.id]
	delete(r.sessions, s.id)
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.sem != nil {
		r.sem.Release(1)
	}
	r.metrics.sessionClosed()
	r.wg.Done()
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len is the number of admitted sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a snapshot of the admitted sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Opened.Equal(out[j].Opened) {
			return out[i].ID < out[j].ID
		}
		return out[i].Opened.Before(out[j].Opened)
	})
	return out
}

// CloseAll stops admitting sessions and closes every admitted one.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	var err error
	for _, s := range live {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Wait blocks until every admitted session has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
