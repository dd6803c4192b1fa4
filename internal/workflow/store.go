// Package workflow holds the optimistic update engine shared by the clinical
// lifecycles, together with the error taxonomy they surface.
//
// A Store caches a list of entities plus one "currently open" entity of the
// same kind. All mutations of that state go through Apply, which snapshots
// the affected entries, writes the predicted state, awaits the remote call,
// and then either swaps in the server's canonical entity or restores the
// snapshots wholesale.
package workflow

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Entity is implemented by every value a Store can hold. Clone must return a
// deep copy: snapshots rely on it to be unaffected by later in-place patches.
type Entity[T any] interface {
	Key() string
	Clone() T
}

// PersistFunc performs the remote write and returns the server's canonical
// entity.
type PersistFunc[T any] func(ctx context.Context) (T, error)

type storeConfig struct {
	logger  zerolog.Logger
	metrics *Metrics
	parent  context.Context
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

// WithLogger sets the logger used for commit and rollback events.
func WithLogger(l zerolog.Logger) StoreOption {
	return func(c *storeConfig) { c.logger = l }
}

// WithMetrics attaches transition counters.
func WithMetrics(m *Metrics) StoreOption {
	return func(c *storeConfig) { c.metrics = m }
}

// WithScope binds the store's lifetime to ctx. When ctx ends, in-flight
// persist calls are cancelled and further Apply calls fail.
func WithScope(ctx context.Context) StoreOption {
	return func(c *storeConfig) { c.parent = ctx }
}

// Store is the optimistic update engine for one entity kind.
type Store[T Entity[T]] struct {
	kind string

	mu       sync.Mutex
	items    []T
	open     *T
	inflight map[string]struct{}

	scope   context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger
	metrics *Metrics
}

// NewStore creates an empty store. kind labels logs and metrics.
func NewStore[T Entity[T]](kind string, opts ...StoreOption) *Store[T] {
	cfg := storeConfig{logger: zerolog.Nop(), parent: context.Background()}
	for _, o := range opts {
		o(&cfg)
	}
	scope, cancel := context.WithCancel(cfg.parent)
	return &Store[T]{
		kind:     kind,
		inflight: make(map[string]struct{}),
		scope:    scope,
		cancel:   cancel,
		logger:   cfg.logger.With().Str("component", "workflow_store").Str("kind", kind).Logger(),
		metrics:  cfg.metrics,
	}
}

// Kind returns the label the store was created with.
func (s *Store[T]) Kind() string { return s.kind }

// Close ends the store's scope. In-flight persists observe a cancelled
// context and their late results are not written back.
func (s *Store[T]) Close() {
	s.cancel()
}

// Load replaces the cached list. If an entity is open and present in items,
// the open slot is refreshed too.
func (s *Store[T]) Load(items []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make([]T, len(items))
	for i, it := range items {
		s.items[i] = it.Clone()
		if s.open != nil && (*s.open).Key() == it.Key() {
			o := it.Clone()
			s.open = &o
		}
	}
}

// Upsert inserts or replaces a single cached entity, refreshing the open
// slot when it holds the same key.
func (s *Store[T]) Upsert(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOf(item.Key()); idx >= 0 {
		s.items[idx] = item.Clone()
	} else {
		s.items = append(s.items, item.Clone())
	}
	if s.open != nil && (*s.open).Key() == item.Key() {
		o := item.Clone()
		s.open = &o
	}
}

// Open sets the currently open entity.
func (s *Store[T]) Open(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := item.Clone()
	s.open = &o
}

// CloseOpen clears the open slot.
func (s *Store[T]) CloseOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = nil
}

// List returns a copy of the cached list.
func (s *Store[T]) List() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.items))
	for i, it := range s.items {
		out[i] = it.Clone()
	}
	return out
}

// Get returns a copy of the cached entity with the given key.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.indexOf(id); idx >= 0 {
		return s.items[idx].Clone(), true
	}
	var zero T
	return zero, false
}

// Current returns a copy of the open entity, if any.
func (s *Store[T]) Current() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		var zero T
		return zero, false
	}
	return (*s.open).Clone(), true
}

// InFlight reports whether a transition for id is awaiting its persist call.
func (s *Store[T]) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

type snapshot[T any] struct {
	item    *T
	open    *T
	hadOpen bool
}

// Apply runs one optimistic transition for id. patch is applied to the list
// entry and to the open entity (when it has the same key) before persist is
// called; the write strictly precedes the call and the commit or rollback
// strictly follows its result.
//
// On success both slots hold the entity returned by persist. On failure both
// slots are restored from their snapshots and the persist error is returned
// unchanged. At most one Apply per id may be outstanding.
func (s *Store[T]) Apply(ctx context.Context, id string, patch func(*T), persist PersistFunc[T]) (T, error) {
	var zero T

	s.mu.Lock()
	if s.scope.Err() != nil {
		s.mu.Unlock()
		return zero, ErrStoreClosed
	}
	if _, busy := s.inflight[id]; busy {
		s.mu.Unlock()
		return zero, ErrTransitionInFlight
	}
	idx := s.indexOf(id)
	openMatches := s.open != nil && (*s.open).Key() == id
	if idx < 0 && !openMatches {
		s.mu.Unlock()
		return zero, ErrNotLoaded
	}

	var snap snapshot[T]
	if idx >= 0 {
		c := s.items[idx].Clone()
		snap.item = &c
		patch(&s.items[idx])
	}
	if openMatches {
		c := (*s.open).Clone()
		snap.open = &c
		snap.hadOpen = true
		patch(s.open)
	}
	s.inflight[id] = struct{}{}
	s.mu.Unlock()

	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.scope, cancel)
	canonical, err := persist(callCtx)
	stop()
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)

	if s.scope.Err() != nil {
		// The owner is gone; nothing observes the cache any more.
		if err != nil {
			return zero, err
		}
		return canonical, nil
	}

	if err != nil {
		s.restore(id, snap)
		s.metrics.rollback(s.kind)
		s.logger.Warn().Err(err).Str("id", id).Msg("transition rolled back")
		return zero, err
	}

	if i := s.indexOf(id); i >= 0 {
		s.items[i] = canonical.Clone()
	}
	if s.open != nil && (*s.open).Key() == id {
		o := canonical.Clone()
		s.open = &o
	}
	s.metrics.commit(s.kind)
	s.logger.Debug().Str("id", id).Msg("transition committed")
	return canonical, nil
}

func (s *Store[T]) restore(id string, snap snapshot[T]) {
	if snap.item != nil {
		if i := s.indexOf(id); i >= 0 {
			s.items[i] = *snap.item
		}
	}
	if snap.hadOpen && s.open != nil && (*s.open).Key() == id {
		o := *snap.open
		s.open = &o
	}
}

func (s *Store[T]) indexOf(id string) int {
	for i := range s.items {
		if s.items[i].Key() == id {
			return i
		}
	}
	return -1
}
