package staff

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/auth"
)

// ErrUnknownStaff is returned when an id is not in the roster.
var ErrUnknownStaff = errors.New("unknown staff member")

// Source lists staff. The server's Service and the Clinical API client both
// implement it.
type Source interface {
	ListStaff(ctx context.Context, role auth.Role) ([]Staff, error)
}

// Roster caches the staff list for id resolution. A miss or an expired cache
// triggers one reload.
type Roster struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	byID     map[uuid.UUID]Staff
	loadedAt time.Time
}

func NewRoster(src Source, ttl time.Duration) *Roster {
	return &Roster{src: src, ttl: ttl, now: time.Now}
}

// Resolve returns the staff member with id.
func (r *Roster) Resolve(ctx context.Context, id uuid.UUID) (Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := r.byID != nil && r.now().Sub(r.loadedAt) < r.ttl
	if fresh {
		if s, ok := r.byID[id]; ok {
			return s, nil
		}
	}
	if err := r.reloadLocked(ctx); err != nil {
		return Staff{}, err
	}
	if s, ok := r.byID[id]; ok {
		return s, nil
	}
	return Staff{}, ErrUnknownStaff
}

// All returns the cached roster ordered by name, loading it if needed.
func (r *Roster) All(ctx context.Context) ([]Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID == nil || r.now().Sub(r.loadedAt) >= r.ttl {
		if err := r.reloadLocked(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]Staff, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Invalidate drops the cache.
func (r *Roster) Invalidate() {
	r.mu.Lock()
	r.byID = nil
	r.mu.Unlock()
}

func (r *Roster) reloadLocked(ctx context.Context) error {
	list, err := r.src.ListStaff(ctx, "")
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]Staff, len(list))
	for _, s := range list {
		byID[s.ID] = s
	}
	r.byID = byID
	r.loadedAt = r.now()
	return nil
}
