package favorites

import (
	"context"
	"sync"

	"go.lepak.sg/bikeshare-backend/model"
)

// Backend persists the favorite set. *prefs.Store implements it.
type Backend interface {
	FavStations(ctx context.Context) (map[string]struct{}, error)
	SetFavStations(ctx context.Context, ids map[string]struct{}) error
}

// Store is the set of favorite station ids, cached in memory and written
// through to the backend on every change.
type Store struct {
	lock    sync.RWMutex
	backend Backend
	ids     map[string]struct{}
}

func Load(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{backend: backend}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the cached set with the persisted one.
func (s *Store) Reload(ctx context.Context) error {
	ids, err := s.backend.FavStations(ctx)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = make(map[string]struct{})
	}

	s.lock.Lock()
	s.ids = ids
	s.lock.Unlock()
	return nil
}

func (s *Store) IsFavorite(id string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Toggle flips the favorite state of id and returns the new state.
// The in-memory set is only changed once the backend write succeeded.
func (s *Store) Toggle(ctx context.Context, id string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	next := make(map[string]struct{}, len(s.ids)+1)
	for k := range s.ids {
		next[k] = struct{}{}
	}

	_, was := next[id]
	if was {
		delete(next, id)
	} else {
		next[id] = struct{}{}
	}

	if err := s.backend.SetFavStations(ctx, next); err != nil {
		return was, err
	}
	s.ids = next
	return !was, nil
}

// All returns a copy of the favorite set.
func (s *Store) All() map[string]struct{} {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make(map[string]struct{}, len(s.ids))
	for k := range s.ids {
		out[k] = struct{}{}
	}
	return out
}

// Filter returns the favorites among l, in the order of l.
func (s *Store) Filter(l model.Stations) model.Stations {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return Filter(l, s.ids)
}

// Filter returns the stations of l whose id is in ids, keeping their order.
// The result is never nil.
func Filter(l model.Stations, ids map[string]struct{}) model.Stations {
	out := make(model.Stations, 0)
	for i := range l {
		if _, ok := ids[l[i].ID]; ok {
			out = append(out, l[i])
		}
	}
	return out
}
