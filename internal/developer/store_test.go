package developer

import (
	"context"
	"sync"
	"time"
)

// memStore is a mutex-guarded Store used by package tests.
type memStore struct {
	mu      sync.Mutex
	byKey   map[string]Developer
	lookups int
	err     error
	delay   time.Duration
}

func newMemStore(devs ...Developer) *memStore {
	s := &memStore{byKey: make(map[string]Developer)}
	for _, d := range devs {
		s.byKey[d.APIKey] = d
	}
	return s
}

func (s *memStore) GetDeveloperByAPIKey(ctx context.Context, apiKey string) (Developer, error) {
	s.mu.Lock()
	s.lookups++
	err, delay := s.err, s.delay
	d, ok := s.byKey[apiKey]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Developer{}, ctx.Err()
		}
	}
	if err != nil {
		return Developer{}, err
	}
	if !ok {
		return Developer{}, ErrNotFound
	}
	return d, nil
}

func (s *memStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func (s *memStore) put(d Developer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[d.APIKey] = d
}

func (s *memStore) byID(id string) (Developer, bool) {
	for _, d := range s.byKey {
		if d.ID == id {
			return d, true
		}
	}
	return Developer{}, false
}

func (s *memStore) CreateDeveloper(ctx context.Context, d Developer, limit UsageLimit, opts CreateOptions) error {
	s.put(d)
	return nil
}

func (s *memStore) GetDeveloperByID(ctx context.Context, id string) (Developer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID(id); ok {
		return d, nil
	}
	return Developer{}, ErrNotFound
}

func (s *memStore) ListDevelopers(ctx context.Context, filter ListFilter) ([]Developer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Developer, 0, len(s.byKey))
	for _, d := range s.byKey {
		out = append(out, d)
	}
	return out, nil
}

func (s *memStore) CountActiveDevelopersByOwner(ctx context.Context, ownerUserID string) (int, error) {
	return 0, nil
}

func (s *memStore) UpdateDeveloper(ctx context.Context, d Developer) error {
	s.put(d)
	return nil
}

func (s *memStore) UpdateSecretHash(ctx context.Context, id, secretHash string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID(id)
	if !ok {
		return ErrNotFound
	}
	d.SecretHash = secretHash
	d.UpdatedAt = updatedAt
	s.byKey[d.APIKey] = d
	return nil
}

func (s *memStore) DeleteDeveloper(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID(id)
	if !ok {
		return ErrNotFound
	}
	delete(s.byKey, d.APIKey)
	return nil
}
