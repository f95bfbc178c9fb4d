package developer

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// CachedCredentialStore wraps a Store with an in-memory TTL+LRU cache for GetDeveloperByAPIKey.
//
// Only the rarely-changing fields (is_active, secret hash) are served from cache. Mutations made
// through this wrapper purge the affected entry; the TTL bounds staleness for changes made by
// other instances.
type CachedCredentialStore struct {
	Store
	cache *credentialCache
}

type CachedCredentialStoreConfig struct {
	TTL time.Duration
	Max int
}

func NewCachedCredentialStore(underlying Store, cfg CachedCredentialStoreConfig) *CachedCredentialStore {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 10000
	}
	return &CachedCredentialStore{
		Store: underlying,
		cache: newCredentialCache(cfg.TTL, cfg.Max, time.Now),
	}
}

func (s *CachedCredentialStore) GetDeveloperByAPIKey(ctx context.Context, apiKey string) (Developer, error) {
	if v, ok := s.cache.Get(apiKey); ok {
		return v, nil
	}
	gen := s.cache.Generation()
	d, err := s.Store.GetDeveloperByAPIKey(ctx, apiKey)
	if err != nil {
		// Not-found results are not cached so enumeration cannot fill the cache.
		return Developer{}, err
	}
	// A purge during the lookup means d may predate a revocation.
	s.cache.SetIfGeneration(apiKey, d, gen)
	return d, nil
}

func (s *CachedCredentialStore) CreateDeveloper(ctx context.Context, d Developer, limit UsageLimit, opts CreateOptions) error {
	if err := s.Store.CreateDeveloper(ctx, d, limit, opts); err != nil {
		return err
	}
	s.cache.Purge(d.APIKey)
	return nil
}

func (s *CachedCredentialStore) UpdateDeveloper(ctx context.Context, d Developer) error {
	if err := s.Store.UpdateDeveloper(ctx, d); err != nil {
		return err
	}
	s.cache.PurgeID(d.ID)
	return nil
}

func (s *CachedCredentialStore) UpdateSecretHash(ctx context.Context, id, secretHash string, updatedAt time.Time) error {
	if err := s.Store.UpdateSecretHash(ctx, id, secretHash, updatedAt); err != nil {
		return err
	}
	s.cache.PurgeID(id)
	return nil
}

func (s *CachedCredentialStore) DeleteDeveloper(ctx context.Context, id string) error {
	if err := s.Store.DeleteDeveloper(ctx, id); err != nil {
		return err
	}
	s.cache.PurgeID(id)
	return nil
}

type credentialCacheEntry struct {
	key       string
	value     Developer
	expiresAt time.Time
	elem      *list.Element
}

type credentialCache struct {
	mu   sync.Mutex
	ll   *list.List
	m    map[string]*credentialCacheEntry
	byID map[string]string
	ttl  time.Duration
	max  int
	now  func() time.Time

	// gen is bumped by every purge.
	gen uint64
}

func newCredentialCache(ttl time.Duration, max int, now func() time.Time) *credentialCache {
	return &credentialCache{
		ll:   list.New(),
		m:    make(map[string]*credentialCacheEntry, max),
		byID: make(map[string]string, max),
		ttl:  ttl,
		max:  max,
		now:  now,
	}
}

func (c *credentialCache) Get(key string) (Developer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent := c.m[key]
	if ent == nil {
		return Developer{}, false
	}
	if c.now().After(ent.expiresAt) {
		c.removeLocked(ent)
		return Developer{}, false
	}
	c.ll.MoveToFront(ent.elem)
	return ent.value, true
}

// Generation returns the purge counter to pass to SetIfGeneration.
func (c *credentialCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// SetIfGeneration stores value only if no purge happened since gen was read.
func (c *credentialCache) SetIfGeneration(key string, value Developer, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setLocked(key, value)
	return true
}

func (c *credentialCache) setLocked(key string, value Developer) {
	if ent := c.m[key]; ent != nil {
		ent.value = value
		ent.expiresAt = c.now().Add(c.ttl)
		c.byID[value.ID] = key
		c.ll.MoveToFront(ent.elem)
		return
	}

	elem := c.ll.PushFront(key)
	c.m[key] = &credentialCacheEntry{key: key, value: value, expiresAt: c.now().Add(c.ttl), elem: elem}
	c.byID[value.ID] = key
	if c.max > 0 && c.ll.Len() > c.max {
		c.evictOldestLocked()
	}
}

func (c *credentialCache) Purge(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if ent := c.m[key]; ent != nil {
		c.removeLocked(ent)
	}
}

func (c *credentialCache) PurgeID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	key, ok := c.byID[id]
	if !ok {
		return
	}
	if ent := c.m[key]; ent != nil {
		c.removeLocked(ent)
		return
	}
	delete(c.byID, id)
}

func (c *credentialCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *credentialCache) evictOldestLocked() {
	elem := c.ll.Back()
	if elem == nil {
		return
	}
	key, ok := elem.Value.(string)
	if !ok {
		c.ll.Remove(elem)
		return
	}
	if ent := c.m[key]; ent != nil {
		c.removeLocked(ent)
		return
	}
	c.ll.Remove(elem)
}

func (c *credentialCache) removeLocked(ent *credentialCacheEntry) {
	delete(c.m, ent.key)
	if id := ent.value.ID; c.byID[id] == ent.key {
		delete(c.byID, id)
	}
	if ent.elem != nil {
		c.ll.Remove(ent.elem)
	}
}
