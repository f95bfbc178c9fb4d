package developer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCachedCredentialStore_CachesLookups(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDeveloper(t, true)
	under := newMemStore(dev)
	c := NewCachedCredentialStore(under, CachedCredentialStoreConfig{TTL: time.Minute, Max: 10})

	d1, err := c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)
	d2, err := c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.Equal(t, 1, under.lookupCount())
}

func TestCachedCredentialStore_DoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	under := newMemStore()
	c := NewCachedCredentialStore(under, CachedCredentialStoreConfig{TTL: time.Minute, Max: 10})

	_, err := c.GetDeveloperByAPIKey(ctx, "pk_test_missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetDeveloperByAPIKey(ctx, "pk_test_missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, under.lookupCount())
	require.Equal(t, 0, c.cache.Len())
}

func TestCachedCredentialStore_TTLExpires(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDeveloper(t, true)
	under := newMemStore(dev)
	c := NewCachedCredentialStore(under, CachedCredentialStoreConfig{TTL: time.Minute, Max: 10})

	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.cache.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, err := c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	_, err = c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)
	require.Equal(t, 2, under.lookupCount())
}

func TestCachedCredentialStore_MutationsPurge(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDeveloper(t, true)
	under := newMemStore(dev)
	c := NewCachedCredentialStore(under, CachedCredentialStoreConfig{TTL: time.Minute, Max: 10})

	_, err := c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)

	dev.IsActive = false
	require.NoError(t, c.UpdateDeveloper(ctx, dev))
	got, err := c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	require.NoError(t, c.UpdateSecretHash(ctx, dev.ID, "new-hash", time.Now()))
	got, err = c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)
	require.Equal(t, "new-hash", got.SecretHash)

	require.NoError(t, c.DeleteDeveloper(ctx, dev.ID))
	_, err = c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 4, under.lookupCount())
}

func TestCachedCredentialStore_EvictsLRU(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestDeveloper(t, true)
	b, _ := newTestDeveloper(t, true)
	b.ID = "dev-b"
	d, _ := newTestDeveloper(t, true)
	d.ID = "dev-d"
	under := newMemStore(a, b, d)
	c := NewCachedCredentialStore(under, CachedCredentialStoreConfig{TTL: time.Minute, Max: 2})

	for _, dev := range []Developer{a, b, d} {
		_, err := c.GetDeveloperByAPIKey(ctx, dev.APIKey)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.cache.Len())

	// a was least recently used and has been evicted.
	_, err := c.GetDeveloperByAPIKey(ctx, a.APIKey)
	require.NoError(t, err)
	require.Equal(t, 4, under.lookupCount())
}

// revokingStore runs revoke after the underlying lookup has returned, so the
// caller holds a record that was read before the revocation.
type revokingStore struct {
	*memStore
	revoke func()
}

func (s *revokingStore) GetDeveloperByAPIKey(ctx context.Context, apiKey string) (Developer, error) {
	d, err := s.memStore.GetDeveloperByAPIKey(ctx, apiKey)
	if s.revoke != nil {
		revoke := s.revoke
		s.revoke = nil
		revoke()
	}
	return d, err
}

func TestCachedCredentialStore_LookupRacingRevocationIsNotCached(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDeveloper(t, true)
	under := &revokingStore{memStore: newMemStore(dev)}
	c := NewCachedCredentialStore(under, CachedCredentialStoreConfig{TTL: time.Minute, Max: 10})

	revoked := dev
	revoked.IsActive = false
	under.revoke = func() { require.NoError(t, c.UpdateDeveloper(ctx, revoked)) }

	stale, err := c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)
	require.True(t, stale.IsActive)
	require.Equal(t, 0, c.cache.Len())

	got, err := c.GetDeveloperByAPIKey(ctx, dev.APIKey)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.Equal(t, 2, under.lookupCount())
}
