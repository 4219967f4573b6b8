package sessioncache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_TTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	m := store.Tab()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_RemovalNotifiesOtherTabsOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()
	tab1, tab2 := store.Tab(), store.Tab()

	own, err := tab1.Removed(ctx, "k")
	require.NoError(t, err)
	other, err := tab2.Removed(ctx, "k")
	require.NoError(t, err)
	unrelated, err := tab2.Removed(ctx, "other-key")
	require.NoError(t, err)

	// Removing an absent key is not an event.
	require.NoError(t, tab1.Delete(ctx, "k"))
	require.NoError(t, tab1.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, tab1.Delete(ctx, "k"))

	select {
	case <-other:
	default:
		t.Fatal("other tab not notified")
	}
	select {
	case <-own:
		t.Fatal("removing tab notified itself")
	case <-unrelated:
		t.Fatal("watcher for another key notified")
	default:
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-other
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, func() *RedisStorage) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, func() *RedisStorage {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisStorageWithClient(client, "test:")
	}
}

func TestRedisStorage_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	mr, newStorage := newMiniredis(t)
	s := newStorage()

	_, err := s.Get(ctx, StorageKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, StorageKey, []byte(`{"authenticated":true}`), time.Minute))
	assert.True(t, mr.Exists("test:"+StorageKey))
	assert.Equal(t, time.Minute, mr.TTL("test:"+StorageKey))

	got, err := s.Get(ctx, StorageKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"authenticated":true}`, string(got))

	mr.FastForward(time.Minute + time.Second)
	_, err = s.Get(ctx, StorageKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, StorageKey, []byte("x"), 0))
	require.NoError(t, s.Delete(ctx, StorageKey))
	assert.False(t, mr.Exists("test:"+StorageKey))
}

func TestRedisStorage_RemovalEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, newStorage := newMiniredis(t)
	writer, watcher := newStorage(), newStorage()

	own, err := writer.Removed(ctx, StorageKey)
	require.NoError(t, err)
	other, err := watcher.Removed(ctx, StorageKey)
	require.NoError(t, err)

	require.NoError(t, writer.Set(ctx, StorageKey, []byte("v"), time.Minute))
	require.NoError(t, writer.Delete(ctx, StorageKey))

	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher not notified")
	}
	select {
	case <-own:
		t.Fatal("writer notified of its own removal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisStorage_SharedCacheAcrossClients(t *testing.T) {
	ctx := context.Background()
	_, newStorage := newMiniredis(t)
	f := &fakeAuth{}
	now := time.Now()
	c1 := newTestClient(t, f, newStorage(), now)
	c2 := newTestClient(t, f, newStorage(), now)

	_, err := c1.GetSession(ctx)
	require.NoError(t, err)
	info, err := c2.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", info.UID)

	session, _ := f.hits()
	assert.Equal(t, 1, session, "second client must be served from the shared cache")
}

func TestNewRedisStorage_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisStorage(ctx, addr, "test:")
	assert.Error(t, err)
}
