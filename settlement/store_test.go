package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetOrCreateIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, didCreate, err := store.GetOrCreate(context.Background(), &Record{
				Key:       "k1",
				State:     StateReceived,
				Network:   "eip155:84532",
				CreatedAt: now,
				UpdatedAt: now,
			})
			require.NoError(t, err)
			if didCreate {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.GetOrCreate(context.Background(), &Record{Key: "k1", State: StateReceived})
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	rec.State = StateConfirmed

	again, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, StateReceived, again.State)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(context.Background(), &Record{Key: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTransitionClaimsOnce(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.GetOrCreate(context.Background(), &Record{Key: "k1", State: StateVerified})
	require.NoError(t, err)

	first, err := store.Transition(context.Background(), &Record{Key: "k1", State: StateSettling}, StateVerified)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.Transition(context.Background(), &Record{Key: "k1", State: StateSettling}, StateVerified)
	require.NoError(t, err)
	assert.False(t, second)

	rec, err := store.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, StateSettling, rec.State)
}

func TestMemoryStoreDeleteExpiredKeepsInFlight(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	for key, state := range map[string]State{
		"done":     StateConfirmed,
		"rejected": StateRejected,
		"inflight": StateSubmitted,
	} {
		_, _, err := store.GetOrCreate(ctx, &Record{Key: key, State: state, UpdatedAt: old})
		require.NoError(t, err)
	}

	removed, err := store.DeleteExpired(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Get(ctx, "inflight")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDeleteExpiredKeepsFresh(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.GetOrCreate(ctx, &Record{Key: "recent", State: StateConfirmed, UpdatedAt: time.Now()})
	require.NoError(t, err)

	removed, err := store.DeleteExpired(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)
}
