package loader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/storage"
	"github.com/knowspace/knowspace/internal/storage/memory"
)

// countingStore records how many batch lookups reach storage.
type countingStore struct {
	storage.Storage
	mu    sync.Mutex
	calls int
}

func (s *countingStore) GetUsersByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.Storage.GetUsersByIDs(ctx, ids)
}

func TestUserLoaderBatches(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	for _, u := range []*models.User{
		{ID: "u1", Name: "Ada", CreatedAt: time.Now()},
		{ID: "u2", Name: "Grace", CreatedAt: time.Now()},
	} {
		require.NoError(t, mem.UpsertUser(ctx, u))
	}

	store := &countingStore{Storage: mem}
	l := NewUserLoader(store)

	users := LoadMany(ctx, l, []string{"u1", "u2", "u1", "missing"})

	assert.Len(t, users, 2)
	assert.Equal(t, "Ada", users["u1"].Name)
	assert.Equal(t, "Grace", users["u2"].Name)
	assert.NotContains(t, users, "missing")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.calls, "one page of authors, one storage round trip")
}

func TestUserLoaderMissing(t *testing.T) {
	l := NewUserLoader(memory.New())

	thunk := l.Load(context.Background(), "ghost")
	_, err := thunk()
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
