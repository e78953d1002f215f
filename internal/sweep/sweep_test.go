package sweep

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowspace/knowspace/internal/blob"
	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/storage/memory"
)

// flakyBlob fails deletes for the listed IDs.
type flakyBlob struct {
	mu      sync.Mutex
	failing map[string]bool
	deleted []string
}

func (f *flakyBlob) Upload(ctx context.Context, name string, r io.Reader) (*blob.Asset, error) {
	panic("sweeper never uploads")
}

func (f *flakyBlob) Delete(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[fileID] {
		return fmt.Errorf("asset host refused %s", fileID)
	}
	f.deleted = append(f.deleted, fileID)
	return nil
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("reclaims deletable assets and keeps the rest ledgered", func(t *testing.T) {
		store := memory.New()
		for _, id := range []string{"f1", "f2", "f3"} {
			require.NoError(t, store.RecordOrphanedAsset(ctx, &models.OrphanedAsset{
				FileID: id, Reason: "rollback", RecordedAt: time.Now(),
			}))
		}
		b := &flakyBlob{failing: map[string]bool{"f2": true}}
		s := NewSweeper(store, b, logger.NewNop())

		require.NoError(t, s.RunOnce(ctx))

		remaining, err := store.ListOrphanedAssets(ctx)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, "f2", remaining[0].FileID)
		assert.ElementsMatch(t, []string{"f1", "f3"}, b.deleted)
	})

	t.Run("retry succeeds once the host recovers", func(t *testing.T) {
		store := memory.New()
		require.NoError(t, store.RecordOrphanedAsset(ctx, &models.OrphanedAsset{
			FileID: "f2", Reason: "rollback", RecordedAt: time.Now(),
		}))
		b := &flakyBlob{failing: map[string]bool{"f2": true}}
		s := NewSweeper(store, b, logger.NewNop())

		require.NoError(t, s.RunOnce(ctx))
		b.mu.Lock()
		b.failing["f2"] = false
		b.mu.Unlock()
		require.NoError(t, s.RunOnce(ctx))

		remaining, err := store.ListOrphanedAssets(ctx)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("empty ledger is a no-op", func(t *testing.T) {
		b := &flakyBlob{}
		s := NewSweeper(memory.New(), b, logger.NewNop())
		require.NoError(t, s.RunOnce(ctx))
		assert.Empty(t, b.deleted)
	})
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(memory.New(), &flakyBlob{}, logger.NewNop())
	assert.Error(t, s.Start("not a schedule"))
}

func TestScheduledSweep(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.RecordOrphanedAsset(ctx, &models.OrphanedAsset{
		FileID: "f1", Reason: "rollback", RecordedAt: time.Now(),
	}))
	b := &flakyBlob{}
	s := NewSweeper(store, b, logger.NewNop())

	require.NoError(t, s.Start("@every 100ms"))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		remaining, err := store.ListOrphanedAssets(ctx)
		return err == nil && len(remaining) == 0
	}, 3*time.Second, 50*time.Millisecond)
}
