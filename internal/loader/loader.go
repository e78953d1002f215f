// Package loader batches per-item author lookups into single storage calls.
package loader

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader/v7"

	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/storage"
)

// UserLoader coalesces author hydration for a page of posts or comments
// into one GetUsersByIDs round trip.
type UserLoader = dataloader.Loader[string, *models.User]

func NewUserLoader(store storage.Storage) *UserLoader {
	batch := func(ctx context.Context, keys []string) []*dataloader.Result[*models.User] {
		results := make([]*dataloader.Result[*models.User], len(keys))

		users, err := store.GetUsersByIDs(ctx, keys)
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result[*models.User]{Error: err}
			}
			return results
		}

		byID := make(map[string]*models.User, len(users))
		for _, u := range users {
			byID[u.ID] = u
		}
		for i, key := range keys {
			if u, ok := byID[key]; ok {
				results[i] = &dataloader.Result[*models.User]{Data: u}
				continue
			}
			results[i] = &dataloader.Result[*models.User]{Error: storage.ErrNotFound}
		}
		return results
	}

	return dataloader.NewBatchedLoader(batch,
		dataloader.WithWait[string, *models.User](2*time.Millisecond),
		dataloader.WithBatchCapacity[string, *models.User](100),
	)
}

// LoadMany resolves a set of author IDs, tolerating missing users by
// leaving them out of the result map.
func LoadMany(ctx context.Context, l *UserLoader, ids []string) map[string]*models.User {
	seen := make(map[string]struct{}, len(ids))
	thunks := make(map[string]func() (*models.User, error), len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		thunks[id] = l.Load(ctx, id)
	}

	out := make(map[string]*models.User, len(thunks))
	for id, thunk := range thunks {
		if u, err := thunk(); err == nil {
			out[id] = u
		}
	}
	return out
}
