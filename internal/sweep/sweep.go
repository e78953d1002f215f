// Package sweep retries asset deletions that failed at publish time.
package sweep

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/knowspace/knowspace/internal/blob"
	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/storage"
)

const maxConcurrentDeletes = 4

// Sweeper drains the orphaned asset ledger on a schedule. Entries stay
// in the ledger until the asset host confirms the delete.
type Sweeper struct {
	store storage.Storage
	blob  blob.Store
	log   *logger.Logger
	cron  *cron.Cron
}

func NewSweeper(store storage.Storage, blobStore blob.Store, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store: store,
		blob:  blobStore,
		log:   log.With("component", "sweep"),
		cron:  cron.New(),
	}
}

// Start schedules recurring sweeps. The schedule uses cron syntax,
// descriptors like "@hourly" included.
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Error("sweep run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("orphan sweep scheduled", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce attempts every ledgered delete, a few at a time. An asset
// that still fails stays ledgered for the next run.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	orphans, err := s.store.ListOrphanedAssets(ctx)
	if err != nil {
		return fmt.Errorf("list orphaned assets: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}
	s.log.Info("sweeping orphaned assets", "count", len(orphans))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDeletes)
	for _, orphan := range orphans {
		fileID := orphan.FileID
		g.Go(func() error {
			if err := s.blob.Delete(ctx, fileID); err != nil {
				s.log.Warn("orphaned asset still undeletable", "fileID", fileID, "error", err)
				return nil
			}
			if err := s.store.DeleteOrphanedAsset(ctx, fileID); err != nil {
				return fmt.Errorf("clear ledger entry %s: %w", fileID, err)
			}
			s.log.Info("orphaned asset reclaimed", "fileID", fileID)
			return nil
		})
	}
	return g.Wait()
}
