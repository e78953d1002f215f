package storage

import (
	"context"
	"errors"

	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/query"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

type Storage interface {
	CreatePost(ctx context.Context, post *models.Post) error
	GetPost(ctx context.Context, id string) (*models.Post, error)
	UpdatePost(ctx context.Context, post *models.Post) error
	DeletePost(ctx context.Context, id string) error
	// ListPosts executes a composed predicate list. Supported
	// predicates: equality, contains, cursor-after (by post ID),
	// order-by created descending, limit.
	ListPosts(ctx context.Context, preds []query.Predicate) (*models.PaginatedPosts, error)

	CreateComment(ctx context.Context, comment *models.Comment) error
	GetComment(ctx context.Context, id string) (*models.Comment, error)
	GetComments(ctx context.Context, postID string, parentID *string, limit int, cursor *string) (*models.PaginatedComments, error)
	DeleteComment(ctx context.Context, id string) error

	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]*models.User, error)
	SearchUsers(ctx context.Context, term string, limit int) ([]*models.User, error)
	UpdateUserPrefs(ctx context.Context, id string, prefs map[string]string) error

	CreateTrackingJob(ctx context.Context, job *models.TrackingJob) error
	UpdateTrackingJob(ctx context.Context, job *models.TrackingJob) error
	ListTrackingJobs(ctx context.Context, userID string) ([]models.TrackingJob, error)
	ListPendingTrackingJobs(ctx context.Context) ([]models.TrackingJob, error)

	RecordOrphanedAsset(ctx context.Context, asset *models.OrphanedAsset) error
	ListOrphanedAssets(ctx context.Context) ([]models.OrphanedAsset, error)
	DeleteOrphanedAsset(ctx context.Context, fileID string) error

	Close() error
}
