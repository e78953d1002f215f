package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/query"
	"github.com/knowspace/knowspace/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPost(t *testing.T, s *MemoryStorage, title, category, authorID string, age time.Duration) *models.Post {
	t.Helper()
	post := &models.Post{
		ID:            uuid.New().String(),
		Title:         title,
		Content:       "content of " + title,
		Category:      category,
		Status:        models.PostStatusActive,
		AuthorID:      authorID,
		AllowComments: true,
		CreatedAt:     time.Now().Add(-age),
	}
	require.NoError(t, s.CreatePost(context.Background(), post))
	return post
}

func TestMemoryStorage_Posts(t *testing.T) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := New()
		post := seedPost(t, s, "First post", "Technology", "user1", 0)

		got, err := s.GetPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, post.Title, got.Title)
		assert.Equal(t, post.Category, got.Category)
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		s := New()
		_, err := s.GetPost(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("update rewrites document", func(t *testing.T) {
		s := New()
		post := seedPost(t, s, "Before", "Travel", "user1", 0)

		post.Title = "After"
		require.NoError(t, s.UpdatePost(ctx, post))

		got, err := s.GetPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, "After", got.Title)
	})

	t.Run("delete removes post and its comments", func(t *testing.T) {
		s := New()
		post := seedPost(t, s, "Doomed", "Travel", "user1", 0)
		require.NoError(t, s.CreateComment(ctx, &models.Comment{
			ID: uuid.New().String(), PostID: post.ID, AuthorID: "user2", Content: "hi",
		}))

		require.NoError(t, s.DeletePost(ctx, post.ID))

		_, err := s.GetPost(ctx, post.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		page, err := s.GetComments(ctx, post.ID, nil, 10, nil)
		require.NoError(t, err)
		assert.Empty(t, page.Comments)
	})
}

func TestMemoryStorage_ListPosts(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *MemoryStorage {
		s := New()
		require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "user1", Name: "Ada Lovelace"}))
		require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "user2", Name: "Grace Hopper"}))
		seedPost(t, s, "Go in production", "Technology", "user1", 3*time.Hour)
		seedPost(t, s, "Hiking the Alps", "Travel", "user2", 2*time.Hour)
		seedPost(t, s, "Go generics", "Technology", "user2", time.Hour)
		return s
	}

	t.Run("newest first", func(t *testing.T) {
		s := setup(t)
		page, err := s.ListPosts(ctx, query.Compose(query.FilterState{Category: query.CategoryAll}, 8))
		require.NoError(t, err)
		require.Len(t, page.Posts, 3)
		assert.Equal(t, "Go generics", page.Posts[0].Title)
		assert.Equal(t, "Go in production", page.Posts[2].Title)
		assert.Equal(t, 3, page.TotalCount)
	})

	t.Run("category filter", func(t *testing.T) {
		s := setup(t)
		page, err := s.ListPosts(ctx, query.Compose(query.FilterState{Category: "Travel"}, 8))
		require.NoError(t, err)
		require.Len(t, page.Posts, 1)
		assert.Equal(t, "Hiking the Alps", page.Posts[0].Title)
	})

	t.Run("inactive posts are hidden", func(t *testing.T) {
		s := setup(t)
		hidden := seedPost(t, s, "Draft", "Technology", "user1", 0)
		hidden.Status = models.PostStatusInactive
		require.NoError(t, s.UpdatePost(ctx, hidden))

		page, err := s.ListPosts(ctx, query.Compose(query.FilterState{Category: query.CategoryAll}, 8))
		require.NoError(t, err)
		assert.Len(t, page.Posts, 3)
	})

	t.Run("title search is case-insensitive", func(t *testing.T) {
		s := setup(t)
		page, err := s.ListPosts(ctx, query.Compose(query.FilterState{
			Category: query.CategoryAll, SearchTerm: "go", SearchMode: query.SearchByTitle,
		}, 8))
		require.NoError(t, err)
		assert.Len(t, page.Posts, 2)
	})

	t.Run("author search matches user name", func(t *testing.T) {
		s := setup(t)
		page, err := s.ListPosts(ctx, query.Compose(query.FilterState{
			Category: query.CategoryAll, SearchTerm: "grace", SearchMode: query.SearchByAuthor,
		}, 8))
		require.NoError(t, err)
		require.Len(t, page.Posts, 2)
		for _, p := range page.Posts {
			assert.Equal(t, "user2", p.AuthorID)
		}
	})

	t.Run("cursor resumes after given post", func(t *testing.T) {
		s := setup(t)
		first, err := s.ListPosts(ctx, query.Compose(query.FilterState{Category: query.CategoryAll}, 2))
		require.NoError(t, err)
		require.Len(t, first.Posts, 2)

		cursor := first.Posts[1].ID
		second, err := s.ListPosts(ctx, query.Compose(query.FilterState{
			Category: query.CategoryAll, Cursor: &cursor,
		}, 2))
		require.NoError(t, err)
		require.Len(t, second.Posts, 1)
		assert.NotEqual(t, first.Posts[0].ID, second.Posts[0].ID)
		assert.NotEqual(t, first.Posts[1].ID, second.Posts[0].ID)
	})
}

func TestMemoryStorage_Comments(t *testing.T) {
	ctx := context.Background()

	t.Run("pagination by id cursor", func(t *testing.T) {
		s := New()
		post := seedPost(t, s, "Commented", "Technology", "user1", time.Hour)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.CreateComment(ctx, &models.Comment{
				ID:        fmt.Sprintf("c%d", i),
				PostID:    post.ID,
				AuthorID:  "user2",
				Content:   fmt.Sprintf("comment %d", i),
				CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
			}))
		}

		first, err := s.GetComments(ctx, post.ID, nil, 2, nil)
		require.NoError(t, err)
		require.Len(t, first.Comments, 2)
		assert.Equal(t, 5, first.TotalCount)
		require.NotNil(t, first.NextCursor)

		second, err := s.GetComments(ctx, post.ID, nil, 2, first.NextCursor)
		require.NoError(t, err)
		require.Len(t, second.Comments, 2)
		assert.NotEqual(t, first.Comments[0].ID, second.Comments[0].ID)

		third, err := s.GetComments(ctx, post.ID, nil, 2, second.NextCursor)
		require.NoError(t, err)
		require.Len(t, third.Comments, 1)
	})

	t.Run("replies filtered by parent", func(t *testing.T) {
		s := New()
		post := seedPost(t, s, "Threaded", "Technology", "user1", time.Hour)
		parent := &models.Comment{ID: "root", PostID: post.ID, AuthorID: "user2", Content: "root", CreatedAt: time.Now()}
		require.NoError(t, s.CreateComment(ctx, parent))
		require.NoError(t, s.CreateComment(ctx, &models.Comment{
			ID: "reply", PostID: post.ID, ParentID: &parent.ID, AuthorID: "user1", Content: "reply", CreatedAt: time.Now(),
		}))

		top, err := s.GetComments(ctx, post.ID, nil, 10, nil)
		require.NoError(t, err)
		require.Len(t, top.Comments, 1)
		assert.Equal(t, "root", top.Comments[0].ID)

		replies, err := s.GetComments(ctx, post.ID, &parent.ID, 10, nil)
		require.NoError(t, err)
		require.Len(t, replies.Comments, 1)
		assert.Equal(t, "reply", replies.Comments[0].ID)
	})

	t.Run("delete comment", func(t *testing.T) {
		s := New()
		post := seedPost(t, s, "P", "Technology", "user1", 0)
		require.NoError(t, s.CreateComment(ctx, &models.Comment{ID: "c1", PostID: post.ID, AuthorID: "u", Content: "x"}))

		require.NoError(t, s.DeleteComment(ctx, "c1"))
		assert.ErrorIs(t, s.DeleteComment(ctx, "c1"), storage.ErrNotFound)
	})
}

func TestMemoryStorage_UsersAndJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("search users by name or email", func(t *testing.T) {
		s := New()
		require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "u1", Name: "Ada Lovelace", Email: "ada@example.com"}))
		require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "u2", Name: "Grace Hopper", Email: "grace@example.com"}))

		byName, err := s.SearchUsers(ctx, "ada", 10)
		require.NoError(t, err)
		require.Len(t, byName, 1)
		assert.Equal(t, "u1", byName[0].ID)

		byEmail, err := s.SearchUsers(ctx, "grace@", 10)
		require.NoError(t, err)
		require.Len(t, byEmail, 1)
		assert.Equal(t, "u2", byEmail[0].ID)
	})

	t.Run("prefs merge", func(t *testing.T) {
		s := New()
		require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "u1", Name: "Ada"}))
		require.NoError(t, s.UpdateUserPrefs(ctx, "u1", map[string]string{"theme": "dark"}))
		require.NoError(t, s.UpdateUserPrefs(ctx, "u1", map[string]string{"lang": "en"}))

		user, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "dark", user.Prefs["theme"])
		assert.Equal(t, "en", user.Prefs["lang"])
	})

	t.Run("re-upsert keeps prefs and creation time", func(t *testing.T) {
		s := New()
		created := time.Now().Add(-time.Hour)
		require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "u1", Name: "Ada", CreatedAt: created}))
		require.NoError(t, s.UpdateUserPrefs(ctx, "u1", map[string]string{"theme": "dark"}))

		// the re-login path upserts the fresh profile without prefs
		require.NoError(t, s.UpsertUser(ctx, &models.User{ID: "u1", Name: "Ada L.", CreatedAt: time.Now()}))

		user, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ada L.", user.Name)
		assert.Equal(t, "dark", user.Prefs["theme"])
		assert.True(t, user.CreatedAt.Equal(created))
	})

	t.Run("pending jobs exclude terminal statuses", func(t *testing.T) {
		s := New()
		for i, status := range []string{
			models.JobStatusQueued, models.JobStatusInProgress,
			models.JobStatusCompleted, models.JobStatusFailed,
		} {
			require.NoError(t, s.CreateTrackingJob(ctx, &models.TrackingJob{
				ID: fmt.Sprintf("j%d", i), UserID: "u1", Status: status,
				CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
			}))
		}

		pending, err := s.ListPendingTrackingJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		all, err := s.ListTrackingJobs(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("orphan ledger round trip", func(t *testing.T) {
		s := New()
		require.NoError(t, s.RecordOrphanedAsset(ctx, &models.OrphanedAsset{
			FileID: "f1", Reason: "rollback delete failed", RecordedAt: time.Now(),
		}))

		assets, err := s.ListOrphanedAssets(ctx)
		require.NoError(t, err)
		require.Len(t, assets, 1)

		require.NoError(t, s.DeleteOrphanedAsset(ctx, "f1"))
		assets, err = s.ListOrphanedAssets(ctx)
		require.NoError(t, err)
		assert.Empty(t, assets)
	})
}
