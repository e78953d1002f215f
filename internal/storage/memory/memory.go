// Package memory is the in-memory storage backend, used for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/query"
	"github.com/knowspace/knowspace/internal/storage"
)

type MemoryStorage struct {
	mu       sync.RWMutex
	posts    map[string]*models.Post
	comments map[string][]*models.Comment
	users    map[string]*models.User
	jobs     map[string]*models.TrackingJob
	orphans  map[string]*models.OrphanedAsset
}

func New() *MemoryStorage {
	return &MemoryStorage{
		posts:    make(map[string]*models.Post),
		comments: make(map[string][]*models.Comment),
		users:    make(map[string]*models.User),
		jobs:     make(map[string]*models.TrackingJob),
		orphans:  make(map[string]*models.OrphanedAsset),
	}
}

func (s *MemoryStorage) CreatePost(ctx context.Context, post *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *post
	s.posts[post.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetPost(ctx context.Context, id string) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, exists := s.posts[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *post
	return &cp, nil
}

func (s *MemoryStorage) UpdatePost(ctx context.Context, post *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.posts[post.ID]; !exists {
		return storage.ErrNotFound
	}
	cp := *post
	s.posts[post.ID] = &cp
	return nil
}

func (s *MemoryStorage) DeletePost(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.posts[id]; !exists {
		return storage.ErrNotFound
	}
	delete(s.posts, id)
	delete(s.comments, id)
	return nil
}

func containsFold(s, term string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(term))
}

func (s *MemoryStorage) ListPosts(ctx context.Context, preds []query.Predicate) (*models.PaginatedPosts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := query.Decode(preds)

	var matched []*models.Post
	for _, post := range s.posts {
		if q.Status != "" && post.Status != q.Status {
			continue
		}
		if q.Category != "" && post.Category != q.Category {
			continue
		}
		if q.TitleTerm != "" && !containsFold(post.Title, q.TitleTerm) {
			continue
		}
		if q.AuthorTerm != "" {
			author, ok := s.users[post.AuthorID]
			if !ok || !containsFold(author.Name, q.AuthorTerm) {
				continue
			}
		}
		matched = append(matched, post)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := 0
	if q.Cursor != "" {
		// An unknown cursor (item deleted mid-scroll) restarts from
		// the top; accepted staleness, same as the reference store.
		for i, post := range matched {
			if post.ID == q.Cursor {
				start = i + 1
				break
			}
		}
	}

	end := len(matched)
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	if start > end {
		start = end
	}

	page := make([]*models.Post, 0, end-start)
	for _, post := range matched[start:end] {
		cp := *post
		page = append(page, &cp)
	}

	return &models.PaginatedPosts{Posts: page, TotalCount: len(matched)}, nil
}

func (s *MemoryStorage) CreateComment(ctx context.Context, comment *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *comment
	s.comments[comment.PostID] = append(s.comments[comment.PostID], &cp)
	return nil
}

func (s *MemoryStorage) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, list := range s.comments {
		for _, c := range list {
			if c.ID == id {
				cp := *c
				return &cp, nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStorage) GetComments(ctx context.Context, postID string, parentID *string, limit int, cursor *string) (*models.PaginatedComments, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*models.Comment
	for _, c := range s.comments[postID] {
		if parentID == nil && c.ParentID == nil {
			filtered = append(filtered, c)
		} else if parentID != nil && c.ParentID != nil && *c.ParentID == *parentID {
			filtered = append(filtered, c)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].ID > filtered[j].ID
	})

	start := 0
	if cursor != nil && *cursor != "" {
		for i, c := range filtered {
			if c.ID == *cursor {
				start = i + 1
				break
			}
		}
	}

	end := len(filtered)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start > end {
		start = end
	}

	page := make([]models.Comment, end-start)
	for i, c := range filtered[start:end] {
		page[i] = *c
	}

	var next *string
	if limit > 0 && len(page) == limit {
		id := page[len(page)-1].ID
		next = &id
	}

	return &models.PaginatedComments{
		Comments:   page,
		TotalCount: len(filtered),
		NextCursor: next,
	}, nil
}

func (s *MemoryStorage) DeleteComment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for postID, list := range s.comments {
		for i, c := range list {
			if c.ID == id {
				s.comments[postID] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return storage.ErrNotFound
}

func (s *MemoryStorage) UpsertUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *user
	if user.Prefs != nil {
		cp.Prefs = make(map[string]string, len(user.Prefs))
		for k, v := range user.Prefs {
			cp.Prefs[k] = v
		}
	}
	// re-upserts refresh the profile fields only, matching the
	// postgres ON CONFLICT clause
	if existing, exists := s.users[user.ID]; exists {
		if cp.Prefs == nil {
			cp.Prefs = existing.Prefs
		}
		cp.CreatedAt = existing.CreatedAt
	}
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryStorage) GetUsersByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*models.User, 0, len(ids))
	for _, id := range ids {
		if user, exists := s.users[id]; exists {
			cp := *user
			users = append(users, &cp)
		}
	}
	return users, nil
}

func (s *MemoryStorage) SearchUsers(ctx context.Context, term string, limit int) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.User
	for _, user := range s.users {
		if containsFold(user.Name, term) || containsFold(user.Email, term) {
			cp := *user
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStorage) UpdateUserPrefs(ctx context.Context, id string, prefs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return storage.ErrNotFound
	}
	if user.Prefs == nil {
		user.Prefs = make(map[string]string, len(prefs))
	}
	for k, v := range prefs {
		user.Prefs[k] = v
	}
	return nil
}

func (s *MemoryStorage) CreateTrackingJob(ctx context.Context, job *models.TrackingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStorage) UpdateTrackingJob(ctx context.Context, job *models.TrackingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		return storage.ErrNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStorage) ListTrackingJobs(ctx context.Context, userID string) ([]models.TrackingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []models.TrackingJob
	for _, job := range s.jobs {
		if userID == "" || job.UserID == userID {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStorage) ListPendingTrackingJobs(ctx context.Context) ([]models.TrackingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []models.TrackingJob
	for _, job := range s.jobs {
		if !models.JobTerminal(job.Status) {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStorage) RecordOrphanedAsset(ctx context.Context, asset *models.OrphanedAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *asset
	s.orphans[asset.FileID] = &cp
	return nil
}

func (s *MemoryStorage) ListOrphanedAssets(ctx context.Context) ([]models.OrphanedAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]models.OrphanedAsset, 0, len(s.orphans))
	for _, a := range s.orphans {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].RecordedAt.Before(assets[j].RecordedAt) })
	return assets, nil
}

func (s *MemoryStorage) DeleteOrphanedAsset(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.orphans, fileID)
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
