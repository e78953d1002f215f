// Package posts owns the post and comment write paths. Publishing a
// post is a multi-step, partially-failable sequence: upload the
// featured image, write the document, then clean up whichever asset
// became redundant. The service keeps that sequence consistent and
// never leaks an asset silently.
package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knowspace/knowspace/internal/blob"
	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/storage"
)

const (
	MaxTitleLength   = 200
	MaxContentLength = 35000
	MaxCommentLength = 2000
)

var (
	ErrTitleRequired    = errors.New("title is required")
	ErrTitleTooLong     = fmt.Errorf("title exceeds %d characters", MaxTitleLength)
	ErrContentRequired  = errors.New("content is required")
	ErrContentTooLong   = fmt.Errorf("content exceeds %d characters", MaxContentLength)
	ErrImageRequired    = errors.New("featured image is required")
	ErrNotOwner         = errors.New("not the owner of this document")
	ErrCommentRequired  = errors.New("comment content is required")
	ErrCommentTooLong   = fmt.Errorf("comment exceeds %d characters", MaxCommentLength)
	ErrCommentsDisabled = errors.New("comments are disabled for this post")
)

// Draft is a post submission. A nil Image on update means "keep the
// existing featured image"; on create an image is mandatory.
type Draft struct {
	Title         string
	Content       string
	Category      string
	AllowComments bool
	Image         *blob.Upload
}

type Service struct {
	store storage.Storage
	blob  blob.Store
	log   *logger.Logger
	now   func() time.Time
}

func NewService(store storage.Storage, blobStore blob.Store, log *logger.Logger) *Service {
	return &Service{
		store: store,
		blob:  blobStore,
		log:   log.With("service", "posts"),
		now:   time.Now,
	}
}

// validateDraft gates the submission before anything touches the
// network.
func validateDraft(d Draft, requireImage bool) error {
	if strings.TrimSpace(d.Title) == "" {
		return ErrTitleRequired
	}
	if len(d.Title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	if strings.TrimSpace(d.Content) == "" {
		return ErrContentRequired
	}
	if len(d.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	if requireImage && d.Image == nil {
		return ErrImageRequired
	}
	return nil
}

// Create uploads the featured image, then writes the document. If the
// write fails the fresh upload is deleted so no orphan is left behind,
// and the caller gets the write error, not the cleanup outcome.
func (s *Service) Create(ctx context.Context, authorID string, d Draft) (*models.Post, error) {
	if err := validateDraft(d, true); err != nil {
		return nil, err
	}

	asset, err := s.blob.Upload(ctx, d.Image.Name, d.Image.Reader)
	if err != nil {
		return nil, fmt.Errorf("upload featured image: %w", err)
	}

	now := s.now()
	post := &models.Post{
		ID:            uuid.New().String(),
		Title:         d.Title,
		Content:       d.Content,
		Category:      d.Category,
		Status:        models.PostStatusActive,
		AuthorID:      authorID,
		AllowComments: d.AllowComments,
		ImageFileID:   asset.FileID,
		ImageURL:      asset.URL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		s.cleanupAsset(ctx, asset.FileID, "rollback after failed post create")
		return nil, err
	}
	return post, nil
}

// Update writes the document first and only then deletes the replaced
// asset, so the post never references a deleted file. A failed write
// rolls back the fresh upload.
func (s *Service) Update(ctx context.Context, userID, postID string, d Draft) (*models.Post, error) {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.AuthorID != userID {
		return nil, ErrNotOwner
	}
	if err := validateDraft(d, false); err != nil {
		return nil, err
	}

	var asset *blob.Asset
	if d.Image != nil {
		asset, err = s.blob.Upload(ctx, d.Image.Name, d.Image.Reader)
		if err != nil {
			return nil, fmt.Errorf("upload featured image: %w", err)
		}
	}

	previousFileID := post.ImageFileID
	post.Title = d.Title
	post.Content = d.Content
	post.Category = d.Category
	post.AllowComments = d.AllowComments
	post.UpdatedAt = s.now()
	if asset != nil {
		post.ImageFileID = asset.FileID
		post.ImageURL = asset.URL
	}

	if err := s.store.UpdatePost(ctx, post); err != nil {
		if asset != nil {
			s.cleanupAsset(ctx, asset.FileID, "rollback after failed post update")
		}
		return nil, err
	}

	if asset != nil && previousFileID != "" && previousFileID != asset.FileID {
		s.cleanupAsset(ctx, previousFileID, "replaced featured image")
	}
	return post, nil
}

// Delete removes the document, then best-effort deletes its asset.
func (s *Service) Delete(ctx context.Context, userID, postID string) error {
	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.AuthorID != userID {
		return ErrNotOwner
	}
	if err := s.store.DeletePost(ctx, postID); err != nil {
		return err
	}
	if post.ImageFileID != "" {
		s.cleanupAsset(ctx, post.ImageFileID, "deleted post")
	}
	return nil
}

// cleanupAsset deletes a blob best-effort. A failed delete is logged
// and recorded in the orphan ledger for the sweep; it never escalates,
// so a primary error stays the one the caller sees.
func (s *Service) cleanupAsset(ctx context.Context, fileID, reason string) {
	err := s.blob.Delete(ctx, fileID)
	if err == nil {
		return
	}
	s.log.Warn("asset delete failed, recording orphan", "file_id", fileID, "reason", reason, "error", err)

	orphan := &models.OrphanedAsset{FileID: fileID, Reason: reason, RecordedAt: s.now()}
	if err := s.store.RecordOrphanedAsset(ctx, orphan); err != nil {
		s.log.Error("record orphaned asset", "file_id", fileID, "error", err)
	}
}

// CreateComment validates and writes a comment on an open post.
func (s *Service) CreateComment(ctx context.Context, authorID, postID string, parentID *string, content string) (*models.Comment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrCommentRequired
	}
	if len(content) > MaxCommentLength {
		return nil, ErrCommentTooLong
	}

	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !post.AllowComments {
		return nil, ErrCommentsDisabled
	}

	comment := &models.Comment{
		ID:        uuid.New().String(),
		PostID:    postID,
		ParentID:  parentID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateComment(ctx, comment); err != nil {
		return nil, err
	}
	return comment, nil
}

// DeleteComment allows the comment author or the post author to
// remove a comment.
func (s *Service) DeleteComment(ctx context.Context, userID, commentID string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != userID {
		post, err := s.store.GetPost(ctx, comment.PostID)
		if err != nil {
			return err
		}
		if post.AuthorID != userID {
			return ErrNotOwner
		}
	}
	return s.store.DeleteComment(ctx, commentID)
}
