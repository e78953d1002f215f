// Package postgres is the production storage backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/query"
	"github.com/knowspace/knowspace/internal/storage"
)

type PostgresStorage struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		prefs JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		author_id TEXT NOT NULL REFERENCES users(id),
		allow_comments BOOLEAN NOT NULL,
		image_file_id TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		parent_id TEXT,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tracking_jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		execution_id TEXT NOT NULL DEFAULT '',
		post_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS orphaned_assets (
		file_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posts_status_created ON posts(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_posts_category ON posts(category);
	CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id);
	CREATE INDEX IF NOT EXISTS idx_comments_parent_id ON comments(parent_id);
	CREATE INDEX IF NOT EXISTS idx_tracking_jobs_user ON tracking_jobs(user_id);
	CREATE INDEX IF NOT EXISTS idx_tracking_jobs_status ON tracking_jobs(status);
`

const postColumns = `p.id, p.title, p.content, p.category, p.status, p.author_id,
	p.allow_comments, p.image_file_id, p.image_url, p.created_at, p.updated_at`

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.Title, &p.Content, &p.Category, &p.Status, &p.AuthorID,
		&p.AllowComments, &p.ImageFileID, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStorage) CreatePost(ctx context.Context, post *models.Post) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO posts (id, title, content, category, status, author_id,
			allow_comments, image_file_id, image_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		post.ID, post.Title, post.Content, post.Category, post.Status, post.AuthorID,
		post.AllowComments, post.ImageFileID, post.ImageURL, post.CreatedAt, post.UpdatedAt)
	return err
}

func (s *PostgresStorage) GetPost(ctx context.Context, id string) (*models.Post, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts p WHERE p.id = $1`, id)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return post, err
}

func (s *PostgresStorage) UpdatePost(ctx context.Context, post *models.Post) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET title=$2, content=$3, category=$4, status=$5,
			allow_comments=$6, image_file_id=$7, image_url=$8, updated_at=$9
		WHERE id=$1`,
		post.ID, post.Title, post.Content, post.Category, post.Status,
		post.AllowComments, post.ImageFileID, post.ImageURL, post.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) DeletePost(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) ListPosts(ctx context.Context, preds []query.Predicate) (*models.PaginatedPosts, error) {
	q := query.Decode(preds)

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Status != "" {
		where = append(where, "p.status = "+arg(q.Status))
	}
	if q.Category != "" {
		where = append(where, "p.category = "+arg(q.Category))
	}
	if q.TitleTerm != "" {
		where = append(where, "p.title ILIKE '%' || "+arg(q.TitleTerm)+" || '%'")
	}
	if q.AuthorTerm != "" {
		where = append(where, "u.name ILIKE '%' || "+arg(q.AuthorTerm)+" || '%'")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var totalCount int
	countSQL := `SELECT COUNT(*) FROM posts p JOIN users u ON u.id = p.author_id` + clause
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&totalCount); err != nil {
		return nil, err
	}

	if q.Cursor != "" {
		where = append(where,
			"(p.created_at, p.id) < (SELECT created_at, id FROM posts WHERE id = "+arg(q.Cursor)+")")
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	sql := `SELECT ` + postColumns + ` FROM posts p JOIN users u ON u.id = p.author_id` +
		clause + ` ORDER BY p.created_at DESC, p.id DESC`
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &models.PaginatedPosts{Posts: posts, TotalCount: totalCount}, nil
}

func (s *PostgresStorage) CreateComment(ctx context.Context, comment *models.Comment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comments (id, post_id, parent_id, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		comment.ID, comment.PostID, comment.ParentID, comment.AuthorID, comment.Content, comment.CreatedAt)
	return err
}

func (s *PostgresStorage) GetComment(ctx context.Context, id string) (*models.Comment, error) {
	var c models.Comment
	err := s.pool.QueryRow(ctx, `
		SELECT id, post_id, parent_id, author_id, content, created_at
		FROM comments WHERE id=$1`, id).
		Scan(&c.ID, &c.PostID, &c.ParentID, &c.AuthorID, &c.Content, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStorage) GetComments(ctx context.Context, postID string, parentID *string, limit int, cursor *string) (*models.PaginatedComments, error) {
	var totalCount int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM comments
		WHERE post_id=$1 AND parent_id IS NOT DISTINCT FROM $2`,
		postID, parentID).Scan(&totalCount)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, post_id, parent_id, author_id, content, created_at
		FROM comments
		WHERE post_id=$1 AND parent_id IS NOT DISTINCT FROM $2
		AND ($3::TEXT IS NULL OR (created_at, id) < (SELECT created_at, id FROM comments WHERE id = $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`,
		postID, parentID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []models.Comment
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.PostID, &c.ParentID, &c.AuthorID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var nextCursor *string
	if limit > 0 && len(comments) == limit {
		id := comments[len(comments)-1].ID
		nextCursor = &id
	}

	return &models.PaginatedComments{
		Comments:   comments,
		TotalCount: totalCount,
		NextCursor: nextCursor,
	}, nil
}

func (s *PostgresStorage) DeleteComment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM comments WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) UpsertUser(ctx context.Context, user *models.User) error {
	prefs := user.Prefs
	if prefs == nil {
		prefs = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, avatar_url, prefs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			avatar_url = excluded.avatar_url`,
		user.ID, user.Name, user.Email, user.AvatarURL, prefs, user.CreatedAt)
	return err
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.AvatarURL, &u.Prefs, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, avatar_url, prefs, created_at FROM users WHERE id=$1`, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return user, err
}

func (s *PostgresStorage) GetUsersByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, avatar_url, prefs, created_at
		FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStorage) SearchUsers(ctx context.Context, term string, limit int) ([]*models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, avatar_url, prefs, created_at
		FROM users
		WHERE name ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%'
		ORDER BY name
		LIMIT $2`, term, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStorage) UpdateUserPrefs(ctx context.Context, id string, prefs map[string]string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET prefs = prefs || $2 WHERE id=$1`, id, prefs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) CreateTrackingJob(ctx context.Context, job *models.TrackingJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracking_jobs (id, user_id, prompt, status, execution_id, post_id, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.UserID, job.Prompt, job.Status, job.ExecutionID, job.PostID, job.Error,
		job.CreatedAt, job.UpdatedAt)
	return err
}

func (s *PostgresStorage) UpdateTrackingJob(ctx context.Context, job *models.TrackingJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tracking_jobs SET status=$2, execution_id=$3, post_id=$4, error=$5, updated_at=$6
		WHERE id=$1`,
		job.ID, job.Status, job.ExecutionID, job.PostID, job.Error, job.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanJobs(rows pgx.Rows) ([]models.TrackingJob, error) {
	defer rows.Close()
	var jobs []models.TrackingJob
	for rows.Next() {
		var j models.TrackingJob
		if err := rows.Scan(&j.ID, &j.UserID, &j.Prompt, &j.Status, &j.ExecutionID,
			&j.PostID, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStorage) ListTrackingJobs(ctx context.Context, userID string) ([]models.TrackingJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, prompt, status, execution_id, post_id, error, created_at, updated_at
		FROM tracking_jobs
		WHERE $1 = '' OR user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PostgresStorage) ListPendingTrackingJobs(ctx context.Context) ([]models.TrackingJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, prompt, status, execution_id, post_id, error, created_at, updated_at
		FROM tracking_jobs
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at DESC`,
		models.JobStatusCompleted, models.JobStatusFailed)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PostgresStorage) RecordOrphanedAsset(ctx context.Context, asset *models.OrphanedAsset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orphaned_assets (file_id, reason, recorded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_id) DO NOTHING`,
		asset.FileID, asset.Reason, asset.RecordedAt)
	return err
}

func (s *PostgresStorage) ListOrphanedAssets(ctx context.Context) ([]models.OrphanedAsset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT file_id, reason, recorded_at FROM orphaned_assets ORDER BY recorded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []models.OrphanedAsset
	for rows.Next() {
		var a models.OrphanedAsset
		if err := rows.Scan(&a.FileID, &a.Reason, &a.RecordedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStorage) DeleteOrphanedAsset(ctx context.Context, fileID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM orphaned_assets WHERE file_id=$1`, fileID)
	return err
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
