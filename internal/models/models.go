package models

import "time"

// Post statuses. Only active posts show up in the public feed.
const (
	PostStatusActive   = "active"
	PostStatusInactive = "inactive"
)

// Tracking job statuses for AI generation runs. Both spellings of the
// running state occur upstream, so comparisons go through JobRunning.
const (
	JobStatusQueued     = "queued"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// JobRunning reports whether a status string means the job is actively
// being worked on.
func JobRunning(status string) bool {
	return status == JobStatusInProgress || status == "inprogress"
}

// JobTerminal reports whether a job will never change status again.
func JobTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

type Post struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Category      string    `json:"category"`
	Status        string    `json:"status"`
	AuthorID      string    `json:"authorId"`
	AllowComments bool      `json:"allowComments"`
	ImageFileID   string    `json:"imageFileId"`
	ImageURL      string    `json:"imageUrl"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	ParentID  *string   `json:"parentId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type User struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Email     string            `json:"email"`
	AvatarURL string            `json:"avatarUrl"`
	Prefs     map[string]string `json:"prefs"`
	CreatedAt time.Time         `json:"createdAt"`
}

// TrackingJob is one AI content-generation run as shown in the
// tracking drawer. The backend owns status transitions; clients only
// read.
type TrackingJob struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Prompt      string    `json:"prompt"`
	Status      string    `json:"status"`
	ExecutionID string    `json:"executionId"`
	PostID      string    `json:"postId"`
	Error       string    `json:"error"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OrphanedAsset is a blob-store file whose best-effort delete failed.
// The sweep retries these until they go away.
type OrphanedAsset struct {
	FileID     string    `json:"fileId"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recordedAt"`
}

type PaginatedPosts struct {
	Posts      []*Post `json:"posts"`
	TotalCount int     `json:"totalCount"`
	NextCursor *string `json:"nextCursor"`
}

type PaginatedComments struct {
	Comments   []Comment `json:"comments"`
	TotalCount int       `json:"totalCount"`
	NextCursor *string   `json:"nextCursor"`
}
