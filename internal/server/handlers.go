package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/knowspace/knowspace/internal/aigen"
	"github.com/knowspace/knowspace/internal/blob"
	"github.com/knowspace/knowspace/internal/loader"
	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/posts"
	"github.com/knowspace/knowspace/internal/query"
	"github.com/knowspace/knowspace/internal/storage"
)

type authorView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type postView struct {
	ID            string      `json:"id"`
	Title         string      `json:"title"`
	Content       string      `json:"content"`
	Category      string      `json:"category"`
	AllowComments bool        `json:"allowComments"`
	ImageURL      string      `json:"imageUrl,omitempty"`
	Author        *authorView `json:"author,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

type commentView struct {
	ID        string      `json:"id"`
	PostID    string      `json:"postId"`
	ParentID  *string     `json:"parentId,omitempty"`
	Content   string      `json:"content"`
	Author    *authorView `json:"author,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func toAuthorView(u *models.User) *authorView {
	if u == nil {
		return nil
	}
	return &authorView{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL}
}

func toPostView(p *models.Post, authors map[string]*models.User) postView {
	return postView{
		ID:            p.ID,
		Title:         p.Title,
		Content:       p.Content,
		Category:      p.Category,
		AllowComments: p.AllowComments,
		ImageURL:      p.ImageURL,
		Author:        toAuthorView(authors[p.AuthorID]),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, posts.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, posts.ErrCommentsDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, posts.ErrTitleRequired),
		errors.Is(err, posts.ErrTitleTooLong),
		errors.Is(err, posts.ErrContentRequired),
		errors.Is(err, posts.ErrContentTooLong),
		errors.Is(err, posts.ErrImageRequired),
		errors.Is(err, posts.ErrCommentRequired),
		errors.Is(err, posts.ErrCommentTooLong),
		errors.Is(err, aigen.ErrPromptRequired),
		errors.Is(err, aigen.ErrPromptTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// ---- feed ----

func (s *Server) handleListPosts(c *gin.Context) {
	filters := query.FilterState{
		Category:   c.Query("category"),
		SearchTerm: c.Query("search"),
		SearchMode: query.SearchByTitle,
	}
	if c.Query("searchBy") == string(query.SearchByAuthor) {
		filters.SearchMode = query.SearchByAuthor
	}
	if cursor := c.Query("cursor"); cursor != "" {
		filters.Cursor = &cursor
	}

	ctx := c.Request.Context()
	page, ok := s.cache.GetFeed(ctx, filters)
	if !ok {
		var err error
		page, err = s.store.ListPosts(ctx, query.Compose(filters, s.pageSize))
		if err != nil {
			s.writeError(c, err)
			return
		}
		page.NextCursor = query.NextCursor(page, s.pageSize)
		s.cache.SetFeed(ctx, filters, page)
	}

	authorIDs := make([]string, 0, len(page.Posts))
	for _, p := range page.Posts {
		authorIDs = append(authorIDs, p.AuthorID)
	}
	authors := loader.LoadMany(ctx, loader.NewUserLoader(s.store), authorIDs)

	views := make([]postView, 0, len(page.Posts))
	for _, p := range page.Posts {
		views = append(views, toPostView(p, authors))
	}
	c.JSON(http.StatusOK, gin.H{
		"posts":      views,
		"totalCount": page.TotalCount,
		"nextCursor": page.NextCursor,
	})
}

func (s *Server) handleGetPost(c *gin.Context) {
	ctx := c.Request.Context()
	post, err := s.store.GetPost(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	authors := loader.LoadMany(ctx, loader.NewUserLoader(s.store), []string{post.AuthorID})
	c.JSON(http.StatusOK, toPostView(post, authors))
}

// ---- post authoring ----

// draftFromForm reads the post fields and the featured image, which
// arrives either as an uploaded file or as a stock photo URL the
// server fetches itself. The returned cleanup releases the image
// reader once the draft has been consumed.
func (s *Server) draftFromForm(c *gin.Context) (posts.Draft, func(), error) {
	d := posts.Draft{
		Title:         c.PostForm("title"),
		Content:       c.PostForm("content"),
		Category:      c.PostForm("category"),
		AllowComments: c.PostForm("allowComments") != "false",
	}
	cleanup := func() {}

	file, err := c.FormFile("image")
	switch {
	case err == nil && file != nil:
		f, err := file.Open()
		if err != nil {
			return d, cleanup, err
		}
		d.Image = &blob.Upload{Name: file.Filename, Reader: f}
		cleanup = func() { f.Close() }
		return d, cleanup, nil
	case err != http.ErrMissingFile:
		return d, cleanup, err
	}

	if remote := c.PostForm("imageUrl"); remote != "" {
		rc, err := s.photos.Download(c.Request.Context(), remote)
		if err != nil {
			return d, cleanup, err
		}
		d.Image = &blob.Upload{Name: stockPhotoName(remote), Reader: rc}
		cleanup = func() { rc.Close() }
	}
	return d, cleanup, nil
}

func stockPhotoName(photoURL string) string {
	if u, err := url.Parse(photoURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "stock-photo.jpg"
}

func (s *Server) handleCreatePost(c *gin.Context) {
	draft, cleanup, err := s.draftFromForm(c)
	defer cleanup()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	post, err := s.posts.Create(c.Request.Context(), currentUser(c), draft)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.cache.Invalidate(c.Request.Context())
	c.JSON(http.StatusCreated, post)
}

func (s *Server) handleUpdatePost(c *gin.Context) {
	draft, cleanup, err := s.draftFromForm(c)
	defer cleanup()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	post, err := s.posts.Update(c.Request.Context(), currentUser(c), c.Param("id"), draft)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.cache.Invalidate(c.Request.Context())
	c.JSON(http.StatusOK, post)
}

func (s *Server) handleDeletePost(c *gin.Context) {
	if err := s.posts.Delete(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	s.cache.Invalidate(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// ---- comments ----

func (s *Server) handleListComments(c *gin.Context) {
	ctx := c.Request.Context()
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	var parentID, cursor *string
	if v := c.Query("parentId"); v != "" {
		parentID = &v
	}
	if v := c.Query("cursor"); v != "" {
		cursor = &v
	}

	page, err := s.store.GetComments(ctx, c.Param("id"), parentID, limit, cursor)
	if err != nil {
		s.writeError(c, err)
		return
	}

	authorIDs := make([]string, 0, len(page.Comments))
	for _, cm := range page.Comments {
		authorIDs = append(authorIDs, cm.AuthorID)
	}
	authors := loader.LoadMany(ctx, loader.NewUserLoader(s.store), authorIDs)

	views := make([]commentView, 0, len(page.Comments))
	for _, cm := range page.Comments {
		views = append(views, commentView{
			ID:        cm.ID,
			PostID:    cm.PostID,
			ParentID:  cm.ParentID,
			Content:   cm.Content,
			Author:    toAuthorView(authors[cm.AuthorID]),
			CreatedAt: cm.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"comments":   views,
		"totalCount": page.TotalCount,
		"nextCursor": page.NextCursor,
	})
}

func (s *Server) handleCreateComment(c *gin.Context) {
	var req struct {
		Content  string  `json:"content"`
		ParentID *string `json:"parentId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	comment, err := s.posts.CreateComment(c.Request.Context(), currentUser(c), c.Param("id"), req.ParentID, req.Content)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.hub.Publish(comment)
	c.JSON(http.StatusCreated, comment)
}

func (s *Server) handleDeleteComment(c *gin.Context) {
	if err := s.posts.DeleteComment(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCommentStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events := s.hub.Subscribe(ctx, c.Param("id"))

	// drain client frames so closes are noticed promptly
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case comment, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteJSON(comment); err != nil {
				return
			}
		}
	}
}

// ---- users ----

func (s *Server) handleSearchUsers(c *gin.Context) {
	term := c.Query("q")
	if term == "" {
		c.JSON(http.StatusOK, gin.H{"users": []authorView{}})
		return
	}
	users, err := s.store.SearchUsers(c.Request.Context(), term, 20)
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]authorView, 0, len(users))
	for _, u := range users {
		views = append(views, *toAuthorView(u))
	}
	c.JSON(http.StatusOK, gin.H{"users": views})
}

func (s *Server) handleGetUser(c *gin.Context) {
	user, err := s.store.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAuthorView(user))
}

func (s *Server) handleMe(c *gin.Context) {
	user, err := s.store.GetUser(c.Request.Context(), currentUser(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleUpdatePrefs(c *gin.Context) {
	var prefs map[string]string
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if err := s.store.UpdateUserPrefs(c.Request.Context(), currentUser(c), prefs); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---- auth ----

const stateCookie = "oauth_state"

func (s *Server) handleLogin(c *gin.Context) {
	state := uuid.NewString()
	c.SetCookie(stateCookie, state, 300, "/", "", false, true)
	c.Redirect(http.StatusFound, s.auth.LoginURL(state))
}

func (s *Server) handleCallback(c *gin.Context) {
	state, err := c.Cookie(stateCookie)
	if err != nil || state == "" || state != c.Query("state") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state mismatch"})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}
	user, token, err := s.auth.HandleCallback(c.Request.Context(), code)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
}

// handleLogout invalidates every token issued to the user so far.
// Clients drop their copy; the watermark catches the ones they don't.
func (s *Server) handleLogout(c *gin.Context) {
	if err := s.auth.InvalidateSessions(c.Request.Context(), currentUser(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.SetCookie(stateCookie, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

// ---- AI generation ----

func (s *Server) handleGenerate(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	job, err := s.aigen.Enqueue(c.Request.Context(), currentUser(c), req.Prompt)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.poller.Refresh()
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs, err := s.aigen.ListForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleRefreshJobs(c *gin.Context) {
	s.poller.Refresh()
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh requested"})
}

// ---- stock photos ----

func (s *Server) handleStockPhotos(c *gin.Context) {
	page := 1
	if raw := c.Query("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	result, err := s.photos.Search(c.Request.Context(), c.Query("q"), c.Query("category"), c.Query("order"), page)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"photos":  result.Hits,
		"total":   result.TotalHits,
		"hasMore": s.photos.HasMore(result, page),
	})
}
