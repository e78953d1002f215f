package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowspace/knowspace/internal/aigen"
	"github.com/knowspace/knowspace/internal/auth"
	"github.com/knowspace/knowspace/internal/blob"
	"github.com/knowspace/knowspace/internal/cache"
	"github.com/knowspace/knowspace/internal/functions"
	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/models"
	"github.com/knowspace/knowspace/internal/posts"
	"github.com/knowspace/knowspace/internal/realtime"
	"github.com/knowspace/knowspace/internal/stockphoto"
	"github.com/knowspace/knowspace/internal/storage/memory"
	"github.com/knowspace/knowspace/internal/tracking"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubBlob struct {
	uploads int
}

func (b *stubBlob) Upload(ctx context.Context, name string, r io.Reader) (*blob.Asset, error) {
	b.uploads++
	id := fmt.Sprintf("file-%d", b.uploads)
	return &blob.Asset{FileID: id, URL: "https://cdn.example.com/" + id}, nil
}

func (b *stubBlob) Delete(ctx context.Context, fileID string) error { return nil }

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, function, body string, async bool) (*functions.Execution, error) {
	return &functions.Execution{ID: uuid.NewString(), Status: functions.ExecutionWaiting}, nil
}

func (stubExecutor) GetExecution(ctx context.Context, function, executionID string) (*functions.Execution, error) {
	return &functions.Execution{ID: executionID, Status: functions.ExecutionProcessing}, nil
}

type testEnv struct {
	store  *memory.MemoryStorage
	server *Server
	router http.Handler
	auth   *auth.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	store := memory.New()
	b := &stubBlob{}

	authSvc := auth.NewService("id", "secret", "http://localhost/cb", "test-secret", time.Hour, store, log)
	aigenSvc := aigen.NewService(store, stubExecutor{}, "generate-post", log)
	poller := tracking.NewPoller(func(ctx context.Context) ([]models.TrackingJob, error) {
		return nil, nil
	}, log)

	srv := New(Config{
		Store:    store,
		Posts:    posts.NewService(store, b, log),
		AIGen:    aigenSvc,
		Poller:   poller,
		Auth:     authSvc,
		Cache:    cache.Disabled(log),
		Photos:   stockphoto.NewClient("http://unused.invalid", "key", 20),
		Hub:      realtime.NewCommentHub(),
		Log:      log,
		PageSize: 8,
	})
	return &testEnv{store: store, server: srv, router: srv.Router(), auth: authSvc}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	require.NoError(t, e.store.UpsertUser(context.Background(), &models.User{
		ID: userID, Name: "User " + userID, Email: userID + "@example.com", CreatedAt: time.Now(),
	}))
	token, err := e.auth.MintToken(userID)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func postForm(t *testing.T, fields map[string]string, image bool) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image {
		fw, err := mw.CreateFormFile("image", "cover.png")
		require.NoError(t, err)
		_, err = fw.Write([]byte("png-bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) createPost(t *testing.T, token, title string) models.Post {
	t.Helper()
	body, contentType := postForm(t, map[string]string{
		"title":    title,
		"content":  "post content",
		"category": "Technology",
	}, true)
	req := httptest.NewRequest(http.MethodPost, "/api/posts", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	w := e.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var post models.Post
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &post))
	return post
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	w := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/posts", nil)
	w := e.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/posts", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	w = e.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostLifecycle(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "author")

	post := e.createPost(t, token, "First post")
	assert.Equal(t, "file-1", post.ImageFileID)

	t.Run("readable without auth", func(t *testing.T) {
		w := e.do(httptest.NewRequest(http.MethodGet, "/api/posts/"+post.ID, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var view postView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		assert.Equal(t, "First post", view.Title)
		require.NotNil(t, view.Author)
		assert.Equal(t, "User author", view.Author.Name)
	})

	t.Run("update by another user is forbidden", func(t *testing.T) {
		other := e.token(t, "intruder")
		body, contentType := postForm(t, map[string]string{
			"title": "Hijacked", "content": "x", "category": "Technology",
		}, false)
		req := httptest.NewRequest(http.MethodPut, "/api/posts/"+post.ID, body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+other)
		assert.Equal(t, http.StatusForbidden, e.do(req).Code)
	})

	t.Run("validation maps to 400", func(t *testing.T) {
		body, contentType := postForm(t, map[string]string{
			"title": "", "content": "x", "category": "Technology",
		}, true)
		req := httptest.NewRequest(http.MethodPost, "/api/posts", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusBadRequest, e.do(req).Code)
	})

	t.Run("delete", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/posts/"+post.ID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusNoContent, e.do(req).Code)

		w := e.do(httptest.NewRequest(http.MethodGet, "/api/posts/"+post.ID, nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestFeedPagination(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "author")
	for i := 0; i < 10; i++ {
		e.createPost(t, token, fmt.Sprintf("Post %02d", i))
		time.Sleep(2 * time.Millisecond)
	}

	type feedPage struct {
		Posts      []postView `json:"posts"`
		TotalCount int        `json:"totalCount"`
		NextCursor *string    `json:"nextCursor"`
	}

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/posts", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var first feedPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	require.Len(t, first.Posts, 8, "page size is fixed")
	assert.Equal(t, 10, first.TotalCount)
	require.NotNil(t, first.NextCursor, "full page carries a cursor")
	assert.Equal(t, first.Posts[7].ID, *first.NextCursor, "cursor is the last item's ID")
	assert.Equal(t, "Post 09", first.Posts[0].Title, "newest first")

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/posts?cursor="+*first.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var second feedPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))

	require.Len(t, second.Posts, 2)
	assert.Nil(t, second.NextCursor, "short page ends pagination")

	t.Run("title search", func(t *testing.T) {
		w := e.do(httptest.NewRequest(http.MethodGet, "/api/posts?search=Post+03", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var page feedPage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		require.Len(t, page.Posts, 1)
		assert.Equal(t, "Post 03", page.Posts[0].Title)
	})

	t.Run("author search", func(t *testing.T) {
		w := e.do(httptest.NewRequest(http.MethodGet, "/api/posts?search=User+author&searchBy=author", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var page feedPage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Posts, 8)
	})

	t.Run("category filter with all sentinel", func(t *testing.T) {
		w := e.do(httptest.NewRequest(http.MethodGet, "/api/posts?category=all", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var page feedPage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Posts, 8, "all means unfiltered")

		w = e.do(httptest.NewRequest(http.MethodGet, "/api/posts?category=Travel", nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Empty(t, page.Posts)
	})
}

func TestComments(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "author")
	post := e.createPost(t, token, "Commented post")

	payload := func(content string) *strings.Reader {
		raw, _ := json.Marshal(map[string]string{"content": content})
		return strings.NewReader(string(raw))
	}

	req := httptest.NewRequest(http.MethodPost, "/api/posts/"+post.ID+"/comments", payload("first comment"))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := e.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var comment models.Comment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &comment))

	t.Run("list with authors", func(t *testing.T) {
		w := e.do(httptest.NewRequest(http.MethodGet, "/api/posts/"+post.ID+"/comments", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var page struct {
			Comments []commentView `json:"comments"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		require.Len(t, page.Comments, 1)
		assert.Equal(t, "first comment", page.Comments[0].Content)
		require.NotNil(t, page.Comments[0].Author)
	})

	t.Run("empty content rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/posts/"+post.ID+"/comments", payload("  "))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, http.StatusBadRequest, e.do(req).Code)
	})

	t.Run("delete by post author", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/comments/"+comment.ID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusNoContent, e.do(req).Code)
	})
}

func TestCommentStream(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "author")
	post := e.createPost(t, token, "Live post")

	httpSrv := httptest.NewServer(e.router)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/posts/" + post.ID + "/comments/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// subscription registers asynchronously after the upgrade
	require.Eventually(t, func() bool {
		return e.server.hub.Subscribers(post.ID) == 1
	}, time.Second, 10*time.Millisecond)

	raw, _ := json.Marshal(map[string]string{"content": "live comment"})
	req, err := http.NewRequest(http.MethodPost, httpSrv.URL+"/api/posts/"+post.ID+"/comments", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received models.Comment
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, "live comment", received.Content)
}

func TestUsersAndPrefs(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "author")

	t.Run("me", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := e.do(req)
		require.Equal(t, http.StatusOK, w.Code)

		var me models.User
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
		assert.Equal(t, "author", me.ID)
	})

	t.Run("prefs update", func(t *testing.T) {
		raw, _ := json.Marshal(map[string]string{"theme": "dark"})
		req := httptest.NewRequest(http.MethodPut, "/api/me/prefs", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		require.Equal(t, http.StatusNoContent, e.do(req).Code)

		user, err := e.store.GetUser(context.Background(), "author")
		require.NoError(t, err)
		assert.Equal(t, "dark", user.Prefs["theme"])
	})

	t.Run("logout invalidates outstanding tokens", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		require.Equal(t, http.StatusNoContent, e.do(req).Code)

		req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, e.do(req).Code, "the pre-logout token must stop working")
	})

	t.Run("search", func(t *testing.T) {
		w := e.do(httptest.NewRequest(http.MethodGet, "/api/users/search?q=User", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var res struct {
			Users []authorView `json:"users"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.NotEmpty(t, res.Users)
	})
}

func TestGenerate(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "author")

	raw, _ := json.Marshal(map[string]string{"prompt": "write about Go"})
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	w := e.do(req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var job models.TrackingJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusQueued, job.Status)

	t.Run("jobs list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/generate/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := e.do(req)
		require.Equal(t, http.StatusOK, w.Code)

		var res struct {
			Jobs []models.TrackingJob `json:"jobs"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		require.Len(t, res.Jobs, 1)
	})

	t.Run("empty prompt rejected", func(t *testing.T) {
		raw, _ := json.Marshal(map[string]string{"prompt": ""})
		req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, http.StatusBadRequest, e.do(req).Code)
	})

	t.Run("manual refresh", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/generate/refresh", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusAccepted, e.do(req).Code)
	})
}

func TestCreatePostFromStockPhoto(t *testing.T) {
	imageHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/photos/sunset.jpg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("jpeg-bytes"))
	}))
	defer imageHost.Close()

	e := newEnv(t)
	token := e.token(t, "author")

	submit := func(imageURL string) *httptest.ResponseRecorder {
		body, contentType := postForm(t, map[string]string{
			"title":    "Sunset thoughts",
			"content":  "post content",
			"category": "Travel",
			"imageUrl": imageURL,
		}, false)
		req := httptest.NewRequest(http.MethodPost, "/api/posts", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+token)
		return e.do(req)
	}

	w := submit(imageHost.URL + "/photos/sunset.jpg")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var post models.Post
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &post))
	assert.Equal(t, "file-1", post.ImageFileID, "remote photo re-hosted on the asset store")

	t.Run("unreachable photo rejects before any write", func(t *testing.T) {
		w := submit(imageHost.URL + "/photos/missing.jpg")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("uploaded file wins over imageUrl", func(t *testing.T) {
		body, contentType := postForm(t, map[string]string{
			"title":    "Local beats remote",
			"content":  "post content",
			"category": "Travel",
			"imageUrl": imageHost.URL + "/photos/sunset.jpg",
		}, true)
		req := httptest.NewRequest(http.MethodPost, "/api/posts", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+token)
		w := e.do(req)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	})
}

func TestStockPhotos(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sunset", r.URL.Query().Get("q"))
		json.NewEncoder(w).Encode(map[string]any{
			"total":     50,
			"totalHits": 50,
			"hits": []map[string]any{
				{"id": 1, "webformatURL": "https://img.example.com/1.jpg"},
			},
		})
	}))
	defer upstream.Close()

	e := newEnv(t)
	e.server.photos = stockphoto.NewClient(upstream.URL, "key", 20)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/stockphotos?q=sunset&page=1", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Total   int  `json:"total"`
		HasMore bool `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 50, res.Total)
	assert.True(t, res.HasMore)
}
