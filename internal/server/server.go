// Package server exposes the HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/knowspace/knowspace/internal/aigen"
	"github.com/knowspace/knowspace/internal/auth"
	"github.com/knowspace/knowspace/internal/cache"
	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/posts"
	"github.com/knowspace/knowspace/internal/realtime"
	"github.com/knowspace/knowspace/internal/stockphoto"
	"github.com/knowspace/knowspace/internal/storage"
	"github.com/knowspace/knowspace/internal/tracking"
)

const userIDKey = "userID"

type Server struct {
	store    storage.Storage
	posts    *posts.Service
	aigen    *aigen.Service
	poller   *tracking.Poller
	auth     *auth.Service
	cache    *cache.Cache
	photos   *stockphoto.Client
	hub      *realtime.CommentHub
	log      *logger.Logger
	pageSize int
	upgrader websocket.Upgrader

	httpServer *http.Server
}

type Config struct {
	Store    storage.Storage
	Posts    *posts.Service
	AIGen    *aigen.Service
	Poller   *tracking.Poller
	Auth     *auth.Service
	Cache    *cache.Cache
	Photos   *stockphoto.Client
	Hub      *realtime.CommentHub
	Log      *logger.Logger
	PageSize int
}

func New(cfg Config) *Server {
	return &Server{
		store:    cfg.Store,
		posts:    cfg.Posts,
		aigen:    cfg.AIGen,
		poller:   cfg.Poller,
		auth:     cfg.Auth,
		cache:    cfg.Cache,
		photos:   cfg.Photos,
		hub:      cfg.Hub,
		log:      cfg.Log.With("component", "server"),
		pageSize: cfg.PageSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLog())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/auth/login", s.handleLogin)
		api.GET("/auth/callback", s.handleCallback)

		api.GET("/posts", s.handleListPosts)
		api.GET("/posts/:id", s.handleGetPost)
		api.GET("/posts/:id/comments", s.handleListComments)
		api.GET("/posts/:id/comments/stream", s.handleCommentStream)

		api.GET("/users/search", s.handleSearchUsers)
		api.GET("/users/:id", s.handleGetUser)

		api.GET("/stockphotos", s.handleStockPhotos)
	}

	protected := api.Group("/")
	protected.Use(s.requireAuth())
	{
		protected.POST("/posts", s.handleCreatePost)
		protected.PUT("/posts/:id", s.handleUpdatePost)
		protected.DELETE("/posts/:id", s.handleDeletePost)

		protected.POST("/posts/:id/comments", s.handleCreateComment)
		protected.DELETE("/comments/:id", s.handleDeleteComment)

		protected.POST("/auth/logout", s.handleLogout)

		protected.GET("/me", s.handleMe)
		protected.PUT("/me/prefs", s.handleUpdatePrefs)

		protected.POST("/generate", s.handleGenerate)
		protected.GET("/generate/jobs", s.handleListJobs)
		protected.POST("/generate/refresh", s.handleRefreshJobs)
	}

	return router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid token"})
			return
		}
		userID, err := s.auth.Authorize(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	// websocket clients cannot set headers, they pass the token in the URL
	return c.Query("token")
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}
