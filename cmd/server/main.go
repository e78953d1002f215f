package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/knowspace/knowspace/internal/aigen"
	"github.com/knowspace/knowspace/internal/auth"
	"github.com/knowspace/knowspace/internal/blob"
	"github.com/knowspace/knowspace/internal/cache"
	"github.com/knowspace/knowspace/internal/config"
	"github.com/knowspace/knowspace/internal/functions"
	"github.com/knowspace/knowspace/internal/logger"
	"github.com/knowspace/knowspace/internal/posts"
	"github.com/knowspace/knowspace/internal/realtime"
	"github.com/knowspace/knowspace/internal/server"
	"github.com/knowspace/knowspace/internal/stockphoto"
	"github.com/knowspace/knowspace/internal/storage"
	"github.com/knowspace/knowspace/internal/storage/memory"
	"github.com/knowspace/knowspace/internal/storage/postgres"
	"github.com/knowspace/knowspace/internal/sweep"
	"github.com/knowspace/knowspace/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	storageType := flag.String("storage", "memory", "storage backend: memory or postgres")
	mode := flag.String("mode", "production", "logger mode: production or development")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logg, err := logger.New(*mode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Storage
	switch *storageType {
	case "postgres":
		logg.Info("using postgres storage")
		store, err = postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			logg.Fatal("init postgres", "error", err)
		}
	case "memory":
		logg.Info("using in-memory storage")
		store = memory.New()
	default:
		logg.Fatal("unknown storage backend", "storage", *storageType)
	}
	defer store.Close()

	pageCache := cache.Disabled(logg)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		pageCache = cache.New(rdb, cfg.Redis.TTL, logg)
	}

	fns := functions.NewClient(cfg.Functions.Endpoint, cfg.Functions.Project, cfg.Functions.APIKey)
	blobStore := blob.NewClient(fns, cfg.Blob.UploadURL, cfg.Blob.PublicKey, cfg.Blob.AuthFunction, cfg.Blob.DeleteFunction)

	postsSvc := posts.NewService(store, blobStore, logg)
	aigenSvc := aigen.NewService(store, fns, cfg.AIGen.Function, logg)
	authSvc := auth.NewService(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.RedirectURL,
		cfg.Session.Secret, cfg.Session.TTL, store, logg)
	photos := stockphoto.NewClient(cfg.StockPhotos.Endpoint, cfg.StockPhotos.Key, cfg.StockPhotos.PerPage)

	poller := tracking.NewPoller(aigenSvc.SyncPending, logg)
	go poller.Run(ctx)

	sweeper := sweep.NewSweeper(store, blobStore, logg)
	if err := sweeper.Start(cfg.Sweep.Schedule); err != nil {
		logg.Fatal("start sweeper", "error", err)
	}
	defer sweeper.Stop()

	srv := server.New(server.Config{
		Store:    store,
		Posts:    postsSvc,
		AIGen:    aigenSvc,
		Poller:   poller,
		Auth:     authSvc,
		Cache:    pageCache,
		Photos:   photos,
		Hub:      realtime.NewCommentHub(),
		Log:      logg,
		PageSize: cfg.Feed.PageSize,
	})

	logg.Info("starting server", "port", cfg.Server.Port)
	if err := srv.Run(ctx, ":"+cfg.Server.Port); err != nil {
		logg.Fatal("server stopped", "error", err)
	}
}
