// mediabroker acquires, processes and delivers movie/TV requests: it
// searches indexers, drives a BitTorrent download to completion, encodes
// to each target's profile, and pushes the result out to one or more
// storage servers, advancing every request through its pipeline template
// until it is delivered or parked for operator input.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"mediabroker/internal/activity"
	"mediabroker/internal/api"
	"mediabroker/internal/collaborators"
	"mediabroker/internal/config"
	"mediabroker/internal/delivery"
	"mediabroker/internal/domain"
	"mediabroker/internal/encode"
	"mediabroker/internal/filemapper"
	"mediabroker/internal/handlers"
	"mediabroker/internal/httpcollab"
	"mediabroker/internal/pipeline"
	"mediabroker/internal/reconciler"
	"mediabroker/internal/scheduler"
	"mediabroker/internal/selector"
	"mediabroker/internal/steps"
	"mediabroker/internal/store"
	"mediabroker/internal/torrentclient"
)

func main() {
	cfg := config.Load()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	log.WithFields(log.Fields{
		"port":      cfg.Port,
		"redis_url": cfg.RedisURL,
		"db":        cfg.DatabaseURL,
	}).Info("starting mediabroker")

	st, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	if err := store.RunMigrations(st); err != nil {
		log.WithError(err).Fatal("run migrations")
	}
	seedDefaultTemplates(st)

	redisClient := redis.NewClient(mustParseRedisURL(cfg.RedisURL))

	tc, err := torrentclient.New(torrentclient.Config{DataDir: cfg.TorrentDataDir})
	if err != nil {
		log.WithError(err).Fatal("start torrent client")
	}

	metadata := httpcollab.NewMetadataClient(cfg.CatalogBaseURL)
	indexer := httpcollab.NewIndexerHTTPClient(cfg.IndexerBaseURL, cfg.IndexerAPIKey)
	encoderPool := httpcollab.NewEncoderPoolClient(cfg.EncoderPoolBaseURL)
	scanner := httpcollab.NewLibraryScannerClient(cfg.LibraryScannerBaseURL)

	rec := reconciler.New(st, tc, reconciler.Config{
		MovieTimeout: cfg.MovieDownloadTimeout,
		TVTimeout:    cfg.TVDownloadTimeout,
		StallWindow:  cfg.DownloadStallWindow,
		Backoff:      reconciler.DefaultBackoffConfig(),
	})

	sel := selector.New(indexer, cfg.IndexerQPS, cfg.IndexerBurst)
	mapper := filemapper.New(filemapper.NewCLIExtractor(""))
	encodeCoord := encode.New(encoderPool, cfg.EncodePollInterval)

	deliveryCoord := delivery.New([]delivery.Server{
		{
			ID:        "default",
			Transport: delivery.NewLocalTransport(),
			Scanner:   scanner,
			BasePath:  cfg.DeliveryBasePath,
		},
	})

	reg := pipeline.NewStepRegistry()
	executor := pipeline.NewExecutor(reg, st)

	steps.Register(reg,
		&steps.SearchStep{Selector: sel, AlternativesKept: 5},
		&steps.DownloadStartStep{Reconciler: rec, SavePathRoot: cfg.TorrentDataDir},
		&steps.DownloadMonitorStep{Reconciler: rec, PollInterval: cfg.DownloadPollInterval},
		&steps.MapFilesStep{Torrent: tc, Mapper: mapper},
		&steps.EncodeStep{Coordinator: encodeCoord, Resolver: defaultProfileResolver()},
		&steps.DeliverStep{Coordinator: deliveryCoord},
		&steps.ApprovalStep{},
		&steps.BranchStep{Executor: executor},
	)

	searchTemplate := []domain.StepDefinition{{Kind: steps.KindSearch, Name: "search"}}
	sched := scheduler.New(st, rec, executor, metadata, searchTemplate, scheduler.Config{
		RetryAwaitingInterval:   cfg.RetryAwaitingInterval,
		StuckDetectorInterval:   cfg.StuckDetectorInterval,
		StuckThreshold:          cfg.StuckThreshold,
		DownloadHealthInterval:  cfg.DownloadHealthInterval,
		NewEpisodeCheckInterval: cfg.NewEpisodeCheckInterval,
	})

	activityRecorder := activity.New(st, redisClient)
	svc := api.New(st, executor, metadata, activityRecorder, cfg.IdempotencyTokenSecret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sched.Run(ctx)

	router := setupRouter(svc)
	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithField("addr", addr).Info("listening")
	if err := router.Run(addr); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

// setupRouter creates and configures the Gin engine with all routes.
func setupRouter(svc *api.Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	h := handlers.New(svc)
	h.RegisterRoutes(v1)

	return router
}

func mustParseRedisURL(raw string) *redis.Options {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		log.WithError(err).Fatal("parse redis url")
	}
	return opts
}

// defaultProfileResolver is the system-wide fallback encode profile used
// when a target names neither a profile override nor a server default.
func defaultProfileResolver() encode.ProfileResolver {
	return encode.ProfileResolver{
		SystemDefault: "default-1080p",
		Profiles: map[string]collaborators.EncodeProfile{
			"default-1080p": {
				ID: "default-1080p", Resolution: "1080p", VideoCodec: "h264", AudioCodec: "aac", Container: "mp4",
			},
		},
	}
}

// seedDefaultTemplates ensures a movie and TV pipeline template exist so
// createRequest.movie/.tv never fails on a fresh database.
func seedDefaultTemplates(st store.Store) {
	ctx := context.Background()
	defaults := []*domain.PipelineTemplate{
		{
			ID: "default-movie", Kind: domain.KindMovie, Name: "default movie pipeline", Version: 1, IsDefault: true,
			Steps: []domain.StepDefinition{
				{Kind: steps.KindSearch, Name: "search"},
				{Kind: steps.KindDownloadStart, Name: "downloadStart"},
				{Kind: steps.KindDownloadMonitor, Name: "downloadMonitor"},
				{Kind: steps.KindMapFiles, Name: "mapFiles"},
				{Kind: steps.KindEncode, Name: "encode"},
				{Kind: steps.KindDeliver, Name: "deliver"},
			},
		},
		{
			ID: "default-tv", Kind: domain.KindTV, Name: "default tv pipeline", Version: 1, IsDefault: true,
			Steps: []domain.StepDefinition{
				{Kind: steps.KindSearch, Name: "search"},
				{Kind: steps.KindDownloadStart, Name: "downloadStart"},
				{Kind: steps.KindDownloadMonitor, Name: "downloadMonitor"},
				{Kind: steps.KindMapFiles, Name: "mapFiles"},
				{Kind: steps.KindEncode, Name: "encode"},
				{Kind: steps.KindDeliver, Name: "deliver"},
			},
		},
	}
	for _, t := range defaults {
		if _, err := st.GetTemplate(ctx, t.ID); err == nil {
			continue
		}
		if err := st.PutTemplate(ctx, t); err != nil {
			log.WithError(err).WithField("template", t.ID).Warn("seed default template failed")
		}
	}
}
