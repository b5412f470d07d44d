// Package main runs the recording-fleet orchestrator: HTTP ingress, health
// loop, metrics aggregator, WebSocket push channel, and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-conference/orchestrator/config"
	"github.com/aura-conference/orchestrator/internal/api"
	"github.com/aura-conference/orchestrator/internal/dispatch"
	"github.com/aura-conference/orchestrator/internal/events"
	"github.com/aura-conference/orchestrator/internal/health"
	"github.com/aura-conference/orchestrator/internal/jobstore"
	"github.com/aura-conference/orchestrator/internal/metrics"
	"github.com/aura-conference/orchestrator/internal/middleware"
	"github.com/aura-conference/orchestrator/internal/realtime"
	"github.com/aura-conference/orchestrator/internal/registry"
	"github.com/aura-conference/orchestrator/internal/repository"
	"github.com/aura-conference/orchestrator/internal/rpc"
	"github.com/aura-conference/orchestrator/pkg/database"
	"github.com/aura-conference/orchestrator/pkg/redis"
	"github.com/aura-conference/orchestrator/pkg/response"
	"github.com/aura-conference/orchestrator/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	// Persistence is warm-restart and history only; an unreachable store
	// degrades to a cold start with empty registries.
	var repo *repository.Repository
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MinConns, cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Warn("database unreachable, starting with empty registries", zap.Error(err))
	} else {
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		repo = repository.New(pool)
	}

	var mirror events.Mirror
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("redis unreachable, event mirror disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			mirror = events.NewRedisMirror(rdb.Client, logger)
		}
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.RecordingsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	bus := events.NewBus(mirror, logger)
	reg := registry.New(cfg.Orchestrator.MaxConcurrentPerNode, logger)
	jobs := jobstore.New(logger)
	nodeRPC := rpc.NewClient(logger)

	callbackURL := cfg.Server.PublicURL + "/callbacks/recorder-event"
	var persister dispatch.JobPersister
	if repo != nil {
		persister = repo
	}
	dispatcher := dispatch.New(reg, jobs, nodeRPC, persister, bus, callbackURL, logger)

	if repo != nil {
		warmRestart(ctx, repo, reg, jobs, logger)
	}

	healthLoop := health.New(reg, jobs, dispatcher, bus, cfg.Orchestrator.HealthCheckInterval, cfg.Orchestrator.NodeTimeout, logger)
	var sink metrics.SnapshotSink
	if repo != nil {
		sink = repo
	}
	aggregator := metrics.New(reg, jobs, bus, sink, cfg.AutoScaling, cfg.Orchestrator.MetricsInterval, logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(aggregator.Collectors()...)

	hub := realtime.NewHub(bus, logger)
	defer hub.Close()

	handler := api.New(reg, jobs, dispatcher, healthLoop, aggregator, repo, s3Client, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health probe and Prometheus metrics
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	// Node-facing surface (registration, heartbeats, event callback)
	router.POST("/nodes/room-servers", handler.RegisterRoomServer)
	router.POST("/nodes/recorders", handler.RegisterRecorder)
	router.POST("/nodes/room-servers/:id/heartbeat", handler.RoomServerHeartbeat)
	router.POST("/nodes/recorders/:id/heartbeat", handler.RecorderHeartbeat)
	router.POST("/callbacks/recorder-event", handler.RecorderEvent)

	// Client/admin surface (JWT-validated when a secret is configured)
	apiGroup := router.Group("")
	apiGroup.Use(middleware.Auth(cfg.Auth.JWTSecret))
	{
		apiGroup.GET("/nodes", handler.ListNodes)
		apiGroup.DELETE("/nodes/:id", handler.RemoveNode)

		apiGroup.POST("/recordings", handler.StartRecording)
		apiGroup.POST("/recordings/:id/stop", handler.StopRecording)
		apiGroup.GET("/recordings", handler.ListRecordings)
		apiGroup.GET("/recordings/:id", handler.GetRecording)
		apiGroup.GET("/recordings/:id/download-url", handler.GenerateDownloadURL)
		apiGroup.GET("/history/recordings", handler.RecordingHistory)
		apiGroup.GET("/history/metrics", handler.MetricsRange)

		apiGroup.GET("/capacity", handler.Capacity)
		apiGroup.GET("/scaling/recommendations", handler.ScalingRecommendations)
		apiGroup.GET("/alerts", handler.AlertStatus)

		apiGroup.POST("/admin/health-tick", handler.TriggerHealthTick)
	}

	// WebSocket push channel (subscribe-by-class)
	router.GET("/ws", realtime.ServeWs(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	go healthLoop.Run(loopCtx)
	go aggregator.Run(loopCtx)

	go func() {
		logger.Info("orchestrator listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	loopCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("orchestrator stopped")
}

// warmRestart reloads healthy nodes and active jobs from the store. Restored
// nodes start a fresh heartbeat window; jobs resume in their persisted state
// and the next health tick reconciles anything that died while we were down.
func warmRestart(ctx context.Context, repo *repository.Repository, reg *registry.Registry, jobs *jobstore.Store, logger *zap.Logger) {
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	roomServers, err := repo.LoadHealthyRoomServers(loadCtx)
	if err != nil {
		logger.Warn("warm restart: load room servers failed", zap.Error(err))
	}
	for _, rs := range roomServers {
		rs.LastHeartbeat = time.Now()
		reg.RestoreRoomServer(rs)
	}

	recorders, err := repo.LoadHealthyRecorderNodes(loadCtx)
	if err != nil {
		logger.Warn("warm restart: load recorders failed", zap.Error(err))
	}
	for _, node := range recorders {
		node.LastHeartbeat = time.Now()
		reg.RestoreRecorder(node)
	}

	activeJobs, err := repo.LoadActiveJobs(loadCtx)
	if err != nil {
		logger.Warn("warm restart: load active jobs failed", zap.Error(err))
	}
	for _, job := range activeJobs {
		jobs.Restore(job)
	}

	logger.Info("warm restart complete",
		zap.Int("room_servers", len(roomServers)),
		zap.Int("recorders", len(recorders)),
		zap.Int("active_jobs", len(activeJobs)))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
