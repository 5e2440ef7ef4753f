// Command orchestrator is the execution orchestrator server: it admits,
// sandboxes, streams, and records untrusted code executions and git
// worker operations.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"nimbus-ide/internal/abuse"
	"nimbus-ide/internal/admission"
	"nimbus-ide/internal/api"
	"nimbus-ide/internal/auth"
	"nimbus-ide/internal/blobstore"
	"nimbus-ide/internal/blobsync"
	"nimbus-ide/internal/catalogue"
	"nimbus-ide/internal/db"
	"nimbus-ide/internal/gitrunner"
	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/metrics"
	"nimbus-ide/internal/orchestrator"
	"nimbus-ide/internal/push"
	"nimbus-ide/internal/sampler"
	"nimbus-ide/internal/sandbox"
	"nimbus-ide/internal/settings"
	"nimbus-ide/internal/store"
	"nimbus-ide/internal/streammux"
)

func main() {
	// Missing .env is fine in containerised deployments.
	_ = godotenv.Load()

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	database, err := db.NewDatabase(db.DefaultConfig())
	if err != nil {
		log.Fatal("database initialisation failed", zap.Error(err))
	}
	defer database.Close()

	var rdb *db.RedisClient
	if os.Getenv("REDIS_URL") != "" || os.Getenv("REDIS_HOST") != "" {
		rdb, err = db.NewRedisClient(nil)
		if err != nil {
			log.Warn("redis unavailable, alert dedup stays in-process", zap.Error(err))
		} else {
			defer rdb.Close()
		}
	}

	blobs, err := newBlobStore()
	if err != nil {
		log.Fatal("blob store initialisation failed", zap.Error(err))
	}
	syncer := blobsync.New(blobs)

	st, err := settings.NewStore(database.DB)
	if err != nil {
		log.Fatal("settings store initialisation failed", zap.Error(err))
	}

	profiles := store.NewGormProfileStore(database.DB)
	projects := store.NewGormProjectStore(database.DB)
	records := store.NewGormExecutionRecordStore(database.DB)
	audit := store.NewGormAuditStore(database.DB)
	alerts := store.NewGormAlertStore(database.DB)

	orchCfg := orchestrator.DefaultConfig()
	sbxCfg := sandbox.DefaultDockerConfig()
	sbxCfg.StopGracePeriod = orchCfg.GracePeriod
	driver, err := sandbox.NewDockerDriver(sbxCfg)
	if err != nil {
		log.Fatal("sandbox driver initialisation failed", zap.Error(err))
	}

	cat := catalogue.New()
	admitter := admission.New(profiles, projects, records, st, func(language string) error {
		_, lerr := cat.Lookup(language)
		return lerr
	})

	var detector *abuse.Detector
	if rdb != nil {
		detector = abuse.New(profiles, records, alerts, audit, st, rdb.Client())
	} else {
		detector = abuse.New(profiles, records, alerts, audit, st, nil)
	}
	smp := sampler.New(driver, detector, time.Second)

	hub := push.NewHub()
	go hub.Run()
	defer hub.Shutdown()

	mux := streammux.New()
	orch := orchestrator.New(orchCfg, orchestrator.Deps{
		Driver:   driver,
		Syncer:   syncer,
		Cat:      cat,
		Admitter: admitter,
		Mux:      mux,
		Sampler:  smp,
		Detector: detector,
		Records:  records,
		Profiles: profiles,
		Audit:    audit,
		Settings: st,
		Push:     hub,
	})

	if err := orch.Reconcile(context.Background()); err != nil {
		log.Warn("startup reconcile incomplete", zap.Error(err))
	}
	go sweepLoop(orch)

	git := gitrunner.New(gitrunner.DefaultConfig(), driver, syncer, projects)

	tokens := auth.NewTokens(
		mustEnv("JWT_SECRET"),
		mustEnv("JWT_REFRESH_SECRET"),
		"nimbus-ide",
	)

	server := api.NewServer(orch, git, cat, tokens, hub, st)

	metrics.Get()

	addr := ":" + envOr("PORT", "8080")
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket subscriptions stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("orchestrator listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("orchestrator shutdown incomplete", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// newBlobStore selects the blob backend: S3 (or any S3-compatible store)
// when BLOB_BACKEND=s3, the local filesystem otherwise.
func newBlobStore() (blobstore.Store, error) {
	if os.Getenv("BLOB_BACKEND") == "s3" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:          mustEnv("S3_BUCKET"),
			Region:          envOr("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		})
	}
	return blobstore.NewLocalStore(envOr("BLOB_DIR", "./data/blobs"))
}

// sweepLoop removes stale sandboxes left behind by crashes. Orphaned
// record repair runs only at startup; sweeping containers past the
// cleanup horizon is the only part safe to repeat while fibres are live.
func sweepLoop(orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := orch.SweepStale(ctx); err != nil {
			logging.L().Warn("stale sandbox sweep incomplete", zap.Error(err))
		}
		cancel()
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		logging.L().Fatal("required environment variable missing", zap.String("key", key))
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
