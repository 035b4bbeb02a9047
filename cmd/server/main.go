package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sonicsplit/api/internal/auth"
	"github.com/sonicsplit/api/internal/client"
	"github.com/sonicsplit/api/internal/config"
	"github.com/sonicsplit/api/internal/lifecycle"
	"github.com/sonicsplit/api/internal/middleware"
	"github.com/sonicsplit/api/internal/server"
	"github.com/sonicsplit/api/internal/service"
	"github.com/sonicsplit/api/internal/store"
	ws "github.com/sonicsplit/api/internal/websocket"
	"github.com/sonicsplit/api/internal/worker"
	"github.com/sonicsplit/api/pkg/logger"
)

const (
	runnerAsynq     = "asynq"
	runnerInProcess = "inprocess"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
	})
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", logger.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", logger.Err(err))
	}

	jobs, err := store.Open(cfg.Store, redisClient, log)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobs.Close()
	log.Info("job store ready", slog.String("driver", cfg.Store.Driver))

	// R2 is optional; without it blobs live in memory
	var storage client.StorageClient
	r2Configured := false
	if cfg.R2.IsConfigured() {
		r2Client, err := client.NewR2Client(ctx, cfg.R2)
		if err != nil {
			log.Warn("R2 client not initialized, using memory storage", logger.Err(err))
		} else {
			storage = r2Client
			r2Configured = true
		}
	} else {
		log.Info("R2 storage not configured, using memory storage")
	}
	if storage == nil {
		storage = client.NewMemoryStorage("")
	}

	var driver lifecycle.Driver
	separationConfigured := cfg.Separation.ServiceURL != ""
	if separationConfigured {
		separator := client.NewSeparationClient(cfg.Separation)
		if err := separator.HealthCheck(ctx); err != nil {
			log.Warn("separation service not healthy", logger.Err(err))
		}
		driver = lifecycle.NewRemoteDriver(separator, storage)
	} else {
		log.Info("separation service not configured, using simulated driver")
		driver = lifecycle.NewSimulatedDriver(cfg.Jobs.ProgressStep, storage)
	}

	engine := lifecycle.NewEngine(jobs, driver, lifecycle.Config{
		TickInterval:  cfg.Jobs.TickInterval,
		WriteAttempts: cfg.Jobs.WriteAttempts,
		WriteBackoff:  cfg.Jobs.WriteBackoff,
	}, log)

	var starter lifecycle.Starter
	var workerServer *asynq.Server
	switch cfg.Jobs.Runner {
	case runnerAsynq, "":
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()

		starter = worker.NewDispatcher(asynqClient, jobs, log)
		workerServer = newWorkerServer(cfg, redisOpt)
	case runnerInProcess:
		log.Warn("in-process runner: run a single instance only")
		starter = engine
	default:
		return fmt.Errorf("unknown jobs runner %q", cfg.Jobs.Runner)
	}

	scheduler := cron.New()
	recovery := worker.NewRecovery(jobs, starter, scheduler, cfg.Jobs.RecoverySchedule, log)
	if err := recovery.Schedule(ctx); err != nil {
		return err
	}

	authenticator, closeAuth := newAuthenticator(ctx, cfg, log)
	defer closeAuth()

	jobService := service.NewJobService(jobs, storage, starter, engine, cfg.Upload, log)
	hub := ws.NewHub(jobService, log)

	app := server.NewApp(server.Deps{
		Config:        cfg,
		Jobs:          jobService,
		Hub:           hub,
		Authenticator: authenticator,
		RateLimiter:   middleware.NewRateLimiter(redisClient, log),
		Logger:        log,
		AccessLog:     os.Stdout,
		Services: map[string]bool{
			"r2":         r2Configured,
			"separation": separationConfigured,
			"auth":       authenticator.Sessions() != nil || cfg.Zitadel.Issuer != "",
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		log.Info("server starting", slog.String("addr", addr))
		return app.Listen(addr)
	})

	if workerServer != nil {
		sepWorker := worker.NewSeparationWorker(engine, jobs, log)
		mux := asynq.NewServeMux()
		mux.HandleFunc(worker.TaskTypeSeparation, sepWorker.ProcessTask)
		if err := workerServer.Start(mux); err != nil {
			return fmt.Errorf("start worker server: %w", err)
		}
		log.Info("worker server started", slog.Int("concurrency", cfg.Jobs.Concurrency))
	}

	scheduler.Start()
	g.Go(func() error {
		// Resume whatever a previous run left processing
		if _, err := recovery.Sweep(gctx); err != nil {
			log.Warn("initial recovery sweep failed", logger.Err(err))
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		<-scheduler.Stop().Done()
		hub.Close()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error("server shutdown error", logger.Err(err))
		}
		if workerServer != nil {
			workerServer.Shutdown()
		}
		jobService.Wait()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			log.Warn("engine did not stop in time", logger.Err(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Jobs.Concurrency,
		Queues: map[string]int{
			worker.QueueSeparation: 1,
		},
		LogLevel: asynqLogLevel,
	})
}

// newAuthenticator wires the Zitadel verifier when an issuer is configured
// and local session tokens when a JWT secret is set
func newAuthenticator(ctx context.Context, cfg *config.Config, log *slog.Logger) (*auth.Authenticator, func()) {
	var verifier auth.TokenVerifier
	closeFn := func() {}
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, cfg.Zitadel)
		if err != nil {
			log.Warn("JWKS verifier not initialized", logger.Err(err))
		} else {
			verifier = jwksVerifier
			closeFn = func() { _ = jwksVerifier.Close() }
		}
	}

	var sessions *auth.SessionSigner
	if cfg.JWT.Secret != "" {
		signer, err := auth.NewSessionSigner(cfg.JWT.Secret, time.Duration(cfg.JWT.Expiration)*time.Hour)
		if err != nil {
			log.Warn("session tokens disabled", logger.Err(err))
		} else {
			sessions = signer
		}
	} else {
		log.Warn("JWT_SECRET not set, anonymous sign-in disabled")
	}

	return auth.NewAuthenticator(verifier, sessions), closeFn
}
