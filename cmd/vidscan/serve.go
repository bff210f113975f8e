package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/vidscan/internal/blob"
	"github.com/jonathan/vidscan/internal/config"
	"github.com/jonathan/vidscan/internal/db"
	"github.com/jonathan/vidscan/internal/intake"
	"github.com/jonathan/vidscan/internal/logging"
	"github.com/jonathan/vidscan/internal/pipeline"
	"github.com/jonathan/vidscan/internal/progress"
	"github.com/jonathan/vidscan/internal/server"
	"github.com/jonathan/vidscan/internal/server/ratelimit"
)

const pipelineDrainTimeout = 30 * time.Second

var (
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server that accepts uploads, runs the moderation pipeline,
streams media and publishes live progress over SSE and WebSocket.

Unfinished videos from a previous run are resumed on startup.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	jwtCfg, err := config.NewJWTConfig()
	if err != nil {
		return fmt.Errorf("failed to load JWT config: %w", err)
	}

	log, err := logging.New(logging.Config{Environment: cfg.Environment, Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := db.Open(ctx, cfg.RepositoryDriver, repositoryDSN(cfg))
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	blobs, err := blob.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	bus := progress.NewBus(cfg.SubscriberBuffer, log)
	defer bus.Close()

	var (
		publisher progress.Publisher = bus
		bridge    *progress.RedisBridge
	)
	if cfg.RedisURL != "" {
		client, err := progress.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		bridge = progress.NewRedisBridge(bus, client, cfg.RedisChannel, log)
		publisher = bridge
	}

	scheduler, err := pipeline.NewScheduler(repo, blobs, publisher,
		pipeline.DefaultSteps(cfg.Pipeline), pipeline.OptionsFromConfig(cfg.Pipeline), log)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	intakeSvc := intake.NewService(repo, blobs, scheduler, intake.OptionsFromConfig(cfg.Upload), log)

	srv := server.New(server.Config{
		Port:              cfg.Port,
		MaxUploadBytes:    cfg.Upload.MaxBytes,
		StreamRequireAuth: cfg.StreamRequireAuth,
		FeedRequireAuth:   cfg.FeedRequireAuth,
		CORSOrigins:       cfg.CORSOrigins,
	}, server.Dependencies{
		Repo:        repo,
		Blobs:       blobs,
		Intake:      intakeSvc,
		Feed:        bus,
		Tokens:      server.NewJWTService(jwtCfg).AsTokenValidator(),
		RateLimiter: ratelimit.NewLimiter(ratelimit.LoadConfig()),
		Logger:      log,
	})

	if _, err := scheduler.Recover(ctx); err != nil {
		log.Warn("failed to resume unfinished videos", zap.Error(err))
	}

	log.Info("vidscan starting",
		zap.Int("port", cfg.Port),
		zap.String("repository", cfg.RepositoryDriver),
		zap.String("blobs", cfg.BlobDriver),
		zap.Bool("redis", bridge != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	runErr := g.Wait()

	// HTTP is drained; stop pipeline runs before the bus and repository close.
	drainCtx, cancel := context.WithTimeout(context.Background(), pipelineDrainTimeout)
	defer cancel()
	if err := scheduler.Shutdown(drainCtx); err != nil {
		log.Warn("pipeline did not stop cleanly", zap.Error(err))
	}
	return runErr
}

// repositoryDSN picks the connection string for the configured driver.
func repositoryDSN(cfg *config.ServiceConfig) string {
	switch cfg.RepositoryDriver {
	case config.DriverPostgres:
		return cfg.DatabaseURL
	case config.DriverSQLite:
		return cfg.SQLitePath
	default:
		return ""
	}
}
