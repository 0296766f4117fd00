package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CDCgov/nhsnlink-sub001/internal/config"
	"github.com/CDCgov/nhsnlink-sub001/internal/domain/acquired"
	"github.com/CDCgov/nhsnlink-sub001/internal/domain/report"
	"github.com/CDCgov/nhsnlink-sub001/internal/orchestrator"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/auth"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/blobstore"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/bus"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/census"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/db"
	"github.com/CDCgov/nhsnlink-sub001/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "report-server",
		Short: "Submission orchestration service for facility quality reporting",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrators and the report-status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Domain services
	reports := report.NewService(report.NewScheduleRepoPG(pool), report.NewEntryRepoPG(pool))
	resources := acquired.NewRepoPG(pool)

	// Blobstore
	blobs, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize blobstore")
	}

	// Message bus
	producer := bus.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, logger)
	defer producer.Close()
	router := bus.NewRouter(producer, cfg.RetryMaxAttempts, logger)

	// Orchestrators
	lookup := census.NewClient(cfg.CensusURL, cfg.CensusToken)
	submitter := orchestrator.NewSubmitter(reports, blobs, producer, logger)
	handlers := map[string]bus.HandlerFunc{
		orchestrator.TopicGenerateReportRequested: orchestrator.NewGenerateHandler(reports, lookup, producer, logger).Handle,
		orchestrator.TopicPatientListsAcquired:    orchestrator.NewPatientListHandler(reports, logger).Handle,
		orchestrator.TopicResourceEvaluated:       orchestrator.NewEvaluationHandler(reports, resources, producer, submitter, logger).Handle,
		orchestrator.TopicValidationComplete:      orchestrator.NewValidationHandler(reports, submitter, logger).Handle,
		orchestrator.TopicPayloadSubmitted:        orchestrator.NewPayloadHandler(reports, logger).Handle,
	}

	// One supervised consumer loop per topic, each under its own consumer
	// group.
	supervisor := bus.NewSupervisor(logger)
	for topic, handler := range handlers {
		consumer := bus.NewConsumer(bus.ConsumerConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
			GroupPrefix: cfg.KafkaGroupPrefix,
			Topic:       topic,
			Handler:     handler,
			Router:      router,
			Logger:      logger,
		})
		supervisor.Add(ctx, topic, consumer.Run)
	}
	logger.Info().Int("consumers", len(handlers)).Msg("orchestrators started")

	// Report-status API
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware([]byte(cfg.JWTSecret)))
	}
	report.NewHandler(reports, resources, blobs).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting status API")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	supervisor.Wait()
	logger.Info().Msg("stopped")
	return nil
}
