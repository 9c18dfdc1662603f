package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/db"
	"github.com/lecternhq/lectern/internal/filestore"
	"github.com/lecternhq/lectern/internal/handler"
	"github.com/lecternhq/lectern/internal/importer"
	"github.com/lecternhq/lectern/internal/job"
	"github.com/lecternhq/lectern/internal/middleware"
	"github.com/lecternhq/lectern/internal/queue"
	"github.com/lecternhq/lectern/internal/repo"
	"github.com/lecternhq/lectern/internal/schedule"
	"github.com/lecternhq/lectern/internal/search"
	"github.com/lecternhq/lectern/internal/service"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "lectern",
		Short: "lectern content store server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run lectern server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			database, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if err := db.ApplyMigrations(database); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			return runServer(cfg, database)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func runServer(cfg *config.Config, database *sql.DB) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("file_store", cfg.FileStore.Type),
		zap.Int("queue_workers", cfg.Queue.Workers),
	)

	moduleRepo := repo.NewModuleRepo(database)
	moduleVersionRepo := repo.NewModuleVersionRepo(database)
	collectionRepo := repo.NewCollectionRepo(database)
	collectionVersionRepo := repo.NewCollectionVersionRepo(database)
	jobRepo := repo.NewJobRepo(database)
	importRepo := repo.NewImportRepo(database)
	taskRepo := repo.NewTaskRepo(database)
	ftsRepo := repo.NewFTSRepo(database)

	store, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	reservationService, err := service.NewReservationService(moduleRepo, collectionRepo)
	if err != nil {
		return fmt.Errorf("init reservation service: %w", err)
	}
	publishService := service.NewPublishService(database, moduleRepo, moduleVersionRepo, collectionRepo, collectionVersionRepo)
	jobService := service.NewJobService(database, jobRepo, taskRepo)

	fetcher := importer.NewHTTPFetcher(cfg.Source)
	imports := importer.New(cfg.Import, database, store, fetcher, reservationService, publishService, jobService, importRepo)
	if err := imports.RegisterHandlers(); err != nil {
		return fmt.Errorf("register import handlers: %w", err)
	}
	indexer := search.NewIndexer(ftsRepo, moduleRepo, publishService)
	if err := indexer.Register(jobService); err != nil {
		return fmt.Errorf("register index handler: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := queue.NewDispatcher(taskRepo, jobService, cfg.Queue)
	dispatcher.Start(ctx)

	scheduler := schedule.NewCronScheduler()
	retention := time.Duration(cfg.Import.RetentionHours) * time.Hour
	if err := scheduler.AddJob(job.NewTaskRequeueJob(taskRepo), "* * * * *"); err != nil {
		return err
	}
	if err := scheduler.AddJob(job.NewQueueCleanupJob(taskRepo, retention), "17 * * * *"); err != nil {
		return err
	}
	if err := scheduler.AddJob(job.NewImportCleanupJob(importRepo, retention), "43 3 * * *"); err != nil {
		return err
	}
	scheduler.Start(ctx)

	deps := handler.RouterDeps{
		Modules:     handler.NewModuleHandler(publishService),
		Collections: handler.NewCollectionHandler(publishService),
		Imports:     handler.NewImportHandler(imports),
		Jobs:        handler.NewJobHandler(jobService),
		Search:      handler.NewSearchHandler(indexer),
	}

	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(nil),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	scheduler.Stop()
	dispatcher.Wait()
	return nil
}
