package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/handlers"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/jobs"
	"github.com/ternarybob/curo/internal/jobs/workers"
	"github.com/ternarybob/curo/internal/services/events"
	"github.com/ternarybob/curo/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	EventService   interfaces.EventService

	Registry *jobs.Registry
	Manager  *jobs.Manager
	Executor *jobs.Executor

	// HTTP handlers
	APIHandler *handlers.APIHandler
	JobHandler *handlers.JobHandler
	WSHandler  *handlers.WebSocketHandler

	wsLogWriter *handlers.WebSocketWriter
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.EventService = events.NewService(app.Logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, app.Logger, &app.Config.WebSocket)

	wsWriter, err := handlers.NewWebSocketWriter(app.WSHandler, arbormodels.WriterConfiguration{
		Type:       arbormodels.LogWriterTypeConsole,
		TimeFormat: "15:04:05",
		TextOutput: true,
	}, &app.Config.WebSocket)
	if err != nil {
		logger.Warn().Err(err).Msg("WebSocket log stream disabled")
	} else {
		wsWriter.SubscribeJobEvents(app.EventService)
		app.wsLogWriter = wsWriter
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	// Load persisted jobs and resubmit anything that was mid-flight when
	// the previous process stopped. Must finish before the server accepts
	// traffic so list/get never miss stored jobs.
	ctx := context.Background()
	if err := app.Manager.LoadJobs(ctx); err != nil {
		return nil, err
	}
	if recovered := app.Manager.RecoverInterrupted(ctx); recovered > 0 {
		logger.Info().Int("count", recovered).Msg("Interrupted jobs resubmitted")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices wires the registry, manager and executor in dependency order
func (a *App) initServices() error {
	a.Registry = jobs.NewRegistry(a.Logger)

	a.Registry.Register(workers.NewPipelineHandler(a.Logger))
	a.Registry.Register(workers.NewDatagenHandler(a.Logger, a.Config.Executor.DatagenInterval()))
	a.Registry.Register(workers.NewMetadataHandler(a.Logger))
	a.Registry.Register(workers.NewValidationHandler(a.Logger))
	a.Logger.Debug().Msg("Operation handlers registered")

	a.Manager = jobs.NewManager(
		a.StorageManager.JobStorage(),
		a.EventService,
		a.Logger,
		a.Config.Executor.MaxRetries,
	)

	a.Executor = jobs.NewExecutor(a.Manager, a.Registry, a.Logger)
	a.Manager.SetExecutor(a.Executor)
	a.Logger.Debug().Msg("Job manager and executor initialized")

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.StorageManager.JobStorage(), a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Manager, a.Logger, a.Config.Executor.DefaultMaxParallel)
	// WSHandler already initialized in New() so early events reach clients
}

// Close closes all application resources
func (a *App) Close() error {
	if a.Executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Executor.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Executor did not drain cleanly")
		} else {
			a.Logger.Info().Msg("Executor stopped")
		}
	}

	if a.wsLogWriter != nil {
		if err := a.wsLogWriter.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("WebSocket log stream did not drain cleanly")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
