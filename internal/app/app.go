package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/ledgerlink/internal/common"
	"github.com/ternarybob/ledgerlink/internal/handlers"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
	"github.com/ternarybob/ledgerlink/internal/remote/xero"
	"github.com/ternarybob/ledgerlink/internal/services/connection"
	"github.com/ternarybob/ledgerlink/internal/services/ratelimit"
	"github.com/ternarybob/ledgerlink/internal/services/scheduler"
	syncsvc "github.com/ternarybob/ledgerlink/internal/services/sync"
	"github.com/ternarybob/ledgerlink/internal/services/tenants"
	"github.com/ternarybob/ledgerlink/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	StorageManager interfaces.StorageManager

	// Remote API client
	RemoteClient *xero.Client

	// Core services
	RateLimiter       interfaces.RateLimiter
	TenantService     interfaces.TenantService
	ConnectionService interfaces.ConnectionService
	SyncService       interfaces.SyncService
	SchedulerService  interfaces.SchedulerService

	// HTTP handlers
	ConnectionHandler *handlers.ConnectionHandler
	TenantHandler     *handlers.TenantHandler
	SyncHandler       *handlers.SyncHandler
	SchedulerHandler  *handlers.SchedulerHandler
	RateLimitHandler  *handlers.RateLimitHandler
	WSHandler         *handlers.WebSocketHandler

	wsWriter *handlers.WebSocketWriter
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	if err := app.initScheduler(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	logger.Info().
		Str("account", cfg.DefaultAccount).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
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

// initServices initializes all business services in dependency order:
// remote client and rate limiter first, then the connection lifecycle,
// then the sync orchestrator that sits on top of both.
func (a *App) initServices() error {
	clientOpts := []xero.ClientOption{
		xero.WithLogger(a.Logger),
		xero.WithRateLimit(a.Config.Remote.RateLimit),
		xero.WithHTTPClient(&http.Client{Timeout: a.Config.Remote.RequestTimeout}),
	}
	if a.Config.Remote.BaseURL != "" {
		clientOpts = append(clientOpts, xero.WithBaseURL(a.Config.Remote.BaseURL))
	}
	if a.Config.Remote.AuthURL != "" && a.Config.Remote.TokenURL != "" {
		clientOpts = append(clientOpts, xero.WithEndpoints(a.Config.Remote.AuthURL, a.Config.Remote.TokenURL))
	}
	a.RemoteClient = xero.NewClient(clientOpts...)

	rl := a.Config.RateLimit
	a.RateLimiter = ratelimit.NewService(a.Logger,
		ratelimit.WithDefaultCooldown(rl.DefaultCooldown),
		ratelimit.WithCooldown("refresh", rl.RefreshCooldown),
		ratelimit.WithSyncCooldown(rl.SyncCooldown),
		ratelimit.WithWindowBudget(rl.Window, rl.WindowBudget),
		ratelimit.WithCircuit(rl.CircuitCeiling, rl.CircuitInterval, rl.CircuitCooloff),
	)

	a.TenantService = tenants.NewService(a.Logger)

	a.ConnectionService = connection.NewService(
		a.StorageManager.ConnectionStorage(),
		a.RemoteClient,
		a.TenantService,
		a.RateLimiter,
		a.Logger,
	)

	a.SyncService = syncsvc.NewService(
		a.StorageManager.ConnectionStorage(),
		a.ConnectionService,
		a.TenantService,
		a.RemoteClient,
		a.RateLimiter,
		a.Logger,
		syncsvc.WithInterCallDelay(a.Config.Sync.InterCallDelay),
		syncsvc.WithResultListener(func(result *models.ResourceResult) {
			a.WSHandler.BroadcastSyncResult(result)
		}),
	)

	a.SchedulerService = scheduler.NewService(a.Logger)

	a.Logger.Debug().Msg("Services initialized")
	return nil
}

// initHandlers initializes the HTTP handler layer
func (a *App) initHandlers() error {
	account := a.Config.DefaultAccount

	a.WSHandler = handlers.NewWebSocketHandler(a.ConnectionService, account, a.Logger)

	// Push every state transition out over the WebSocket straight away,
	// so clients see Authorizing -> Connected without polling.
	a.ConnectionService.OnStatusChange(a.WSHandler.BroadcastConnectionStatus)

	wsWriter, err := handlers.NewWebSocketWriter(a.WSHandler, arbormodels.WriterConfiguration{
		Type:       arbormodels.LogWriterTypeConsole,
		TimeFormat: "15:04:05",
	}, &a.Config.WebSocket)
	if err != nil {
		return fmt.Errorf("failed to create websocket log writer: %w", err)
	}
	a.wsWriter = wsWriter

	a.ConnectionHandler = handlers.NewConnectionHandler(a.ConnectionService, account, a.Logger)
	a.TenantHandler = handlers.NewTenantHandler(a.TenantService, account, a.Logger)
	a.SyncHandler = handlers.NewSyncHandler(a.SyncService, account, a.Config.Sync.Resources, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
	a.RateLimitHandler = handlers.NewRateLimitHandler(a.RateLimiter, a.Logger)

	a.Logger.Debug().Msg("Handlers initialized")
	return nil
}

// initScheduler registers the background maintenance jobs and starts the
// scheduler when enabled
func (a *App) initScheduler() error {
	if !a.Config.Scheduler.Enabled {
		a.Logger.Info().Msg("Scheduler disabled")
		return nil
	}

	account := a.Config.DefaultAccount

	if err := common.ValidateJobSchedule(a.Config.Scheduler.RefreshSweepSchedule); err != nil {
		return fmt.Errorf("invalid refresh sweep schedule: %w", err)
	}

	// Proactive refresh sweep: CheckStatus refreshes the token when expiry
	// falls inside the refresh-ahead margin, otherwise it touches nothing.
	err := a.SchedulerService.RegisterJob("refresh-sweep", a.Config.Scheduler.RefreshSweepSchedule, func() error {
		_, err := a.ConnectionService.CheckStatus(a.ctx, account)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to register refresh sweep job: %w", err)
	}

	if a.Config.Scheduler.BulkSyncEnabled {
		if err := common.ValidateJobSchedule(a.Config.Scheduler.BulkSyncSchedule); err != nil {
			return fmt.Errorf("invalid bulk sync schedule: %w", err)
		}
		resources := a.Config.Sync.Resources
		err := a.SchedulerService.RegisterJob("bulk-sync", a.Config.Scheduler.BulkSyncSchedule, func() error {
			batch, err := a.SyncService.LoadAll(a.ctx, account, resources)
			if err != nil {
				return err
			}
			if batch.Failed > 0 {
				return fmt.Errorf("bulk sync completed with %d failed resources", batch.Failed)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to register bulk sync job: %w", err)
		}
	}

	if err := a.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.Logger.Info().
		Str("refresh_sweep", a.Config.Scheduler.RefreshSweepSchedule).
		Bool("bulk_sync", a.Config.Scheduler.BulkSyncEnabled).
		Msg("Scheduler started")

	return nil
}

// Close shuts down all components in reverse dependency order
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}

	if a.SchedulerService != nil && a.SchedulerService.IsRunning() {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.wsWriter != nil {
		if err := a.wsWriter.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close websocket log writer")
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
