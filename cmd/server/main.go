// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"psu-service/internal/config"
	"psu-service/internal/database"
	"psu-service/internal/deployment"
	"psu-service/internal/driver"
	"psu-service/internal/driver/rnd"
	"psu-service/internal/handler"
	"psu-service/internal/mqtt"
	"psu-service/internal/repository"
	"psu-service/internal/routes"
	"psu-service/internal/service"
	"psu-service/internal/sim"
	"psu-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB

	ctx    context.Context
	cancel context.CancelFunc

	// Link
	familyRegistry *driver.Registry
	gate           *deployment.Gate
	supply         *rnd.Driver

	// Services
	eventBus         *service.EventBus
	psuService       *service.PSUService
	telemetryService *service.TelemetryService
	wsHandler        *handler.WebSocketHandler
	publisher        *mqtt.Publisher

	// Repositories
	operationRepo repository.OperationRepository
}

// @title PSU Service API
// @version 1.0.0
// @description Control service for RND Lab bench power supplies on test rigs
// @BasePath /api/v1
func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "psu-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"database", app.initializeDatabase},
		{"repositories", app.initializeRepositories},
		{"power supply", app.initializeSupply},
		{"services", app.initializeServices},
		{"server", app.initializeServer},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	return app, nil
}

// initializeDatabase connects the journal database and runs migrations
func (app *Application) initializeDatabase() error {
	if !app.config.Database.Enabled {
		app.logger.Info("Database disabled, operation journal kept in memory",
			zap.Int("capacity", app.config.Journal.Capacity),
		)
		return nil
	}

	db, err := database.NewConnection(&app.config.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	migrator := database.NewMigrator(db, app.logger, &app.config.Database)
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() error {
	if app.database != nil {
		app.operationRepo = repository.NewOperationRepository(app.database, app.logger)
	} else {
		app.operationRepo = repository.NewMemoryOperationRepository(app.config.Journal.Capacity)
	}

	app.logger.Info("Repositories initialized successfully")
	return nil
}

// initializeSupply builds the deployment gate and the PSU driver
func (app *Application) initializeSupply() error {
	source, err := deployment.NewSource(app.config.Deployment)
	if err != nil {
		return err
	}
	app.gate = deployment.NewGate(source, app.logger)

	app.familyRegistry = driver.NewRegistry(app.logger)
	driver.RegisterDefaultFamilies(app.familyRegistry, app.logger)

	profile, err := app.config.ActiveProfile()
	if err != nil {
		return err
	}

	opts := rnd.OptionsFromConfig(app.config)
	if app.config.PSU.Simulate {
		family, err := app.familyRegistry.Resolve(profile)
		if err != nil {
			return err
		}
		bench, _ := sim.NewFamilyBench(family)
		opts.Opener = bench.Open
		opts.Lister = bench.Ports
		app.logger.Warn("Running against a simulated power supply",
			zap.String("family", family.Name),
			zap.String("port", sim.SimulatedPort),
		)
	}

	supply, err := rnd.NewDriver(profile, app.familyRegistry, app.gate, app.logger, opts)
	if err != nil {
		return err
	}
	app.supply = supply

	app.logger.Info("Power supply initialized",
		zap.String("setting", profile.Setting),
		zap.Bool("deployment_active", app.gate.Active()),
		zap.String("rig_type", app.gate.RigType()),
	)
	return nil
}

// initializeServices creates service instances
func (app *Application) initializeServices() error {
	app.eventBus = service.NewEventBus(app.logger)

	app.psuService = service.NewPSUService(
		app.supply,
		app.gate,
		app.operationRepo,
		app.eventBus,
		app.logger,
	)

	app.telemetryService = service.NewTelemetryService(
		app.supply,
		app.eventBus,
		app.config.Telemetry.Interval,
		app.logger,
	)

	app.wsHandler = handler.NewWebSocketHandler(
		app.psuService,
		app.eventBus,
		app.config.Security.AllowedOrigins,
		app.logger,
	)

	if app.config.MQTT.Enabled {
		publisher, err := mqtt.Connect(&app.config.MQTT, app.logger)
		if err != nil {
			// the bridge is optional; the service runs without it
			utils.LogError(app.logger, "MQTT bridge unavailable", err, zap.String("broker", app.config.MQTT.Broker))
		} else {
			app.publisher = publisher
		}
	}

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.psuService,
		app.telemetryService,
		app.wsHandler,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
	return nil
}

// startBackgroundServices starts background services
func (app *Application) startBackgroundServices() {
	go app.eventBus.Start()
	go app.wsHandler.Run(app.ctx)

	if app.publisher != nil {
		go app.publisher.Run(app.ctx, app.eventBus.SubscribeAll())
	}

	if app.config.PSU.ConnectOnStart {
		go app.connectOnStart()
	}

	if app.config.Telemetry.Enabled {
		go app.telemetryService.Run(app.ctx)
	}

	go app.startCleanupService()

	app.logger.Info("Background services started")
}

// connectOnStart performs the initial probe. A missing supply is logged;
// clients can retry through the API.
func (app *Application) connectOnStart() {
	defer utils.LogPanic(app.logger)

	state, err := app.psuService.Connect(app.ctx, "startup")
	if err != nil {
		app.logger.Warn("Power supply not connected at startup", zap.Error(err))
		return
	}
	app.logger.Info("Power supply connected at startup", zap.String("status", state.String()))
}

// startCleanupService prunes the operation journal
func (app *Application) startCleanupService() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	app.logger.Info("Cleanup service started")

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(app.ctx, 10*time.Minute)
		oldDate := time.Now().AddDate(0, 0, -30)
		deletedOps, err := app.operationRepo.DeleteOldOperations(ctx, oldDate)
		if err != nil {
			app.logger.Error("Failed to cleanup old operations", zap.Error(err))
		} else if deletedOps > 0 {
			app.logger.Info("Cleaned up old operations", zap.Int64("deleted", deletedOps))
		}
		cancel()
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "psu-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// stop pollers before releasing the port
	app.cancel()

	if app.supply.State().Connected {
		if err := app.psuService.Disconnect(ctx, "shutdown"); err != nil {
			app.logger.Warn("Power supply disconnect error", zap.Error(err))
		}
	}

	if app.publisher != nil {
		app.publisher.Close()
	}
	app.eventBus.Stop()

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

// Start runs the server until a shutdown signal arrives
func (app *Application) Start() error {
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.startBackgroundServices()
	app.waitForShutdown()

	return nil
}
