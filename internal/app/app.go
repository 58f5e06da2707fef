// Package app wires the orchestrator's services together and owns their
// startup and shutdown order.
package app

import (
	"fmt"
	"os"
	"time"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/interfaces"
	"github.com/nexaas/nexaas/internal/services/bus"
	"github.com/nexaas/nexaas/internal/services/engine"
	"github.com/nexaas/nexaas/internal/services/ops"
	"github.com/nexaas/nexaas/internal/services/queue"
	"github.com/nexaas/nexaas/internal/services/worker"
	"github.com/nexaas/nexaas/internal/storage/sqlite"
)

// App holds all initialized services. It is the shared core used by the
// server binary and by integration tests.
type App struct {
	Config  *common.Config
	Logger  *common.Logger
	Storage interfaces.StorageManager
	Bus     *bus.Bus
	Queue   *queue.Queue
	Engine  *engine.Engine
	Workers *worker.Pool
	Monitor *ops.Monitor

	StartupTime time.Time
}

// NewApp loads configuration and initializes storage and every service.
// configPath may be empty; NEXAAS_CONFIG and nexaas.toml are tried in turn.
func NewApp(configPath string) (*App, error) {
	if configPath == "" {
		configPath = os.Getenv("NEXAAS_CONFIG")
	}
	if configPath == "" {
		configPath = "nexaas.toml"
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storage, err := sqlite.New(config.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return NewAppWithDeps(config, logger, storage), nil
}

// NewAppWithDeps builds the service graph over pre-built config, logger, and
// storage. Tests use this with temp databases and silent loggers.
func NewAppWithDeps(config *common.Config, logger *common.Logger, storage interfaces.StorageManager) *App {
	b := bus.New(storage.BusJournal(), logger)
	q := queue.New(storage.Jobs(), logger)
	eng := engine.New(storage.Events(), q, b, logger, config.Engine)
	pool := worker.NewPool(q, storage, b, logger, config.Workers, config.Claude)
	monitor := ops.NewMonitor(storage, b, eng, pool, config.Workers.GetPoolSize(), logger, config.Ops)

	return &App{
		Config:      config,
		Logger:      logger,
		Storage:     storage,
		Bus:         b,
		Queue:       q,
		Engine:      eng,
		Workers:     pool,
		Monitor:     monitor,
		StartupTime: time.Now(),
	}
}

// Start brings the background loops up: workers first so jobs left queued by
// a previous run drain immediately, then the engine, then the monitor.
func (a *App) Start() {
	a.Workers.Start()
	a.Engine.Start()
	a.Monitor.Start()
	a.Logger.Info().
		Str("version", common.GetVersion()).
		Str("environment", a.Config.Environment).
		Msg("Nexaas started")
}

// Stop tears the loops down in reverse order and closes storage.
func (a *App) Stop() {
	a.Monitor.Stop()
	a.Engine.Stop()
	a.Workers.Stop()
	if err := a.Storage.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to close storage")
	}
	a.Logger.Info().Msg("Nexaas stopped")
}
