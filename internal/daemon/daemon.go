package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mnemokit/mnemo/internal/config"
	"github.com/mnemokit/mnemo/internal/logger"
	"github.com/mnemokit/mnemo/internal/observability"
	"github.com/mnemokit/mnemo/internal/tracing"
	"github.com/mnemokit/mnemo/pkg/agent"
	"github.com/mnemokit/mnemo/pkg/commandqueue"
	"github.com/mnemokit/mnemo/pkg/gateway"
	"github.com/mnemokit/mnemo/pkg/maintenance"
	"github.com/mnemokit/mnemo/pkg/session"
)

// Daemon represents the mnemo daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue  *commandqueue.Queue
	store  session.Store // nil when the storage backend is disabled
	runner *agent.Runner // nil when no AI profiles are configured

	// Services
	gatewayServer *gateway.Server
	maintenance   *maintenance.Service
	configWatcher *config.Watcher

	// Internal
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Str("service", cfg.Tracing.ServiceName).Msg("Tracing initialized")
		}
	}

	// Initialize core modules in dependency order
	if err := d.initializeCoreModules(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	// Initialize services
	if err := d.initializeServices(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules initializes core modules in dependency order
func (d *Daemon) initializeCoreModules() error {
	// The audit log and PID file live here; stores create their own paths
	// on first write.
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.queue = commandqueue.New()
	d.logger.Info().Msg("Command queue initialized")

	// Initialize audit logger
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	opts, err := StoreOptions(d.config)
	if err != nil {
		return err
	}
	store, err := opts.Resolve()
	if err != nil {
		return fmt.Errorf("failed to resolve session store: %w", err)
	}
	d.store = store
	if d.store != nil {
		d.logger.Info().Str("backend", d.config.Storage.Backend).Msg("Session store initialized")
	} else {
		d.logger.Info().Msg("Session memory disabled")
	}

	if profiles := convertAuthProfiles(d.config.AI.Profiles); len(profiles) > 0 {
		runner, err := agent.NewRunner(agent.RunnerConfig{
			Store:        d.store,
			Queue:        d.queue,
			Logger:       d.logger.GetZerolog(),
			AuthProfiles: profiles,
		})
		if err != nil {
			return fmt.Errorf("failed to create agent runner: %w", err)
		}
		d.runner = runner
		d.logger.Info().Int("profiles", len(profiles)).Msg("Agent runner initialized")
	} else {
		d.logger.Info().Msg("No AI profiles configured, turn execution disabled")
	}

	return nil
}

// initializeServices initializes network services and schedulers
func (d *Daemon) initializeServices() error {
	if d.config.Gateway.Enabled {
		if d.runner == nil {
			return fmt.Errorf("gateway requires at least one AI profile")
		}

		srv, err := gateway.NewServer(gateway.Config{
			Host:         d.config.Gateway.Host,
			Port:         d.config.Gateway.Port,
			SharedSecret: d.config.Gateway.SharedSecret,
			TickInterval: time.Duration(d.config.Gateway.TickIntervalSeconds) * time.Second,
			Queue:        d.queue,
			Runner:       d.runner,
			Store:        d.store,
			Defaults:     turnDefaults(d.config.Agent),
			Logger:       d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = srv
		d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")
	}

	if d.config.Maintenance.Enabled {
		if maintainer, ok := d.store.(maintenance.Maintainer); ok {
			svc, err := maintenance.NewService(maintenance.Config{
				Schedule:   d.config.Maintenance.Schedule,
				Maintainer: maintainer,
				Queue:      d.queue,
				Logger:     d.logger.GetZerolog(),
			})
			if err != nil {
				return fmt.Errorf("failed to create maintenance service: %w", err)
			}
			d.maintenance = svc
			d.logger.Info().Str("schedule", d.config.Maintenance.Schedule).Msg("Maintenance service initialized")
		} else {
			d.logger.Debug().
				Str("backend", d.config.Storage.Backend).
				Msg("Maintenance enabled but backend has no upkeep hook, skipping")
		}
	}

	if d.gatewayServer != nil && d.maintenance != nil {
		_ = d.gatewayServer.RegisterMethod("maintenance.run", d.handleMaintenanceRun)
		_ = d.gatewayServer.RegisterMethod("maintenance.stats", d.handleMaintenanceStats)
	}

	if d.config.SourcePath != "" {
		loader := config.NewLoader(d.config.SourcePath)
		watcher, err := config.NewWatcher(loader, d.handleConfigReload)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		d.configWatcher = watcher
	}

	return nil
}

// StoreOptions maps the configured backend onto a session store selection.
// The sessions CLI uses it too, so daemon and CLI always open the same
// backend for the same config.
func StoreOptions(cfg *config.Config) (session.Options, error) {
	switch cfg.Storage.Backend {
	case "disabled":
		return session.Disabled(), nil
	case "sqlite":
		return session.Default(cfg.Storage.Path), nil
	case "memory":
		return session.Custom(session.NewMemoryStore()), nil
	case "file":
		return session.Custom(session.NewFileStore(cfg.Storage.Path)), nil
	case "blob":
		return session.Custom(session.NewBlobStore(cfg.Storage.Path)), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		return session.Custom(session.NewRedisStore(client)), nil
	default:
		return session.Options{}, fmt.Errorf("unsupported storage backend: %q", cfg.Storage.Backend)
	}
}

// convertAuthProfiles converts config auth profiles to agent auth profiles
func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	result := make([]agent.AuthProfile, len(profiles))
	for i, p := range profiles {
		result[i] = agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		}
	}
	return result
}

// turnDefaults converts the configured agent section into turn defaults.
func turnDefaults(cfg config.AgentConfig) agent.Config {
	return agent.Config{
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		SystemPrompt: cfg.SystemPrompt,
		MaxRetries:   cfg.MaxRetries,
	}
}

// handleConfigReload applies a reloaded configuration. Only the log level
// applies live; storage, gateway and schedule changes need a restart.
func (d *Daemon) handleConfigReload(cfg *config.Config) {
	if cfg.Logging.Level == d.config.Logging.Level {
		return
	}

	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Warn().Err(err).Str("level", cfg.Logging.Level).Msg("Ignoring invalid log level from reloaded config")
		return
	}

	d.mu.Lock()
	d.config.Logging.Level = cfg.Logging.Level
	d.mu.Unlock()

	d.logger.Info().Str("level", cfg.Logging.Level).Msg("Log level updated from config file")
}

// handleMaintenanceRun handles the maintenance.run RPC method: one upkeep
// pass outside the schedule.
func (d *Daemon) handleMaintenanceRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := d.maintenance.RunNow(ctx); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success": true,
		"stats":   d.maintenance.GetStats(),
	}, nil
}

// handleMaintenanceStats handles the maintenance.stats RPC method
func (d *Daemon) handleMaintenanceStats(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return d.maintenance.GetStats(), nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting mnemo daemon")

	// Start lifecycle manager
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	// Start gateway server
	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Msg("Gateway server started")
	}

	// Start maintenance service
	if d.maintenance != nil {
		d.maintenance.Start()
		logger.Info().Msg("Maintenance service started")
	}

	// Start config watcher
	if d.configWatcher != nil {
		if err := d.configWatcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		} else {
			logger.Info().Msg("Config watcher started")
		}
	}

	if d.store != nil {
		d.wg.Add(1)
		go d.sessionGaugeLoop()
	}

	logger.Info().Msg("Daemon started successfully")

	return nil
}

// sessionGaugeLoop keeps the active session gauge fresh between API calls.
func (d *Daemon) sessionGaugeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			// The gauge update happens inside ListSessions; the listing
			// itself is discarded.
			if _, err := d.store.ListSessions(d.ctx); err != nil {
				d.logger.Debug().Err(err).Msg("Session gauge refresh failed")
			}
		}
	}
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping mnemo daemon")

	// Stop config watcher
	if d.configWatcher != nil {
		if err := d.configWatcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	// Stop maintenance service
	if d.maintenance != nil {
		d.maintenance.Stop()
	}

	// Stop gateway server
	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	// Stop command queue
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	logger.Info().Msg("Command queue stopped")

	// Cancel context
	d.cancel()

	// Wait for goroutines to finish (with timeout)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	// Stop lifecycle manager
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	// Close the store after everything that uses it has stopped.
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close session store")
		}
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	// Close audit logger
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait waits for the daemon to stop
func (d *Daemon) Wait() {
	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for signal
	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	// Stop daemon
	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.Queue {
	return d.queue
}

// GetStore returns the session store, nil when session memory is disabled
func (d *Daemon) GetStore() session.Store {
	return d.store
}

// GetRunner returns the agent runner, nil when no AI profiles are configured
func (d *Daemon) GetRunner() *agent.Runner {
	return d.runner
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetMaintenanceService returns the maintenance service
func (d *Daemon) GetMaintenanceService() *maintenance.Service {
	return d.maintenance
}
