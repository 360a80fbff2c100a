package app

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"call-relay-service/internal/config"
	"call-relay-service/internal/observability/logging"
)

const serviceName = "call-relay-service"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	ready atomic.Bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Call relay application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logging.Init(logging.Config{
		Level:  a.Cfg.Observability.LogLevel,
		Format: a.Cfg.Observability.LogFormat,
	})

	a.Logger = logging.WithComponent("application").With().
		Str("service", serviceName).
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", a.Cfg.Observability.LogFormat).
		Msg("Logger setup completed")
}

// Start performs any startup work required before serving traffic and marks
// the service ready.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("modelProvider", a.Cfg.Model.Provider).
		Str("storageBackend", a.Cfg.Storage.Backend).
		Msg("Call relay starting")

	return nil
}

// Ready reports whether new calls should be routed here.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Shutdown marks the service not ready. Live calls are drained by the caller.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	a.ready.Store(false)
	shutdownLogger.Info().
		Dur("uptime", time.Since(a.StartupTime)).
		Msg("Call relay shutting down")
}
