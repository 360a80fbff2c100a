package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"call-relay-service/internal/config"
	"call-relay-service/internal/observability/metrics"
	"call-relay-service/internal/service/call"
	"call-relay-service/internal/service/realtime"
	"call-relay-service/internal/storage"
)

const dialTimeout = 10 * time.Second

// ControllerConfig holds the process-wide call settings.
type ControllerConfig struct {
	// Session is the base model configuration; the persona supplies
	// instructions and voice per call.
	Session  realtime.SessionConfig
	Settings Settings
}

// Controller accepts telephony connections, opens a model session for each
// and runs the call to completion. It owns the registry of live calls.
type Controller struct {
	cfg       ControllerConfig
	dialer    realtime.Dialer
	sink      storage.Sink
	publisher EventPublisher
	personas  *config.PersonaStore
	metrics   *metrics.Metrics
	registry  *call.Registry
}

// NewController creates a controller. personas may be nil, in which case
// calls use an empty persona.
func NewController(cfg ControllerConfig, dialer realtime.Dialer, sink storage.Sink, publisher EventPublisher, personas *config.PersonaStore, m *metrics.Metrics) *Controller {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Controller{
		cfg:       cfg,
		dialer:    dialer,
		sink:      sink,
		publisher: publisher,
		personas:  personas,
		metrics:   m,
		registry:  call.NewRegistry(),
	}
}

// Serve runs one call over conn and returns when it is CLOSED.
func (c *Controller) Serve(ctx context.Context, conn Conn) error {
	connID := uuid.NewString()
	logger := log.With().Str("component", "controller").Str("connId", connID).Logger()

	// Snapshot: a persona reload never changes a call in progress.
	var persona config.Persona
	if c.personas != nil {
		persona = c.personas.Current()
	}

	sc := c.cfg.Session
	if persona.Instructions != "" {
		sc.Instructions = persona.Instructions
	}
	if persona.Voice != "" {
		sc.Voice = persona.Voice
	}

	// Registered before the dial so a shutdown that lands mid-dial still
	// cancels this call and waits for it.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	unregister := c.registry.Register(connID, call.Handle{
		CallID:    connID,
		StartedAt: time.Now(),
		Cancel:    cancel,
	})
	defer unregister()

	dctx, dcancel := context.WithTimeout(callCtx, dialTimeout)
	session, err := c.dialer.Dial(dctx, sc)
	dcancel()
	if err != nil {
		c.metrics.RecordModelError("dial")
		logger.Error().Err(err).Msg("Failed to open model session")
		_ = newTelephony(conn).HangUp()
		return fmt.Errorf("open model session: %w", err)
	}

	bridge := NewBridge(BridgeOptions{
		ConnID:    connID,
		Conn:      conn,
		Session:   session,
		Persona:   persona,
		Sink:      c.sink,
		Publisher: c.publisher,
		Metrics:   c.metrics,
		Settings:  c.cfg.Settings,
	})
	if err := bridge.Run(callCtx); err != nil {
		logger.Warn().Err(err).Str("callSid", bridge.Lifecycle().CallID()).Msg("Call ended with error")
		return err
	}
	return nil
}

// ActiveCalls returns the number of live calls.
func (c *Controller) ActiveCalls() int {
	return c.registry.Count()
}

// Shutdown ends every live call and waits for their transcripts to flush.
// It returns false if ctx expired first.
func (c *Controller) Shutdown(ctx context.Context) bool {
	n := c.registry.CancelAll()
	log.Info().Int("calls", n).Msg("Draining live calls")
	return c.registry.Wait(ctx)
}
