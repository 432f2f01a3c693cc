package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/lumenfund/pulse/internal/api"
	"github.com/lumenfund/pulse/internal/auth"
	"github.com/lumenfund/pulse/internal/bus"
	"github.com/lumenfund/pulse/internal/config"
	"github.com/lumenfund/pulse/internal/dbws"
	"github.com/lumenfund/pulse/internal/donation"
	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/health"
	"github.com/lumenfund/pulse/internal/httputil"
	"github.com/lumenfund/pulse/internal/metrics"
	"github.com/lumenfund/pulse/internal/profile"
	"github.com/lumenfund/pulse/internal/session"
	"github.com/lumenfund/pulse/internal/support"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zerolog.SetGlobalLevel(cfg.ZerologLevel())
	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Pulse gateway")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()

	// Persistent stores
	sessions, err := session.NewStore(cfg.DataDir, cfg.EventLogLimit, log.Logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	profiles, err := profile.NewStore(cfg.DataDir, log.Logger)
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}
	log.Info().Str("dir", cfg.DataDir).Msg("Stores loaded")

	// Client hub and the auth-DB link used to restore sessions that survive a cold start.
	hub := gateway.NewHub(cfg, reg, log.Logger)
	dbClient := dbws.New(cfg.DBWSURL, cfg.DBWSTimeout, cfg.DBWSReconnectDelay, profiles, log.Logger)
	go dbClient.Run(ctx)

	authProc := auth.New(sessions, profiles, hub, dbClient, reg, log.Logger)
	authProc.RegisterStoreListener()
	hub.SetRouter(authProc)

	publisher := bus.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange, reg, log.Logger)
	defer publisher.Close()

	supportRelay := support.New(cfg.SupportReplayLimit, reg, log.Logger)
	donationProc := donation.New(sessions, publisher, cfg.DataDir, reg, log.Logger)

	aggregator := health.New(health.Config{
		Upstreams:      cfg.HealthUpstreams(),
		ReconnectDelay: cfg.UpstreamReconnectDelay,
		PingInterval:   cfg.UpstreamPingInterval,
		PingTimeout:    cfg.UpstreamPingTimeout,
	}, reg, log.Logger)
	aggregator.Start(ctx)

	// Bus consumers, one durable queue each.
	consumers := []*bus.Consumer{
		bus.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, "ws_auth_state",
			[]string{event.AuthSessionSnapshot, event.AuthLogout},
			authProc.HandleBusEvent, reg, log.Logger),
		bus.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, "ws_support_events",
			[]string{event.SupportTicketCreated, event.SupportTicketUpdated, event.SupportTicketDeleted, event.SupportConversationCreated},
			supportRelay.HandleBusEvent, reg, log.Logger),
		bus.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, "donations_queue",
			[]string{event.DonationCreated, event.DonationUpdated, event.DonationStatsSnapshot},
			donationProc.HandleBusEvent, reg, log.Logger),
	}
	for _, consumer := range consumers {
		go consumer.Run(ctx)
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Pulse",
		ErrorHandler: errorHandler,
	})

	// Global middleware
	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/health", "/metrics"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSOrigins(),
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	registerRoutes(app, cfg, hub, aggregator, supportRelay, consumers, dbClient, reg)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down gateway")
		hub.CloseAll()
		aggregator.CloseAll()
		supportRelay.CloseAll()
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Gateway listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	hub *gateway.Hub,
	aggregator *health.Aggregator,
	supportRelay *support.Relay,
	consumers []*bus.Consumer,
	dbClient *dbws.Client,
	reg *metrics.Registry,
) {
	client := api.NewClientHandler(hub, cfg.SessionCookieName)
	app.Get("/ws", client.Socket)
	app.Get("/ws/status", client.Socket)

	healthHandler := api.NewHealthHandler(hub, aggregator, consumers, dbClient)
	app.Get("/health", healthHandler.Health)
	app.Get("/ws/health", healthHandler.Socket)

	supportHandler := api.NewSupportHandler(supportRelay)
	app.Get("/ws/support", supportHandler.Socket)

	app.Get("/metrics", adaptor.HTTPHandler(reg.Handler()))
}

// errorHandler catches errors returned by handlers that are not already mapped to structured responses (e.g. Fiber's
// built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
func errorHandler(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "An internal error occurred"
	code := httputil.CodeInternalError
	if e, ok := errors.AsType[*fiber.Error](err); ok {
		status = e.Code
		message = e.Message
		code = httputil.CodeForStatus(e.Code)
	} else {
		log.Error().Err(err).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Unhandled error")
	}
	return httputil.Fail(c, status, code, message)
}
