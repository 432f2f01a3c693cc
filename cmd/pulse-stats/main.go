package main

import (
	"context"
	"encoding/json"
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
	"github.com/lumenfund/pulse/internal/config"
	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/health"
	"github.com/lumenfund/pulse/internal/httputil"
	"github.com/lumenfund/pulse/internal/metrics"
	"github.com/lumenfund/pulse/internal/stats"
	"github.com/lumenfund/pulse/internal/upstream"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Stats relay stopped")
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

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Pulse stats relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()
	relay := stats.New(reg, log.Logger)

	// Upstream link to the donation-stats service. The primer asks for an immediate snapshot in case the server
	// does not push one on connect.
	primer, err := json.Marshal(map[string]any{"event": event.DonationStatsGet, "currency": cfg.StatsCurrency})
	if err != nil {
		return fmt.Errorf("marshal stats primer: %w", err)
	}
	link := upstream.New(upstream.Config{
		Name:           "donation_stats",
		URL:            cfg.DonationStatsWSURL,
		OnMessage:      relay.HandleUpstream,
		Primer:         primer,
		ReconnectDelay: cfg.UpstreamReconnectDelay,
		PingInterval:   cfg.UpstreamPingInterval,
		PingTimeout:    cfg.UpstreamPingTimeout,
	}, log.Logger)
	go link.Run(ctx)

	// Own health push stream, the same contract this fleet's services expose to each other.
	pusher := health.NewPusher(cfg.HealthPushInterval, func() map[string]any {
		return api.StatsHealth(relay)
	}, reg, log.Logger)
	go pusher.Run(ctx)

	handler := api.NewStatsHandler(relay, pusher)

	app := fiber.New(fiber.Config{
		AppName:      "Pulse Stats",
		ErrorHandler: errorHandler,
	})

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

	app.Get("/ws/status", handler.Socket)
	app.Get("/donation-stats/ws", handler.Socket)
	app.Get("/ws/health", handler.HealthSocket)
	app.Get("/health", handler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(reg.Handler()))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down stats relay")
		relay.CloseAll()
		pusher.CloseAll()
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.StatsServerPort)
	log.Info().Str("addr", addr).Msg("Stats relay listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// errorHandler mirrors the gateway binary's fallback: structured JSON for Fiber errors, a masked 500 for anything
// unexpected.
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
