package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rbeltran/dialdesk/internal/api"
	"github.com/rbeltran/dialdesk/internal/auth"
	"github.com/rbeltran/dialdesk/internal/config"
	"github.com/rbeltran/dialdesk/internal/crm"
	"github.com/rbeltran/dialdesk/internal/metrics"
	"github.com/rbeltran/dialdesk/internal/session"
	"github.com/rbeltran/dialdesk/internal/storage"
	"github.com/rbeltran/dialdesk/internal/telephony"
	"github.com/rbeltran/dialdesk/internal/types"
	"github.com/rbeltran/dialdesk/internal/websocket"
	"github.com/rbeltran/dialdesk/pkg/middleware"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("telephony_mode", cfg.TelephonyMode).
		Str("log_level", cfg.LogLevel).
		Msg("starting dialdesk server")

	// JWKS for dashboard token verification
	if cfg.OIDCIssuer != "" {
		if err := auth.InitJWKS(cfg.OIDCIssuer); err != nil {
			log.Fatal().Err(err).Msg("failed to initialize JWKS")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Local call-activity journal (DynamoDB or noop)
	store, err := storage.NewStore(ctx, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	// CRM backend client
	crmClient := crm.NewClient(cfg.CRMBaseURL, cfg.CRMServiceToken)

	// Telephony provider adapter
	factory := deviceFactory(cfg.TelephonyMode)

	// WebSocket hub pushing session frames to dashboards
	hub := websocket.NewHub(log.Logger)
	go hub.Run()

	// Session registry: one coordinator per signed-in agent
	registry := session.NewRegistry(session.Deps{
		Backend: crmClient,
		Factory: factory,
		Journal: store,
		Publish: hub.SendToAgent,
		Logger:  log.Logger,
	})

	sessionHandler := api.NewSessionHandler(registry, log.Logger)
	historyHandler := api.NewHistoryHandler(store, log.Logger)
	wsHandler := websocket.NewHandler(hub, cfg, log.Logger, func(agentID string) (types.Frame, bool) {
		coord, ok := registry.Get(agentID)
		if !ok {
			return types.Frame{}, false
		}
		snap := coord.Snapshot()
		return types.Frame{
			Type:      types.FrameTypeSession,
			AgentID:   agentID,
			Session:   &snap,
			Timestamp: snap.Timestamp,
		}, true
	})

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/ws", wsHandler.ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			r.Get("/session", sessionHandler.GetSession)
			r.Delete("/session", sessionHandler.EndSession)
			r.Post("/session/reset", sessionHandler.Reset)
			r.Post("/session/reconnect", sessionHandler.Reconnect)

			r.Post("/session/calls", sessionHandler.PlaceCall)
			r.Post("/session/calls/answer", sessionHandler.Answer)
			r.Post("/session/calls/reject", sessionHandler.Reject)
			r.Post("/session/calls/hangup", sessionHandler.HangUp)
			r.Post("/session/calls/mute", sessionHandler.ToggleMute)
			r.Post("/session/calls/dtmf", sessionHandler.SendDTMF)

			r.Get("/calls/recent", historyHandler.GetRecentCalls)
		})
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Tear down all sessions first so devices unregister and agents go
	// offline in the CRM
	registry.Shutdown(shutdownCtx)

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// deviceFactory selects the telephony provider adapter. The provider SDK
// binding ships separately; without it the noop adapter keeps the service
// runnable in local development.
func deviceFactory(mode string) telephony.DeviceFactory {
	switch mode {
	case "twilio":
		log.Fatal().Msg("twilio adapter binding not built in, set TELEPHONY_MODE=none")
		return nil
	default:
		return telephony.NoopFactory
	}
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"dialdesk"}`)
}
