package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/manpreetbhatti/lattice/collab/internal/api"
	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/collab"
	"github.com/manpreetbhatti/lattice/collab/internal/config"
	"github.com/manpreetbhatti/lattice/collab/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/collab/internal/store"
	"github.com/manpreetbhatti/lattice/collab/internal/sweep"
	"github.com/manpreetbhatti/lattice/collab/internal/ws"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "lattice:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("lattice", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	addr := flags.String("addr", "", "listen address, e.g. :8080")
	dbDriver := flags.String("db-driver", "", "database driver: sqlite or postgres")
	dbDSN := flags.String("db-dsn", "", "sqlite path or postgres connection URL")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if flags.Changed("db-driver") {
		cfg.Database.Driver = *dbDriver
	}
	if flags.Changed("db-dsn") {
		cfg.Database.DSN = *dbDSN
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)

	compression, err := store.ParseCompression(cfg.Database.Compression)
	if err != nil {
		return err
	}
	documents, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, compression)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer documents.Close()

	col := cfg.Collaboration
	coordinator := collab.New(collab.Options{
		Store:            documents,
		Logger:           logger.With().Str("component", "collab").Logger(),
		IdleTimeout:      col.IdleTimeout,
		StoreTimeout:     col.StoreTimeout,
		FlushConcurrency: col.FlushConcurrency,
	})

	sweeper := sweep.New(coordinator, sweep.Config{
		Interval:    col.SweepInterval,
		PassTimeout: col.SweepInterval,
	}, logger)
	sweeper.Start()

	limiters := ratelimit.NewClientLimiters(col.MessagesPerSecond, col.MessageBurst)
	defer limiters.Stop()

	authenticator := auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience)

	apiHandler := api.New(coordinator, documents, logger)
	wsHandler := ws.NewHandler(coordinator, authenticator, limiters, ws.Config{
		SendBuffer:     col.SendBuffer,
		MaxMessageSize: col.MaxMessageSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle(ws.PathPrefix, wsHandler)
	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/stats", apiHandler.RequireAuth(authenticator, apiHandler.StatsHandler))
	mux.HandleFunc("/api/rooms", apiHandler.RequireAuth(authenticator, apiHandler.RoomsRouter))
	mux.HandleFunc("/api/rooms/", apiHandler.RequireAuth(authenticator, apiHandler.RoomsRouter))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsMiddleware(mux, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("db_driver", cfg.Database.Driver).
		Str("compression", string(compression)).
		Msg("Lattice collaboration server starting")
	logger.Info().Msg("Endpoints: WebSocket " + ws.PathPrefix + "{docId}, GET /health, authenticated: GET /api/stats, GET /api/rooms, GET /api/rooms/{id}, POST /api/rooms/{id}/flush")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), col.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	// WebSocket connections are hijacked, so srv.Shutdown leaves them open.
	coordinator.CloseSessions()
	if err := sweeper.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	anyOrigin := slices.Contains(allowedOrigins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case anyOrigin:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowedOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
