package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"calsync-cloud/cache"
	"calsync-cloud/calendarsync"
	"calsync-cloud/config"
	"calsync-cloud/feed"
	"calsync-cloud/security"
	"calsync-cloud/store"
	"calsync-cloud/streams"
	"calsync-cloud/telemetry"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
)

type HealthResponse struct {
	OK       bool   `json:"ok"`
	Version  string `json:"version"`
	Service  string `json:"service"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

const (
	VERSION     = "0.1.0"
	serviceName = "calsync-cloud"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", serviceName)
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	slog.Info("starting calsync server", "version", VERSION)

	if cfg.Telemetry != nil {
		shutdown, terr := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if terr != nil {
			return terr
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = errors.Join(err, shutdown(flushCtx))
		}()
	}

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, store.Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	slog.Info("connected to database", "driver", st.Driver())

	// Redis backs the change feed, the calendar list cache and webhook
	// dedupe. Sync keeps working without it.
	redisClient, err := streams.Connect(ctx, cfg.RedisURL)
	if err != nil {
		slog.Warn("redis unavailable, feed and cache disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
		slog.Info("connected to redis")
	}

	deps := buildServer(st, redisClient, cfg)
	if err := deps.cron.Start(ctx, cfg.SyncCronSchedule); err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      deps.routes(),
		Addr:         "0.0.0.0:" + cfg.Port,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// server holds the wired handlers behind the router.
type server struct {
	store       *store.Store
	redis       *redis.Client
	auth        *security.Authenticator
	oauth       *GoogleOAuthHandler
	calendar    *CalendarHandler
	webhook     *CalendarWebhookHandler
	feed        *SyncFeedHandler
	cron        *CalendarPullSync
	cronSecret  string
	corsOrigins []string
}

func buildServer(st *store.Store, redisClient *redis.Client, cfg *config.Config) *server {
	loc := cfg.Location()

	tokens := security.NewTokenManager(st, security.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	}, slog.Default())
	provider := calendarsync.NewGoogleProvider(tokens)

	var bus *feed.Bus
	if redisClient != nil {
		bus = feed.NewBus(redisClient)
	}
	calendars := cache.NewCalendarListCache(redisClient, cfg.CalendarListTTL, nil)

	puller := calendarsync.NewPuller(st, provider, bus, slog.Default())
	pusher := calendarsync.NewPusher(st, provider, bus, loc, slog.Default())
	registrar := calendarsync.NewWebhookRegistrar(st, provider, cfg.WebhookURL, cfg.WebhookSecret, slog.Default())
	runner := NewSyncRunner(st, tokens, puller, pusher)

	return &server{
		store:       st,
		redis:       redisClient,
		auth:        security.NewAuthenticator(cfg.JWTSecret, cfg.JWTAudience),
		oauth:       NewGoogleOAuthHandler(st, tokens, registrar, calendars, cfg.AppBaseURL),
		calendar:    NewCalendarHandler(st, provider, runner, pusher, registrar, calendars),
		webhook:     NewCalendarWebhookHandler(st, puller, redisClient, cfg.WebhookSecret),
		feed:        NewSyncFeedHandler(bus, st, cfg.CORSAllowedOrigins),
		cron:        NewCalendarPullSync(st, runner, NewWebhookRenewer(st, registrar, DefaultRenewThreshold)),
		cronSecret:  cfg.CronSecret,
		corsOrigins: cfg.CORSAllowedOrigins,
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware(s.corsOrigins))

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	s.oauth.RegisterRoutes(r, s.auth.Middleware)
	s.calendar.RegisterRoutes(r, s.auth.Middleware)
	s.feed.RegisterRoutes(r, s.auth.Middleware)
	s.webhook.RegisterRoutes(r)
	s.cron.RegisterRoutes(r, s.cronSecret)
	return r
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{OK: true, Version: VERSION, Service: serviceName, Database: "ok", Redis: "disabled"}
	if err := s.store.Ping(ctx); err != nil {
		resp.OK = false
		resp.Database = err.Error()
	}
	if s.redis != nil {
		resp.Redis = "ok"
		if err := streams.Probe(ctx, s.redis); err != nil {
			resp.Redis = err.Error()
		}
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Calendar Sync API Server",
		"version": VERSION,
	})
}
