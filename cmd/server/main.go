package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/handlers"
	"github.com/MegaGrindStone/chat-relay/internal/services"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

type userStore interface {
	handlers.UserStore
	io.Closer
}

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, "chatrelay")

	cfgPath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := loadConfigFile(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatal(err)
	}

	shutdownTracing, err := setupTracing(context.Background(), cfg.Tracing)
	if err != nil {
		log.Fatal(fmt.Errorf("error setting up tracing: %w", err))
	}

	if err := os.MkdirAll(appDir, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}
	store, err := openStore(context.Background(), cfg.Store, appDir)
	if err != nil {
		log.Fatal(err)
	}

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating llm: %w", err))
	}

	var (
		tokens handlers.Tokens
		oauth  handlers.OAuthProvider
	)
	if cfg.Auth.JWTSecret != "" {
		t, err := services.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			log.Fatal(fmt.Errorf("error creating token service: %w", err))
		}
		tokens = t
		if cfg.Auth.Google.ClientID != "" {
			oauth = services.NewGoogle(cfg.Auth.Google.ClientID, cfg.Auth.Google.ClientSecret, cfg.Auth.Google.CallbackURL)
		}
	} else {
		logger.Warn("No JWT secret configured, authentication routes are disabled")
	}

	m, err := handlers.NewMain(llm, store, tokens, oauth, handlers.Options{
		RequireAuth: cfg.RequireAuth,
		FrontendURL: cfg.FrontendURL,
		TurnTimeout: cfg.TurnTimeout,
	}, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating handlers: %w", err))
	}

	// No WriteTimeout: responses are long-lived streams bounded by the turn timeout instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("Failed to shutdown tracing", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("frontendURL", cfg.FrontendURL),
			slog.Bool("requireAuth", cfg.RequireAuth))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	if err := store.Close(); err != nil {
		logger.Error("Failed to close store", slog.String("err", err.Error()))
	}
}

func newLogger(cfg logConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
}

func openStore(ctx context.Context, cfg storeConfig, appDir string) (userStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "bolt":
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(appDir, "users.db")
		}
		store, err := services.NewBoltDB(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(appDir, "users.sqlite")
		}
		return services.NewSQLite(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store dsn is required for postgres")
		}
		return services.NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// setupTracing installs the global tracer provider. Spans are exported over OTLP/HTTP only when an
// endpoint is configured. The returned function flushes and stops the provider.
func setupTracing(ctx context.Context, cfg tracingConfig) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		exporterOpts := []otlptracehttp.Option{}
		switch {
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			endpoint = strings.TrimPrefix(endpoint, "http://")
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpoint(endpoint))

		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
