// Command server exposes the harvest pipelines over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/auth"
	"github.com/fieldlabs/harvest/blob"
	"github.com/fieldlabs/harvest/llm"
	"github.com/fieldlabs/harvest/mapping"
	"github.com/fieldlabs/harvest/notify"
	"github.com/fieldlabs/harvest/pipeline"
	"github.com/fieldlabs/harvest/records"
	"github.com/fieldlabs/harvest/tracker"
	"github.com/fieldlabs/harvest/vectorstore"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// .env is optional; real env vars win over it.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}

	cfg := harvest.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}
	applyEnv(&cfg)

	deps, track, cleanup, err := buildDeps(context.Background(), cfg)
	if err != nil {
		slog.Error("wiring dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	corsOrigins := os.Getenv("HARVEST_CORS_ORIGINS")
	apiKey := os.Getenv("HARVEST_API_KEY")

	h := newHandler(deps, track)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /extraction", h.handleExtraction)
	mux.HandleFunc("POST /report", h.handleReport)
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("POST /interactions/{id}/feedback", h.handleFeedback)
	mux.HandleFunc("GET /interactions/{id}", h.handleGetInteraction)
	mux.HandleFunc("GET /interactions", h.handleSearchInteractions)
	mux.HandleFunc("GET /interactions/summary", h.handleSummary)
	mux.HandleFunc("GET /services", h.handleServices)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming reports can run long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// applyEnv overrides config fields from environment variables.
func applyEnv(cfg *harvest.Config) {
	if v := os.Getenv("HARVEST_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("HARVEST_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HARVEST_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("HARVEST_RECORD_DSN"); v != "" {
		cfg.RecordSourceDSN = v
	}
	if v := os.Getenv("HARVEST_GEN_BASE_URL"); v != "" {
		cfg.Generation.BaseURL = v
	}
	if v := os.Getenv("HARVEST_GEN_MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv("HARVEST_GEN_API_KEY"); v != "" {
		cfg.Generation.APIKey = v
	}
	if v := os.Getenv("HARVEST_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("HARVEST_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("HARVEST_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("HARVEST_MAPPING_URL"); v != "" {
		cfg.Mapping.BaseURL = v
	}
	if v := os.Getenv("HARVEST_BLOB_BACKEND"); v != "" {
		cfg.Blob.Backend = v
	}
	if v := os.Getenv("HARVEST_BLOB_REGION"); v != "" {
		cfg.Blob.Region = v
	}
	if v := os.Getenv("HARVEST_NOTIFY_WEBHOOK"); v != "" {
		cfg.NotifyWebhookURL = v
	}
	if v := os.Getenv("HARVEST_AUTH_URL"); v != "" {
		cfg.Auth.ValidatorURL = v
	}
	if v := os.Getenv("HARVEST_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	// Fallback: well-known provider env vars for API keys.
	if cfg.Generation.APIKey == "" && cfg.Generation.Provider == "openai" {
		cfg.Generation.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// buildDeps wires every pipeline collaborator, failing fast on the first
// dependency that cannot be constructed.
func buildDeps(ctx context.Context, cfg harvest.Config) (*pipeline.Deps, *tracker.Tracker, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	provider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Generation.Provider,
		Model:    cfg.Generation.Model,
		BaseURL:  cfg.Generation.BaseURL,
		APIKey:   cfg.Generation.APIKey,
	})
	if err != nil {
		return nil, nil, cleanup, err
	}

	embedProvider, err := llm.NewEmbeddingProvider(llm.Config{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.EmbeddingDim,
	})
	if err != nil {
		return nil, nil, cleanup, err
	}

	store, err := vectorstore.New(cfg.ResolveStorePath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, nil, cleanup, err
	}
	closers = append(closers, func() { store.Close() })

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		return nil, nil, cleanup, err
	}

	validator, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, nil, cleanup, err
	}

	if cfg.RecordSourceDSN == "" {
		return nil, nil, cleanup, fmt.Errorf("%w: record_source_dsn is required", harvest.ErrInvalidInput)
	}
	src, err := records.OpenSQL(cfg.RecordSourceDSN)
	if err != nil {
		return nil, nil, cleanup, err
	}
	closers = append(closers, func() { src.Close() })

	var notifier notify.Notifier = notify.Log{}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL)
	}
	track, err := tracker.New(cfg.ResolveTrackerPath(), notifier)
	if err != nil {
		return nil, nil, cleanup, err
	}
	closers = append(closers, func() { track.Close() })

	var mapper mapping.Resolver
	if cfg.Mapping.BaseURL != "" {
		mapper = mapping.NewClient(cfg.Mapping)
	} else {
		slog.Warn("mapping service not configured, enrichment disabled")
	}

	return &pipeline.Deps{
		Config:   cfg,
		Store:    store,
		Blobs:    blobs,
		LLM:      provider,
		Embedder: llm.NewEmbedder(embedProvider),
		Mapper:   mapper,
		Records:  src,
		Tracker:  track,
		Auth:     validator,
		Sessions: pipeline.NewSessionStore(),
	}, track, cleanup, nil
}
