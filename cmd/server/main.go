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
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/prana-labs/prana"
	"github.com/prana-labs/prana/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	envPath := flag.String("env", ".env", "Path to .env file (optional)")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("loading env file", "path", *envPath, "error", err)
	}

	cfg := prana.DefaultConfig()
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

	engine, err := prana.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	limiter := ratelimit.New(ratelimit.Config{
		Requests: cfg.RateLimitRequests,
		Window:   time.Duration(cfg.RateLimitWindow) * time.Second,
		RedisURL: cfg.RedisURL,
	})
	defer limiter.Close()

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/ask", h.handleAsk)
	mux.HandleFunc("POST /api/v1/feedback", h.handleFeedback)
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", h.handleStats)

	// Middleware chain: recovery -> cors -> rate limit -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = rateLimitMiddleware(limiter, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = recoveryMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", addr)
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
func applyEnv(cfg *prana.Config) {
	if v := os.Getenv("PRANA_API_HOST"); v != "" {
		cfg.APIHost = v
	}
	if v := os.Getenv("PRANA_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = port
		}
	}
	if v := os.Getenv("PRANA_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = v
	}
	if v := os.Getenv("MONGODB_URL"); v != "" {
		cfg.MongoURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("PRANA_INDEX_BACKEND"); v != "" {
		cfg.Index.Backend = v
	}
	if v := os.Getenv("PRANA_INDEX_DIR"); v != "" {
		cfg.Index.PersistDirectory = v
	}
	if v := os.Getenv("PINECONE_API_KEY"); v != "" {
		cfg.Index.PineconeAPIKey = v
	}
	if v := os.Getenv("PINECONE_INDEX_HOST"); v != "" {
		cfg.Index.PineconeIndexHost = v
	}
	if v := os.Getenv("NVIDIA_EMBED_API_URL"); v != "" {
		cfg.Embedding.RemoteBaseURL = v
	}
	if v := os.Getenv("NVIDIA_API_KEY"); v != "" {
		cfg.Embedding.RemoteAPIKey = v
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("NVIDIA_LLM_API_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PRANA_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PRANA_SAFETY_ENABLED"); v != "" {
		cfg.SafetyEnabled = v == "true" || v == "1"
	}
}
