// Command ingest loads a corpus directory into the vector index: parse,
// chunk, embed, upsert. Run it before starting the server, or rerun it to
// add new documents.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/prana-labs/prana"
	"github.com/prana-labs/prana/chunker"
	"github.com/prana-labs/prana/embed"
	"github.com/prana-labs/prana/index"
	"github.com/prana-labs/prana/ingest"
	"github.com/prana-labs/prana/parser"
)

func main() {
	corpusDir := flag.String("corpus", "./corpus", "Directory of documents to ingest")
	configPath := flag.String("config", "", "Path to config file (JSON)")
	envPath := flag.String("env", ".env", "Path to .env file (optional)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
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
	if v := os.Getenv("NVIDIA_EMBED_API_URL"); v != "" {
		cfg.Embedding.RemoteBaseURL = v
	}
	if v := os.Getenv("NVIDIA_API_KEY"); v != "" {
		cfg.Embedding.RemoteAPIKey = v
	}
	if v := os.Getenv("PRANA_INDEX_DIR"); v != "" {
		cfg.Index.PersistDirectory = v
	}

	embedder, err := embed.NewService(embed.Config{
		RemoteBaseURL: cfg.Embedding.RemoteBaseURL,
		RemoteAPIKey:  cfg.Embedding.RemoteAPIKey,
		RemoteModel:   cfg.Embedding.RemoteModel,
		LocalBaseURL:  cfg.Embedding.LocalBaseURL,
		LocalModel:    cfg.Embedding.LocalModel,
		Dimension:     cfg.Embedding.Dimension,
		MaxTokens:     cfg.Embedding.MaxTokens,
		BatchSize:     cfg.Embedding.BatchSize,
		Normalize:     cfg.Embedding.Normalize,
		CacheTTL:      time.Duration(cfg.EmbeddingCacheTTL) * time.Second,
	})
	if err != nil {
		slog.Error("creating embedding service", "error", err)
		os.Exit(1)
	}
	defer embedder.Close()

	idx, err := index.New(index.Config{
		Backend:           cfg.Index.Backend,
		PersistDirectory:  cfg.Index.PersistDirectory,
		CollectionName:    cfg.Index.CollectionName,
		PineconeAPIKey:    cfg.Index.PineconeAPIKey,
		PineconeIndexHost: cfg.Index.PineconeIndexHost,
		PineconeNamespace: cfg.Index.PineconeNamespace,
		Dimension:         cfg.Index.Dimension,
	})
	if err != nil {
		slog.Error("opening vector index", "error", err)
		os.Exit(1)
	}
	defer idx.Close()

	ch := chunker.New(chunker.Config{
		ChunkSize: cfg.ChunkSize,
		Overlap:   cfg.ChunkOverlap,
	})
	pipeline := ingest.New(parser.NewRegistry(), ch, embedder, idx)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := pipeline.IngestDirectory(ctx, *corpusDir)
	if err != nil {
		slog.Error("ingestion failed", "error", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	os.Stdout.Write(append(out, '\n'))
	if report.Failed > 0 {
		os.Exit(2)
	}
}
