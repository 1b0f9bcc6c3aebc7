// Package ingest drives the offline corpus pipeline: parse documents,
// chunk them, embed the chunks, and upsert into the vector index.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prana-labs/prana/chunker"
	"github.com/prana-labs/prana/embed"
	"github.com/prana-labs/prana/index"
	"github.com/prana-labs/prana/parser"
)

// Embedder is the slice of the embedding service the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, useCache bool) (*embed.BatchResult, error)
}

// Pipeline ingests documents into the vector index.
type Pipeline struct {
	registry *parser.Registry
	chunker  *chunker.Chunker
	embedder Embedder
	index    index.Index
}

// Report summarises one ingestion run.
type Report struct {
	Documents int           `json:"documents"`
	Failed    int           `json:"failed"`
	Chunks    int           `json:"chunks"`
	Upserted  int           `json:"upserted"`
	Elapsed   time.Duration `json:"elapsed"`
}

// New builds a pipeline over the given components.
func New(registry *parser.Registry, ch *chunker.Chunker, embedder Embedder, idx index.Index) *Pipeline {
	return &Pipeline{registry: registry, chunker: ch, embedder: embedder, index: idx}
}

// IngestDirectory walks root and ingests every parseable file. A document
// that fails to parse or embed is logged and skipped; the run continues.
func (p *Pipeline) IngestDirectory(ctx context.Context, root string) (*Report, error) {
	start := time.Now()
	report := &Report{}

	if err := p.index.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing index: %w", err)
	}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, perr := p.registry.ForPath(path); perr != nil {
			return nil // not a corpus format
		}

		chunks, upserted, ierr := p.IngestFile(ctx, path)
		report.Documents++
		if ierr != nil {
			report.Failed++
			slog.Warn("ingest: document failed", "path", path, "error", ierr)
			return nil
		}
		report.Chunks += chunks
		report.Upserted += upserted
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("walking corpus: %w", err)
	}

	report.Elapsed = time.Since(start)
	slog.Info("ingest: run complete",
		"documents", report.Documents, "failed", report.Failed,
		"chunks", report.Chunks, "upserted", report.Upserted,
		"elapsed", report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// IngestFile parses, chunks, embeds, and upserts one document. Returns the
// chunk count and the number of vectors written.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (int, int, error) {
	prs, err := p.registry.ForPath(path)
	if err != nil {
		return 0, 0, err
	}

	parsed, err := prs.Parse(ctx, path)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing: %w", err)
	}
	text := parsed.Text()
	if text == "" {
		return 0, 0, nil
	}

	docID := DocumentID(path)
	source := filepath.Base(path)
	chunks := p.chunker.Split(docID, text, source, InferCategory(path))
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	batch, err := p.embedder.EmbedBatch(ctx, texts, true)
	if err != nil {
		return len(chunks), 0, fmt.Errorf("embedding: %w", err)
	}

	written, err := p.index.Upsert(ctx, chunks, batch.Vectors)
	if err != nil {
		return len(chunks), written, fmt.Errorf("upserting: %w", err)
	}

	slog.Debug("ingest: document indexed",
		"source", source, "chunks", len(chunks), "upserted", written)
	return len(chunks), written, nil
}

// DocumentID derives a stable id from the file name, so re-ingesting the
// same corpus overwrites chunks instead of duplicating them. The id is the
// lowercased stem with non-alphanumeric runs collapsed to underscores.
func DocumentID(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(stem) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			underscore = false
		case !underscore && b.Len() > 0:
			b.WriteByte('_')
			underscore = true
		}
	}
	id := strings.TrimSuffix(b.String(), "_")
	if id == "" {
		return "document"
	}
	return id
}

// InferCategory guesses a chunk category from path components, falling back
// to the wellness default.
func InferCategory(path string) chunker.Category {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "meditat") || strings.Contains(p, "mindful"):
		return chunker.CategoryMeditation
	case strings.Contains(p, "nutrition") || strings.Contains(p, "diet"):
		return chunker.CategoryNutrition
	case strings.Contains(p, "exercise") || strings.Contains(p, "fitness") || strings.Contains(p, "workout"):
		return chunker.CategoryExercise
	case strings.Contains(p, "yoga") || strings.Contains(p, "asana") || strings.Contains(p, "pose") || strings.Contains(p, "pranayama"):
		return chunker.CategoryYoga
	default:
		return chunker.CategoryWellness
	}
}
