package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/prana-labs/prana/chunker"
)

func init() {
	sqlite_vec.Auto()
}

// sqliteIndex is the embedded on-disk backend, built on sqlite-vec.
type sqliteIndex struct {
	db         *sql.DB
	collection string

	initOnce sync.Once
	initErr  error

	mu     sync.Mutex // guards dim and recreate
	dim    int
	closed bool
}

func newSQLiteIndex(cfg Config) (*sqliteIndex, error) {
	dir := cfg.PersistDirectory
	if dir == "" {
		dir = "./data/index"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	collection := cfg.CollectionName
	if collection == "" {
		collection = "wellness_chunks"
	}

	dbPath := filepath.Join(dir, collection+".db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	return &sqliteIndex{db: db, collection: collection, dim: cfg.Dimension}, nil
}

// Initialize creates the schema and reconciles the recorded collection
// dimension. Safe against concurrent first use.
func (s *sqliteIndex) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.initialize(ctx)
	})
	return s.initErr
}

func (s *sqliteIndex) initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging index database: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS collection_meta (
		    key TEXT PRIMARY KEY,
		    value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chunks (
		    id INTEGER PRIMARY KEY,
		    chunk_id TEXT NOT NULL UNIQUE,
		    content TEXT NOT NULL,
		    document_id TEXT NOT NULL,
		    chunk_index INTEGER NOT NULL,
		    source TEXT,
		    category TEXT,
		    tokens INTEGER,
		    created_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
		CREATE INDEX IF NOT EXISTS idx_chunks_category ON chunks(category);
	`); err != nil {
		return fmt.Errorf("creating index schema: %w", err)
	}

	// The recorded dimension wins over configuration: the collection on
	// disk defines the embedding space.
	var recorded int
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM collection_meta WHERE key = 'dimension'").Scan(&recorded)
	switch {
	case err == sql.ErrNoRows:
		if s.dim == 0 {
			s.dim = 1024
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO collection_meta (key, value) VALUES ('dimension', ?)", s.dim); err != nil {
			return fmt.Errorf("recording collection dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading collection dimension: %w", err)
	default:
		s.dim = recorded
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
		    chunk_rowid INTEGER PRIMARY KEY,
		    embedding float[%d] distance_metric=cosine
		)`, s.dim)); err != nil {
		return fmt.Errorf("creating vector table: %w", err)
	}

	return nil
}

// ensureDimension enforces the one-dimension-per-collection invariant.
// On mismatch the collection is dropped and recreated at the new
// dimension; silent padding is never performed.
func (s *sqliteIndex) ensureDimension(ctx context.Context, d int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d == s.dim || d == 0 {
		return nil
	}

	slog.Warn("index: dimension mismatch, recreating collection",
		"collection", s.collection, "have", s.dim, "want", d)

	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS vec_chunks"); err != nil {
		return fmt.Errorf("dropping vector table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE VIRTUAL TABLE vec_chunks USING vec0(
		    chunk_rowid INTEGER PRIMARY KEY,
		    embedding float[%d] distance_metric=cosine
		)`, d)); err != nil {
		return fmt.Errorf("recreating vector table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO collection_meta (key, value) VALUES ('dimension', ?)", d); err != nil {
		return fmt.Errorf("recording collection dimension: %w", err)
	}

	s.dim = d
	return nil
}

func (s *sqliteIndex) Upsert(ctx context.Context, chunks []chunker.Chunk, embeddings [][]float32) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if err := s.Initialize(ctx); err != nil {
		return 0, err
	}
	if len(chunks) != len(embeddings) {
		return 0, fmt.Errorf("index: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := s.ensureDimension(ctx, len(embeddings[0])); err != nil {
		return 0, err
	}

	written := 0
	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		n, err := s.upsertBatch(ctx, chunks[start:end], embeddings[start:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *sqliteIndex) upsertBatch(ctx context.Context, chunks []chunker.Chunk, embeddings [][]float32) (int, error) {
	written := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, ch := range chunks {
			meta := flattenMetadata(ch)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (chunk_id, content, document_id, chunk_index, source, category, tokens, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(chunk_id) DO UPDATE SET
					content = excluded.content,
					document_id = excluded.document_id,
					chunk_index = excluded.chunk_index,
					source = excluded.source,
					category = excluded.category,
					tokens = excluded.tokens,
					created_at = excluded.created_at
			`, ch.ID, ch.Content, meta["document_id"], ch.Index, meta["source"],
				meta["category"], ch.Tokens, meta["created_at"]); err != nil {
				return fmt.Errorf("upserting chunk %s: %w", ch.ID, err)
			}

			var rowid int64
			if err := tx.QueryRowContext(ctx,
				"SELECT id FROM chunks WHERE chunk_id = ?", ch.ID).Scan(&rowid); err != nil {
				return fmt.Errorf("resolving chunk row %s: %w", ch.ID, err)
			}

			// vec0 tables reject INSERT OR REPLACE on an existing rowid;
			// clear the old vector first.
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM vec_chunks WHERE chunk_rowid = ?", rowid); err != nil {
				return fmt.Errorf("clearing embedding %s: %w", ch.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_chunks (chunk_rowid, embedding) VALUES (?, ?)",
				rowid, serializeFloat32(embeddings[i])); err != nil {
				return fmt.Errorf("upserting embedding %s: %w", ch.ID, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *sqliteIndex) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureDimension(ctx, len(vector)); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.distance, c.chunk_id, c.content, c.document_id, c.chunk_index,
			c.source, c.category, c.tokens, c.created_at
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(vector), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var distance float64
		var r Result
		var docID, source, category, createdAt sql.NullString
		var chunkIdx, tokens sql.NullInt64
		if err := rows.Scan(&distance, &r.ChunkID, &r.Content, &docID, &chunkIdx,
			&source, &category, &tokens, &createdAt); err != nil {
			return nil, err
		}
		// Cosine distance to similarity.
		r.Score = 1.0 - distance
		r.Metadata = map[string]string{
			"document_id": docID.String,
			"chunk_index": fmt.Sprintf("%d", chunkIdx.Int64),
			"source":      source.String,
			"category":    category.String,
			"tokens":      fmt.Sprintf("%d", tokens.Int64),
			"created_at":  createdAt.String,
		}
		if filter != nil && !matchesFilter(r.Metadata, filter) {
			continue
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *sqliteIndex) Delete(ctx context.Context, ids []string) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if err := s.Initialize(ctx); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	deleted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var rowid int64
			err := tx.QueryRowContext(ctx,
				"SELECT id FROM chunks WHERE chunk_id = ?", id).Scan(&rowid)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM vec_chunks WHERE chunk_rowid = ?", rowid); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM chunks WHERE id = ?", rowid); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *sqliteIndex) Stats(ctx context.Context) (*Stats, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count); err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}

	s.mu.Lock()
	dim := s.dim
	s.mu.Unlock()

	return &Stats{Count: count, Dimension: dim, Backend: "sqlite"}, nil
}

func (s *sqliteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *sqliteIndex) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// --- helpers ---

func (s *sqliteIndex) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for
// sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
