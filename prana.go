// Package prana is a retrieval-augmented question-answering engine for
// wellness and yoga content. Each query runs a fixed pipeline: safety
// classification, vector retrieval, grounded generation, asynchronous
// logging.
package prana

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prana-labs/prana/embed"
	"github.com/prana-labs/prana/index"
	"github.com/prana-labs/prana/llm"
	"github.com/prana-labs/prana/logsink"
	"github.com/prana-labs/prana/retrieval"
	"github.com/prana-labs/prana/safety"
)

// maxQueryLength bounds accepted query strings.
const maxQueryLength = 1000

// Canned response fragments.
const (
	refusalPrefix = "I cannot answer this query due to safety guidelines. "

	apologyResponse = "I apologize, but I am unable to generate a detailed response at the moment due to a technical issue. Please try again."
)

// systemPrompt enjoins strictly source-grounded answers.
const systemPrompt = `You are a certified, knowledgeable, and empathetic Yoga Expert and Therapist.
Your goal is to provide accurate, safe, and helpful advice about yoga poses (asanas), breathing techniques (pranayama), and general wellness.

GUIDELINES:
1. **Source-Based Accuracy**: ALL your answers must be based STRICTLY on the provided context (sources). If the context does not contain the answer, say "I don't have enough information in my knowledge base to answer that specifically." Do NOT hallucinate poses or benefits.
2. **Safety First**:
   - Always prioritize user safety.
   - If a user mentions pain, injury, medical conditions, or pregnancy, emphasize consulting a healthcare professional.
   - For beginners, recommend gentle modifications.
3. **Tone**: Calm, encouraging, respectful, and professional (like a yoga teacher).
4. **Structure**:
   - Start with a direct answer.
   - Provide step-by-step instructions if asked for a pose.
   - Mention benefits and contraindications if relevant (and in context).
   - Use clear formatting (bullet points, bold text).

CONTEXT:
%s

USER QUERY: %s`

// QueryRequest is an inbound question.
type QueryRequest struct {
	Query         string  `json:"query"`
	MaxChunks     int     `json:"max_chunks,omitempty"`
	MinSimilarity float64 `json:"min_similarity,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
}

// SourceCitation references one retrieved chunk backing a response.
type SourceCitation struct {
	Source         string  `json:"source"`
	ChunkID        string  `json:"chunk_id"`
	RelevanceScore float64 `json:"relevance_score"`
}

// GeneratedResponse is the model's reply with citations and notices.
type GeneratedResponse struct {
	Content       string           `json:"content"`
	Sources       []SourceCitation `json:"sources"`
	Confidence    float64          `json:"confidence"`
	SafetyNotices []string         `json:"safety_notices"`
}

// QueryResponse is the full per-query result.
type QueryResponse struct {
	Query            string             `json:"query"`
	Response         GeneratedResponse  `json:"response"`
	RetrievalResults []retrieval.Result `json:"retrieval_results"`
	SafetyAssessment *safety.Assessment `json:"safety_assessment"`
	ProcessingTimeMS int64              `json:"processing_time_ms"`
	SessionID        string             `json:"session_id"`
	QueryID          string             `json:"query_id"`
}

// InteractionLog is the append-only record of one answered query.
type InteractionLog struct {
	QueryID          string        `json:"query_id" bson:"query_id"`
	UserID           string        `json:"user_id" bson:"user_id"`
	Timestamp        time.Time     `json:"timestamp" bson:"timestamp"`
	Query            string        `json:"query" bson:"query"`
	RetrievedChunks  []string      `json:"retrieved_chunks" bson:"retrieved_chunks"`
	ResponseContent  string        `json:"response_content" bson:"response_content"`
	ProcessingTimeMS int64         `json:"processing_time_ms" bson:"processing_time_ms"`
	SafetyFlags      []safety.Flag `json:"safety_flags" bson:"safety_flags"`
	Feedback         string        `json:"feedback,omitempty" bson:"feedback,omitempty"`
}

// SafetyIncident is the append-only record of a blocked query.
type SafetyIncident struct {
	ID           string           `json:"id" bson:"id"`
	SessionID    string           `json:"session_id" bson:"session_id"`
	IncidentType safety.FlagKind  `json:"incident_type" bson:"incident_type"`
	Severity     safety.RiskLevel `json:"severity" bson:"severity"`
	Query        string           `json:"query" bson:"query"`
	Flags        []safety.Flag    `json:"flags" bson:"flags"`
	Timestamp    time.Time        `json:"timestamp" bson:"timestamp"`
}

// FeedbackRecord stores user feedback for a past query.
type FeedbackRecord struct {
	QueryID   string    `json:"query_id" bson:"query_id"`
	Feedback  string    `json:"feedback" bson:"feedback"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Stats is a point-in-time snapshot of engine internals.
type Stats struct {
	Index       *index.Stats     `json:"index,omitempty"`
	Cache       embed.CacheStats `json:"cache"`
	DroppedLogs uint64           `json:"dropped_logs"`
}

// Retriever is the slice of the retrieval engine the orchestrator needs.
type Retriever interface {
	Search(ctx context.Context, query string, maxResults int, minSimilarity float64) ([]retrieval.Result, error)
}

// Engine drives the per-query pipeline. Construct with New; safe for
// concurrent use.
type Engine struct {
	cfg        Config
	classifier *safety.Classifier
	retriever  Retriever
	generator  llm.Provider
	embedder   *embed.Service
	idx        index.Index

	interactions *logsink.Writer
	incidents    *logsink.Writer

	now   func() time.Time
	newID func() string
}

// Option overrides a component during construction. Components not
// overridden are built from the Config.
type Option func(*Engine)

// WithClassifier substitutes the safety classifier.
func WithClassifier(c *safety.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithRetriever substitutes the retrieval engine.
func WithRetriever(r Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithGenerator substitutes the chat LLM. Passing nil selects mock
// generation.
func WithGenerator(p llm.Provider) Option {
	return func(e *Engine) { e.generator = p }
}

// WithSinks substitutes the interaction and incident log writers.
func WithSinks(interactions, incidents *logsink.Writer) Option {
	return func(e *Engine) {
		e.interactions = interactions
		e.incidents = incidents
	}
}

// WithIndex substitutes the vector index.
func WithIndex(idx index.Index) Option {
	return func(e *Engine) { e.idx = idx }
}

// New wires an engine from configuration. Missing optional backends
// degrade: no LLM config selects mock generation, an unreachable MongoDB
// falls back to in-memory log sinks.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.ChunkSize < 0 || cfg.MaxChunksPerQuery < 0 {
		return nil, fmt.Errorf("%w: negative chunking values", ErrInvalidConfig)
	}
	if cfg.MinSimilarity < 0 || cfg.MinSimilarity > 1 {
		return nil, fmt.Errorf("%w: min_similarity %f outside [0,1]", ErrInvalidConfig, cfg.MinSimilarity)
	}

	e := &Engine{
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.classifier == nil {
		if cfg.SafetyEnabled {
			e.classifier = safety.NewClassifier()
		} else {
			e.classifier = safety.NewClassifier(safety.Disabled())
		}
	}

	if e.retriever == nil {
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
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		e.embedder = embedder

		if e.idx == nil {
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
				embedder.Close()
				return nil, fmt.Errorf("opening vector index: %w", err)
			}
			e.idx = idx
		}

		e.retriever = retrieval.New(embedder, e.idx, retrieval.Config{
			MaxResults:    cfg.MaxChunksPerQuery,
			MinSimilarity: cfg.MinSimilarity,
		})
	}

	if e.generator == nil && cfg.LLM.BaseURL != "" {
		e.generator = llm.NewNvidia(llm.Config{
			Provider: "nvidia",
			Model:    cfg.LLM.Model,
			BaseURL:  cfg.LLM.BaseURL,
			APIKey:   cfg.LLM.APIKey,
		})
	}
	if e.generator == nil {
		slog.Info("prana: no LLM configured, using mock generation")
	}

	if e.interactions == nil {
		e.interactions = logsink.NewWriter(newSink(cfg, cfg.MongoCollectionLogs), 0)
	}
	if e.incidents == nil {
		e.incidents = logsink.NewWriter(newSink(cfg, cfg.MongoCollectionSafety), 0)
	}

	return e, nil
}

// newSink connects a MongoDB sink, degrading to memory when unreachable.
func newSink(cfg Config, collection string) logsink.Sink {
	if cfg.MongoURL == "" {
		return logsink.NewMemorySink()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink, err := logsink.NewMongoSink(ctx, cfg.MongoURL, cfg.MongoDatabase, collection)
	if err != nil {
		slog.Warn("prana: mongodb unavailable, logging to memory",
			"collection", collection, "error", err)
		return logsink.NewMemorySink()
	}
	return sink
}

// Ask answers one query. Only admission and input validation fail the
// request; every downstream failure has a degraded response.
func (e *Engine) Ask(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := e.now()
	queryID := e.newID()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = e.newID()
	}
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	if len(req.Query) > maxQueryLength {
		return nil, fmt.Errorf("%w: query exceeds %d characters", ErrInvalidQuery, maxQueryLength)
	}

	assessment := e.classifier.Assess(query)

	if !assessment.AllowResponse {
		incidentType := safety.FlagMedicalAdvice
		if len(assessment.Flags) > 0 {
			incidentType = assessment.Flags[0].Kind
		}
		e.incidents.Enqueue(SafetyIncident{
			ID:           queryID,
			SessionID:    sessionID,
			IncidentType: incidentType,
			Severity:     assessment.RiskLevel,
			Query:        query,
			Flags:        assessment.Flags,
			Timestamp:    start.UTC(),
		})

		slog.Warn("prana: query blocked",
			"query_id", queryID, "risk", assessment.RiskLevel)

		return &QueryResponse{
			Query: req.Query,
			Response: GeneratedResponse{
				Content:       refusalPrefix + strings.Join(assessment.RequiredDisclaimers, " "),
				Sources:       []SourceCitation{},
				Confidence:    0.0,
				SafetyNotices: assessment.RequiredDisclaimers,
			},
			RetrievalResults: []retrieval.Result{},
			SafetyAssessment: assessment,
			ProcessingTimeMS: e.sinceMS(start),
			SessionID:        sessionID,
			QueryID:          queryID,
		}, nil
	}

	results, err := e.retriever.Search(ctx, query, req.MaxChunks, req.MinSimilarity)
	if err != nil {
		// Only cancellation propagates out of retrieval. Log what we have
		// before giving up.
		e.logInteraction(queryID, userID, start, query, nil, "", assessment)
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	generated := e.generate(ctx, query, results, assessment)

	e.logInteraction(queryID, userID, start, query, results, generated.Content, assessment)

	return &QueryResponse{
		Query:            req.Query,
		Response:         generated,
		RetrievalResults: results,
		SafetyAssessment: assessment,
		ProcessingTimeMS: e.sinceMS(start),
		SessionID:        sessionID,
		QueryID:          queryID,
	}, nil
}

// generate produces the response body from retrieved context. LLM failure
// degrades to a canned apology; an absent LLM yields a mock excerpt.
func (e *Engine) generate(ctx context.Context, query string, results []retrieval.Result, assessment *safety.Assessment) GeneratedResponse {
	citations := make([]SourceCitation, 0, len(results))
	for _, r := range results {
		citations = append(citations, SourceCitation{
			Source:         r.Chunk.Source,
			ChunkID:        r.Chunk.ID,
			RelevanceScore: r.SimilarityScore,
		})
	}

	var notices []string
	if len(assessment.Flags) > 0 {
		notices = assessment.RequiredDisclaimers
	}

	if e.generator == nil {
		content, confidence := mockContent(query, results)
		return GeneratedResponse{
			Content:       content,
			Sources:       citations,
			Confidence:    confidence,
			SafetyNotices: notices,
		}
	}

	prompt := fmt.Sprintf(systemPrompt, contextBlocks(results), query)
	resp, err := e.generator.Chat(ctx, llm.ChatRequest{
		Model: e.cfg.LLM.Model,
		Messages: []llm.Message{
			{Role: "system", Content: "You are a helpful yoga assistant with expertise in yoga poses, breathing techniques, and wellness practices."},
			{Role: "user", Content: prompt},
		},
		Temperature: e.cfg.LLM.Temperature,
		MaxTokens:   e.cfg.LLM.MaxTokens,
	})
	if err != nil {
		slog.Error("prana: generation failed", "error", err)
		return GeneratedResponse{
			Content:       apologyResponse,
			Sources:       []SourceCitation{},
			Confidence:    0.0,
			SafetyNotices: notices,
		}
	}

	return GeneratedResponse{
		Content:       resp.Content,
		Sources:       citations,
		Confidence:    1.0, // no grounded semantics; constant on success
		SafetyNotices: notices,
	}
}

// contextBlocks serializes retrieved chunks for the prompt in rank order.
func contextBlocks(results []retrieval.Result) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = fmt.Sprintf("Source %d (%s):\n%s", i+1, r.Chunk.Source, r.Chunk.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// mockContent is the no-LLM fallback: echo a context excerpt.
func mockContent(query string, results []retrieval.Result) (string, float64) {
	content := fmt.Sprintf("**[MOCK RESPONSE]**\n\nBased on your query '%s', here is some information from our knowledge base:\n\n", query)
	if len(results) == 0 {
		return content + "No relevant information found in the knowledge base.", 0.0
	}
	excerpt := results[0].Chunk.Content
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	return content + excerpt + "...\n\n(Note: LLM is not configured, showing raw context excerpt)", 1.0
}

func (e *Engine) logInteraction(queryID, userID string, start time.Time, query string, results []retrieval.Result, content string, assessment *safety.Assessment) {
	chunkIDs := make([]string, 0, len(results))
	for _, r := range results {
		chunkIDs = append(chunkIDs, r.Chunk.ID)
	}
	e.interactions.Enqueue(InteractionLog{
		QueryID:          queryID,
		UserID:           userID,
		Timestamp:        start.UTC(),
		Query:            query,
		RetrievedChunks:  chunkIDs,
		ResponseContent:  content,
		ProcessingTimeMS: e.sinceMS(start),
		SafetyFlags:      assessment.Flags,
	})
}

func (e *Engine) sinceMS(start time.Time) int64 {
	ms := e.now().Sub(start).Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return ms
}

// RecordFeedback attaches free-form feedback to a past query id.
func (e *Engine) RecordFeedback(queryID, feedback string) {
	slog.Info("prana: feedback received", "query_id", queryID)
	e.interactions.Enqueue(FeedbackRecord{
		QueryID:   queryID,
		Feedback:  feedback,
		Timestamp: e.now().UTC(),
	})
}

// Stats reports index, cache, and log-queue health.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		DroppedLogs: e.interactions.Dropped() + e.incidents.Dropped(),
	}
	if e.embedder != nil {
		s.Cache = e.embedder.CacheStats()
	}
	if e.idx != nil {
		idxStats, err := e.idx.Stats(ctx)
		if err != nil {
			return nil, err
		}
		s.Index = idxStats
	}
	return s, nil
}

// Close flushes log writers and releases providers and the index.
func (e *Engine) Close() error {
	var firstErr error
	for _, c := range []func() error{
		e.interactions.Close,
		e.incidents.Close,
	} {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.embedder != nil {
		if err := e.embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.idx != nil {
		if err := e.idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
