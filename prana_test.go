package prana

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prana-labs/prana/chunker"
	"github.com/prana-labs/prana/llm"
	"github.com/prana-labs/prana/logsink"
	"github.com/prana-labs/prana/retrieval"
	"github.com/prana-labs/prana/safety"
)

type fakeRetriever struct {
	results []retrieval.Result
	err     error
	called  bool
}

func (f *fakeRetriever) Search(ctx context.Context, query string, maxResults int, minSimilarity float64) ([]retrieval.Result, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeGenerator struct {
	content string
	err     error
	prompts []llm.ChatRequest
}

func (f *fakeGenerator) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.prompts = append(f.prompts, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content, FinishReason: "stop"}, nil
}

type testEngine struct {
	*Engine
	retriever    *fakeRetriever
	generator    *fakeGenerator
	interactions *logsink.MemorySink
	incidents    *logsink.MemorySink
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	te := &testEngine{
		retriever:    &fakeRetriever{},
		generator:    &fakeGenerator{content: "Mountain pose grounds the body through the feet."},
		interactions: logsink.NewMemorySink(),
		incidents:    logsink.NewMemorySink(),
	}

	cfg := DefaultConfig()
	cfg.MongoURL = ""
	all := append([]Option{
		WithRetriever(te.retriever),
		WithGenerator(te.generator),
		WithSinks(
			logsink.NewWriter(te.interactions, 16),
			logsink.NewWriter(te.incidents, 16),
		),
	}, opts...)

	eng, err := New(cfg, all...)
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	te.Engine = eng
	t.Cleanup(func() { eng.Close() })
	return te
}

func yogaResult(id string, score float64) retrieval.Result {
	return retrieval.Result{
		Chunk: chunker.Chunk{
			ID:         id,
			DocumentID: "doc1",
			Content:    "Mountain pose (Tadasana) is a standing posture.",
			Tokens:     10,
			Source:     "poses.txt",
			Category:   chunker.CategoryYoga,
			CreatedAt:  time.Now(),
		},
		SimilarityScore: score,
		RelevanceRank:   1,
	}
}

func TestAskHappyPath(t *testing.T) {
	te := newTestEngine(t)
	te.retriever.results = []retrieval.Result{yogaResult("doc1_chunk_0", 0.92)}

	resp, err := te.Ask(context.Background(), QueryRequest{
		Query:         "What is mountain pose?",
		MaxChunks:     3,
		MinSimilarity: 0.5,
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if !resp.SafetyAssessment.AllowResponse {
		t.Error("benign query blocked")
	}
	if len(resp.RetrievalResults) != 1 || resp.RetrievalResults[0].Chunk.ID != "doc1_chunk_0" {
		t.Errorf("retrieval results = %+v", resp.RetrievalResults)
	}
	if resp.Response.Content == "" {
		t.Error("empty response content")
	}
	if len(resp.Response.Sources) != 1 || resp.Response.Sources[0].ChunkID != "doc1_chunk_0" {
		t.Errorf("sources = %+v", resp.Response.Sources)
	}
	if resp.Response.Sources[0].RelevanceScore != 0.92 {
		t.Errorf("relevance = %f", resp.Response.Sources[0].RelevanceScore)
	}
	if resp.Response.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0 on success", resp.Response.Confidence)
	}
	if resp.ProcessingTimeMS <= 0 {
		t.Errorf("processing_time_ms = %d", resp.ProcessingTimeMS)
	}
	if resp.SessionID == "" || resp.QueryID == "" {
		t.Error("missing session or query id")
	}

	// The prompt carries the context block and the verbatim query.
	if len(te.generator.prompts) != 1 {
		t.Fatalf("generator called %d times", len(te.generator.prompts))
	}
	userMsg := te.generator.prompts[0].Messages[1].Content
	if !strings.Contains(userMsg, "Source 1 (poses.txt):") {
		t.Errorf("prompt missing context block:\n%s", userMsg)
	}
	if !strings.Contains(userMsg, "USER QUERY: What is mountain pose?") {
		t.Errorf("prompt missing query:\n%s", userMsg)
	}
}

func TestAskSafetyBlock(t *testing.T) {
	te := newTestEngine(t)

	resp, err := te.Ask(context.Background(), QueryRequest{
		Query: "I'm having a heart attack, what pose should I do?",
	})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if resp.SafetyAssessment.RiskLevel != safety.RiskCritical {
		t.Errorf("risk = %s, want CRITICAL", resp.SafetyAssessment.RiskLevel)
	}
	if resp.SafetyAssessment.AllowResponse {
		t.Error("allow_response = true")
	}
	if !strings.HasPrefix(resp.Response.Content, "I cannot answer this query due to safety guidelines.") {
		t.Errorf("content = %q", resp.Response.Content)
	}
	if te.retriever.called {
		t.Error("retriever invoked for a blocked query")
	}
	if len(te.generator.prompts) != 0 {
		t.Error("generator invoked for a blocked query")
	}
	if len(resp.RetrievalResults) != 0 {
		t.Errorf("retrieval results = %+v", resp.RetrievalResults)
	}

	te.Engine.incidents.Close()
	records := te.incidents.Records()
	if len(records) != 1 {
		t.Fatalf("incidents logged = %d, want 1", len(records))
	}
	incident := records[0].(SafetyIncident)
	if incident.IncidentType != safety.FlagEmergency || incident.Severity != safety.RiskCritical {
		t.Errorf("incident = %+v", incident)
	}
	if incident.Query != "I'm having a heart attack, what pose should I do?" {
		t.Errorf("incident query = %q", incident.Query)
	}
}

func TestAskEmptyCorpus(t *testing.T) {
	te := newTestEngine(t)
	te.retriever.results = nil

	resp, err := te.Ask(context.Background(), QueryRequest{Query: "What is yoga?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(resp.RetrievalResults) != 0 {
		t.Errorf("retrieval results = %+v", resp.RetrievalResults)
	}
	if resp.Response.Content == "" {
		t.Error("no graceful fallback content")
	}
}

func TestAskMockGeneration(t *testing.T) {
	te := newTestEngine(t, WithGenerator(nil))
	te.retriever.results = []retrieval.Result{yogaResult("doc1_chunk_0", 0.9)}

	resp, err := te.Ask(context.Background(), QueryRequest{Query: "What is mountain pose?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.HasPrefix(resp.Response.Content, "**[MOCK RESPONSE]**") {
		t.Errorf("content = %q", resp.Response.Content)
	}
	if !strings.Contains(resp.Response.Content, "Mountain pose (Tadasana)") {
		t.Errorf("mock excerpt missing: %q", resp.Response.Content)
	}
	if resp.Response.Confidence != 1.0 {
		t.Errorf("confidence = %f", resp.Response.Confidence)
	}
}

func TestAskMockGenerationEmptyContext(t *testing.T) {
	te := newTestEngine(t, WithGenerator(nil))

	resp, err := te.Ask(context.Background(), QueryRequest{Query: "What is yoga?"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Response.Content, "No relevant information found") {
		t.Errorf("content = %q", resp.Response.Content)
	}
	if resp.Response.Confidence != 0.0 {
		t.Errorf("confidence = %f, want 0 with no context", resp.Response.Confidence)
	}
}

func TestAskGenerationFailure(t *testing.T) {
	te := newTestEngine(t)
	te.generator.err = errors.New("upstream 500")
	te.retriever.results = []retrieval.Result{yogaResult("doc1_chunk_0", 0.9)}

	resp, err := te.Ask(context.Background(), QueryRequest{Query: "What is mountain pose?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Response.Content != apologyResponse {
		t.Errorf("content = %q", resp.Response.Content)
	}
	if resp.Response.Confidence != 0.0 {
		t.Errorf("confidence = %f, want 0", resp.Response.Confidence)
	}
	if len(resp.Response.Sources) != 0 {
		t.Errorf("sources = %+v, want empty on failure", resp.Response.Sources)
	}

	// The interaction is still logged.
	te.Engine.interactions.Close()
	if got := len(te.interactions.Records()); got != 1 {
		t.Errorf("interactions logged = %d, want 1", got)
	}
}

func TestAskValidation(t *testing.T) {
	te := newTestEngine(t)

	tests := []struct {
		name  string
		query string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t "},
		{"over length", strings.Repeat("a", 1001)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := te.Ask(context.Background(), QueryRequest{Query: tt.query})
			if !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("err = %v, want ErrInvalidQuery", err)
			}
		})
	}
}

func TestAskInteractionLogged(t *testing.T) {
	te := newTestEngine(t)
	te.retriever.results = []retrieval.Result{yogaResult("doc1_chunk_0", 0.9)}

	resp, err := te.Ask(context.Background(), QueryRequest{
		Query:  "Which poses help with posture?",
		UserID: "u-42",
	})
	if err != nil {
		t.Fatal(err)
	}

	te.Engine.interactions.Close()
	records := te.interactions.Records()
	if len(records) != 1 {
		t.Fatalf("interactions = %d, want 1", len(records))
	}
	log := records[0].(InteractionLog)
	if log.QueryID != resp.QueryID {
		t.Errorf("log query_id = %q, response %q", log.QueryID, resp.QueryID)
	}
	if log.UserID != "u-42" {
		t.Errorf("user_id = %q", log.UserID)
	}
	if len(log.RetrievedChunks) != 1 || log.RetrievedChunks[0] != "doc1_chunk_0" {
		t.Errorf("retrieved chunks = %v", log.RetrievedChunks)
	}
	if log.ResponseContent == "" {
		t.Error("empty response content in log")
	}
}

func TestAskAnonymousDefault(t *testing.T) {
	te := newTestEngine(t)

	if _, err := te.Ask(context.Background(), QueryRequest{Query: "What is yoga?"}); err != nil {
		t.Fatal(err)
	}
	te.Engine.interactions.Close()
	log := te.interactions.Records()[0].(InteractionLog)
	if log.UserID != "anonymous" {
		t.Errorf("user_id = %q, want anonymous", log.UserID)
	}
}

func TestAskSessionAdopted(t *testing.T) {
	te := newTestEngine(t)

	resp, err := te.Ask(context.Background(), QueryRequest{
		Query:     "What is yoga?",
		SessionID: "session-7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SessionID != "session-7" {
		t.Errorf("session_id = %q, want adopted value", resp.SessionID)
	}
}

func TestAskCancellation(t *testing.T) {
	te := newTestEngine(t)
	te.retriever.err = context.Canceled

	_, err := te.Ask(context.Background(), QueryRequest{Query: "What is yoga?"})
	if !errors.Is(err, ErrRetrieval) {
		t.Errorf("err = %v, want ErrRetrieval", err)
	}

	// Partial interaction still logged best-effort.
	te.Engine.interactions.Close()
	if got := len(te.interactions.Records()); got != 1 {
		t.Errorf("interactions = %d, want 1", got)
	}
}

func TestRecordFeedback(t *testing.T) {
	te := newTestEngine(t)

	te.RecordFeedback("q-123", "very helpful")
	te.Engine.interactions.Close()

	records := te.interactions.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	fb := records[0].(FeedbackRecord)
	if fb.QueryID != "q-123" || fb.Feedback != "very helpful" {
		t.Errorf("feedback = %+v", fb)
	}
}

func TestStats(t *testing.T) {
	te := newTestEngine(t)

	stats, err := te.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.DroppedLogs != 0 {
		t.Errorf("dropped = %d", stats.DroppedLogs)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSimilarity = 1.5
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}
