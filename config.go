package prana

// Config holds all configuration for the prana engine. It is built once at
// startup and threaded through constructors; nothing mutates it afterwards.
type Config struct {
	// HTTP bind address for cmd/server.
	APIHost string `json:"api_host"`
	APIPort int    `json:"api_port"`

	// CORSOrigins is a comma-separated list of allowed origins.
	CORSOrigins string `json:"cors_origins"`

	// Log sinks (MongoDB).
	MongoURL              string `json:"mongodb_url"`
	MongoDatabase         string `json:"mongodb_database"`
	MongoCollectionLogs   string `json:"mongodb_collection_logs"`
	MongoCollectionSafety string `json:"mongodb_collection_safety"`

	// Vector index. Backend is "sqlite" (embedded) or "pinecone" (remote).
	Index IndexConfig `json:"index"`

	// Embedding provider chain, tried in order: remote then local.
	Embedding EmbeddingConfig `json:"embedding"`

	// Chat LLM (OpenAI-compatible).
	LLM LLMConfig `json:"llm"`

	// Chunking and retrieval.
	ChunkSize         int     `json:"chunk_size"`
	ChunkOverlap      int     `json:"chunk_overlap"`
	MaxChunksPerQuery int     `json:"max_chunks_per_query"`
	MinSimilarity     float64 `json:"min_similarity"`

	// Caches.
	RedisURL          string `json:"redis_url"`
	EmbeddingCacheTTL int    `json:"embedding_cache_ttl"` // seconds

	// Admission.
	RateLimitRequests int `json:"rate_limit_requests"`
	RateLimitWindow   int `json:"rate_limit_window"` // seconds

	// Safety tuning.
	SafetyEnabled            bool    `json:"safety_enabled"`
	MedicalAdviceThreshold   float64 `json:"medical_advice_threshold"`
	CrisisDetectionThreshold float64 `json:"crisis_detection_threshold"`
}

// IndexConfig selects and configures a vector index backend.
type IndexConfig struct {
	Backend string `json:"backend"` // sqlite, pinecone

	// Embedded backend.
	PersistDirectory string `json:"persist_directory"`
	CollectionName   string `json:"collection_name"`

	// Remote backend.
	PineconeAPIKey    string `json:"pinecone_api_key"`
	PineconeIndexHost string `json:"pinecone_index_host"`
	PineconeNamespace string `json:"pinecone_namespace"`

	// Dimension is the expected embedding dimension of the collection.
	Dimension int `json:"dimension"`
}

// EmbeddingConfig configures the embedding provider chain.
type EmbeddingConfig struct {
	// Remote NVIDIA-compatible endpoint. Tried first when BaseURL is set.
	RemoteBaseURL string `json:"remote_base_url"`
	RemoteAPIKey  string `json:"remote_api_key"`
	RemoteModel   string `json:"remote_model"`

	// Local Ollama endpoint, used when the remote provider is not
	// configured or fails to construct.
	LocalBaseURL string `json:"local_base_url"`
	LocalModel   string `json:"local_model"`

	Dimension int  `json:"dimension"`
	MaxTokens int  `json:"max_tokens"`
	BatchSize int  `json:"batch_size"`
	Normalize bool `json:"normalize"`
}

// LLMConfig configures the chat completion provider.
type LLMConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// DefaultConfig returns a Config with the service defaults: embedded index
// under ./data, local embedding via Ollama, and permissive rate limits.
func DefaultConfig() Config {
	return Config{
		APIHost:               "0.0.0.0",
		APIPort:               8000,
		CORSOrigins:           "http://localhost:3000,http://localhost:8080",
		MongoURL:              "mongodb://localhost:27017",
		MongoDatabase:         "wellness_rag",
		MongoCollectionLogs:   "interaction_logs",
		MongoCollectionSafety: "safety_incidents",
		Index: IndexConfig{
			Backend:          "sqlite",
			PersistDirectory: "./data/index",
			CollectionName:   "wellness_chunks",
			Dimension:        1024,
		},
		Embedding: EmbeddingConfig{
			RemoteModel:  "nvidia/nv-embedqa-e5-v5",
			LocalBaseURL: "http://localhost:11434",
			LocalModel:   "nomic-embed-text",
			Dimension:    1024,
			MaxTokens:    512,
			BatchSize:    10,
			Normalize:    true,
		},
		LLM: LLMConfig{
			Model:       "meta/llama-3.1-8b-instruct",
			Temperature: 0.7,
			MaxTokens:   4000,
		},
		ChunkSize:                512,
		ChunkOverlap:             50,
		MaxChunksPerQuery:        5,
		MinSimilarity:            0.7,
		EmbeddingCacheTTL:        86400,
		RateLimitRequests:        100,
		RateLimitWindow:          60,
		SafetyEnabled:            true,
		MedicalAdviceThreshold:   0.7,
		CrisisDetectionThreshold: 0.9,
	}
}
