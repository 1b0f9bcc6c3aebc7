package chunker

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies the subject matter of a corpus document.
type Category string

const (
	CategoryYoga       Category = "yoga"
	CategoryWellness   Category = "wellness"
	CategoryMeditation Category = "meditation"
	CategoryNutrition  Category = "nutrition"
	CategoryExercise   Category = "exercise"
)

// ParseCategory maps a string to a Category, defaulting to wellness for
// unrecognized values.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryYoga:
		return CategoryYoga
	case CategoryMeditation:
		return CategoryMeditation
	case CategoryNutrition:
		return CategoryNutrition
	case CategoryExercise:
		return CategoryExercise
	default:
		return CategoryWellness
	}
}

// Chunk is an immutable unit of indexable text.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	Tokens     int       `json:"tokens"`
	Index      int       `json:"chunk_index"`
	Source     string    `json:"source"`
	Category   Category  `json:"category"`
	CreatedAt  time.Time `json:"created_at"`
}

// Config controls the chunking behaviour.
type Config struct {
	ChunkSize int // Target estimated tokens per chunk.
	Overlap   int // Word overlap between consecutive chunks.
	MinTokens int // Size guideline for the final residual chunk.
	MaxTokens int // Hard per-chunk ceiling; larger paragraphs split by sentence.
}

// Chunker splits documents into token-bounded, boundary-respecting chunks.
type Chunker struct {
	cfg Config
	now func() time.Time
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 512
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 50
	}
	if cfg.MinTokens == 0 {
		cfg.MinTokens = 100
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 800
	}
	return &Chunker{cfg: cfg, now: time.Now}
}

// Split converts a document into validated chunks. Paragraph boundaries are
// preferred; paragraphs exceeding MaxTokens are split at sentence
// boundaries. Consecutive chunks share a trailing word overlap. The result
// is deterministic for a given (content, config, category) apart from the
// created-at timestamp.
func (c *Chunker) Split(documentID, content, source string, category Category) []Chunk {
	cleaned := Normalize(content)
	if cleaned == "" {
		return nil
	}

	paragraphs := splitParagraphs(cleaned)
	createdAt := c.now().UTC()

	var chunks []Chunk
	var current strings.Builder
	currentTokens := 0
	index := 0

	emit := func(text string) {
		chunks = append(chunks, c.newChunk(text, index, documentID, source, category, createdAt))
		index++
	}

	for _, para := range paragraphs {
		paraTokens := EstimateTokens(para)

		// Oversize paragraph: flush the buffer and fall back to
		// sentence granularity.
		if paraTokens > c.cfg.MaxTokens {
			if current.Len() > 0 {
				emit(current.String())
				current.Reset()
				currentTokens = 0
			}
			for _, frag := range c.splitBySentences(para) {
				emit(frag)
			}
			continue
		}

		// Would adding this paragraph exceed the target size?
		if currentTokens+paraTokens > c.cfg.ChunkSize && current.Len() > 0 {
			emitted := current.String()
			emit(emitted)
			current.Reset()
			currentTokens = 0

			if c.cfg.Overlap > 0 {
				overlap := extractOverlap(emitted, c.cfg.Overlap)
				if overlap != "" {
					current.WriteString(overlap)
					currentTokens = EstimateTokens(overlap)
				}
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}

	// The residual buffer is emitted only when it meets the size
	// guideline; fragments below it are dropped rather than padded.
	if current.Len() > 0 && currentTokens >= c.cfg.MinTokens {
		emit(current.String())
	}

	return validate(chunks)
}

// splitBySentences breaks an oversize paragraph into fragments at sentence
// boundaries, respecting ChunkSize and carrying word overlap between
// consecutive fragments.
func (c *Chunker) splitBySentences(text string) []string {
	sentences := splitSentences(text)
	var fragments []string
	var current strings.Builder
	currentTokens := 0

	for _, sent := range sentences {
		sentTokens := EstimateTokens(sent)

		if currentTokens+sentTokens > c.cfg.ChunkSize && current.Len() > 0 {
			emitted := current.String()
			fragments = append(fragments, emitted)
			current.Reset()
			currentTokens = 0

			if c.cfg.Overlap > 0 {
				overlap := extractOverlap(emitted, c.cfg.Overlap)
				if overlap != "" {
					current.WriteString(overlap)
					currentTokens = EstimateTokens(overlap)
				}
			}
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentTokens += sentTokens
	}

	if current.Len() > 0 {
		fragments = append(fragments, current.String())
	}

	return fragments
}

func (c *Chunker) newChunk(content string, index int, documentID, source string, category Category, createdAt time.Time) Chunk {
	content = strings.TrimSpace(content)
	return Chunk{
		ID:         fmt.Sprintf("%s_chunk_%d", documentID, index),
		DocumentID: documentID,
		Content:    content,
		Tokens:     EstimateTokens(content),
		Index:      index,
		Source:     source,
		Category:   category,
		CreatedAt:  createdAt,
	}
}

// validate filters out chunks too small or too empty to index: trimmed
// length under 10 characters, no alphabetic run of 3+ letters, or fewer
// than 5 estimated tokens. Survivors keep their original index so chunk
// IDs remain stable.
func validate(chunks []Chunk) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if len(strings.TrimSpace(ch.Content)) < 10 {
			continue
		}
		if !hasAlphaRun(ch.Content, 3) {
			continue
		}
		if ch.Tokens < 5 {
			continue
		}
		out = append(out, ch)
	}
	return out
}
