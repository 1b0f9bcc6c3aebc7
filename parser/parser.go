// Package parser extracts plain text from corpus documents for ingestion.
package parser

import (
	"context"
	"strings"
)

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Sections []Section
	Method   string // "native"
	Metadata map[string]string
}

// Section represents a logical section of a parsed document.
type Section struct {
	Heading    string
	Content    string
	Level      int // heading level (1=top, 2=sub, etc.)
	PageNumber int
	Type       string // "section", "table", "paragraph"
	Metadata   map[string]string
}

// Text joins all section content into one document string, heading lines
// included, in document order.
func (r *ParseResult) Text() string {
	var b strings.Builder
	for _, s := range r.Sections {
		if s.Heading != "" {
			b.WriteString(s.Heading)
			b.WriteString("\n\n")
		}
		if s.Content != "" {
			b.WriteString(s.Content)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}
