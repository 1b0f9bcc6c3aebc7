package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts text from PDF files page by page, splitting each page
// into sections at heading-like lines.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	sections := make([]Section, 0)

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		sections = append(sections, splitPageIntoSections(text, i)...)
	}

	if len(sections) == 0 {
		return &ParseResult{
			Method: "native",
			Sections: []Section{{
				Content:    "Unable to extract text from PDF",
				Type:       "paragraph",
				PageNumber: 1,
			}},
		}, nil
	}

	return &ParseResult{
		Sections: sections,
		Method:   "native",
	}, nil
}

// splitPageIntoSections breaks page text into logical sections.
func splitPageIntoSections(text string, pageNum int) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	var currentContent strings.Builder
	var currentHeading string
	currentLevel := 0

	flush := func() {
		if currentContent.Len() == 0 {
			return
		}
		content := strings.TrimSpace(currentContent.String())
		sections = append(sections, Section{
			Heading:    currentHeading,
			Content:    content,
			Level:      currentLevel,
			PageNumber: pageNum,
			Type:       classifySectionType(content),
		})
		currentContent.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			continue
		}

		if isLikelyHeading(trimmed) {
			flush()
			currentHeading = trimmed
			currentLevel = detectHeadingLevel(trimmed)
		} else {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			currentContent.WriteString(trimmed)
		}
	}
	flush()

	// No headings found: return the whole page as one section
	if len(sections) == 0 && strings.TrimSpace(text) != "" {
		sections = append(sections, Section{
			Content:    text,
			PageNumber: pageNum,
			Type:       "paragraph",
		})
	}

	return sections
}

// isLikelyHeading detects all-caps lines, numbered sections, and common
// chapter markers.
func isLikelyHeading(line string) bool {
	if len(line) >= 120 {
		return false
	}
	// All caps and short
	if len(line) < 100 && len(line) > 2 && line == strings.ToUpper(line) {
		return true
	}
	// Numbered section like "1.", "1.1", "3.9.1"
	if len(line) > 0 && line[0] >= '0' && line[0] <= '9' {
		head := line
		if len(head) > 10 {
			head = head[:10]
		}
		if strings.Contains(head, ".") {
			return true
		}
	}
	lower := strings.ToLower(line)
	for _, prefix := range []string{"chapter ", "section ", "part ", "lesson ", "pose:", "asana:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func detectHeadingLevel(heading string) int {
	// Count dots in numbering to determine depth
	parts := strings.SplitN(heading, " ", 2)
	if len(parts) > 0 {
		dots := strings.Count(parts[0], ".")
		if dots > 0 {
			return dots
		}
	}
	// All-caps = top level
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}

// classifySectionType distinguishes tabular content from prose.
func classifySectionType(content string) string {
	if strings.Count(content, "\t") > 3 || strings.Count(content, "|") > 3 {
		return "table"
	}
	return "section"
}
