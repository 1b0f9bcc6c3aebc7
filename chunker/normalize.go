package chunker

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
	blankLines  = regexp.MustCompile(`\n[ \t]*\n`)
)

// Normalize cleans raw document text for chunking: line endings become \n,
// runs of spaces and tabs collapse to a single space, three or more
// consecutive newlines collapse to exactly two, and control characters
// other than newline and tab are stripped.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	text = b.String()

	text = spaceRuns.ReplaceAllString(text, " ")
	text = blankLines.ReplaceAllString(text, "\n\n")
	text = newlineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// EstimateTokens approximates the token count of text using a word-based
// heuristic: tokens ~ words * 1.3. Deterministic by construction.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// splitParagraphs splits normalized text on blank-line boundaries.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences is a simple sentence tokeniser. It splits after
// period/question-mark/exclamation followed by whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// extractOverlap returns the last maxWords whitespace-separated words of
// text, used to seed the next chunk so context is preserved across
// boundaries.
func extractOverlap(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) == 0 || maxWords <= 0 {
		return ""
	}
	if maxWords > len(words) {
		maxWords = len(words)
	}
	return strings.Join(words[len(words)-maxWords:], " ")
}

// hasAlphaRun reports whether s contains a run of at least n consecutive
// ASCII letters.
func hasAlphaRun(s string, n int) bool {
	run := 0
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}
