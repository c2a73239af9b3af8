package segment

import (
	"fmt"
	"strings"

	"github.com/rivo/uniseg"

	"github.com/vnttslabs/vntts-core/internal/textnorm"
)

// Segment is one synthesis unit cut from normalized text. Index orders the
// segment within its job; Pause is the silence class the assembler inserts
// after the segment's audio.
type Segment struct {
	Index int
	Text  string
	Pause textnorm.Pause
}

// Length counts user-perceived characters, which is what backend chunk
// limits are expressed in.
func (s Segment) Length() int {
	return uniseg.GraphemeClusterCount(s.Text)
}

// Split cuts normalized text into segments no longer than maxLen grapheme
// clusters. Boundaries are chosen in precedence order: sentence end, clause
// punctuation, word gap, and as a last resort between grapheme clusters of a
// single oversized word. A boundary is never placed inside a cluster, so
// diacritics stay attached to their base letter.
//
// Joining the segment texts with single spaces reproduces the input.
func Split(text string, maxLen int) ([]Segment, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("max segment length must be positive, got %d", maxLen)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	var chunks []string
	for _, sentence := range splitAfter(text, isSentenceEnd) {
		chunks = pack(chunks, sentence, maxLen, 0)
	}

	segments := make([]Segment, len(chunks))
	for i, c := range chunks {
		segments[i] = Segment{
			Index: i,
			Text:  c,
			Pause: textnorm.TrailingPause(c),
		}
	}
	return segments, nil
}

// splitters in fallback order for units that exceed maxLen on their own.
var splitters = []func(string, int) []string{splitClause, splitWords, splitGraphemes}

// pack appends unit to the last chunk when the merged length fits, otherwise
// starts a new chunk, recursing through the splitter chain when the unit
// alone is too big.
func pack(chunks []string, unit string, maxLen, level int) []string {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return chunks
	}
	if n := len(chunks); n > 0 {
		merged := chunks[n-1] + " " + unit
		if uniseg.GraphemeClusterCount(merged) <= maxLen {
			chunks[n-1] = merged
			return chunks
		}
	}
	if uniseg.GraphemeClusterCount(unit) <= maxLen || level >= len(splitters) {
		return append(chunks, unit)
	}
	for _, part := range splitters[level](unit, maxLen) {
		chunks = pack(chunks, part, maxLen, level+1)
	}
	return chunks
}

func splitClause(s string, _ int) []string {
	return splitAfter(s, isClauseEnd)
}

func splitWords(s string, _ int) []string {
	return strings.Fields(s)
}

// splitGraphemes cuts an oversized word into runs of at most maxLen grapheme
// clusters.
func splitGraphemes(s string, maxLen int) []string {
	var parts []string
	var b strings.Builder
	count := 0
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		if count == maxLen {
			parts = append(parts, b.String())
			b.Reset()
			count = 0
		}
		b.WriteString(g.Str())
		count++
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isClauseEnd(r rune) bool {
	switch r {
	case ',', ';', ':':
		return true
	}
	return false
}

// splitAfter splits text after runs of boundary runes, keeping the
// punctuation with the preceding piece.
func splitAfter(text string, boundary func(rune) bool) []string {
	var parts []string
	var b strings.Builder
	inBoundary := false
	for _, r := range text {
		if boundary(r) {
			inBoundary = true
			b.WriteRune(r)
			continue
		}
		if inBoundary && r == ' ' {
			parts = append(parts, b.String())
			b.Reset()
			inBoundary = false
			continue
		}
		inBoundary = false
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}
