package text

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Chunk is a trimmed, position-tagged segment of the source text.
// StartChar and EndChar are byte offsets into the original input
// (half-open), so text[StartChar:EndChar] == Text.
type Chunk struct {
	Index     int
	Text      string
	StartChar int
	EndChar   int
}

// MaxChunkChars is the hard per-chunk ceiling in runes. Caller limits above
// it are clamped down.
const MaxChunkChars = 200

// maxSentencesPerChunk keeps each chunk aligned to a single sentence so
// downstream audio maps cleanly onto source positions.
const maxSentencesPerChunk = 1

// Split breaks text into ordered sentence-aligned chunks of at most
// min(maxChars, MaxChunkChars) runes each. Sentences longer than the limit
// are hard-split at the last whitespace before the limit, or at the exact
// rune boundary when no whitespace exists.
func Split(text string, maxChars int) ([]Chunk, error) {
	return split(text, maxChars, maxSentencesPerChunk)
}

func split(text string, maxChars, maxSentences int) ([]Chunk, error) {
	if maxChars < 1 {
		return nil, fmt.Errorf("max chars must be >= 1, got %d", maxChars)
	}
	if maxSentences < 1 {
		return nil, fmt.Errorf("max sentences must be >= 1, got %d", maxSentences)
	}

	limit := maxChars
	if limit > MaxChunkChars {
		limit = MaxChunkChars
	}

	var chunks []Chunk

	emit := func(start, end int) {
		start, end = trimRange(text, start, end)
		if start >= end {
			return
		}
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Text:      text[start:end],
			StartChar: start,
			EndChar:   end,
		})
	}

	groupStart, groupEnd := -1, -1
	groupCount := 0
	flush := func() {
		if groupCount > 0 {
			emit(groupStart, groupEnd)
		}
		groupStart, groupEnd = -1, -1
		groupCount = 0
	}

	for _, sp := range sentenceSpans(text) {
		if utf8.RuneCountInString(text[sp.start:sp.end]) > limit {
			flush()
			hardSplit(text, sp, limit, emit)
			continue
		}

		if groupCount > 0 {
			joined := utf8.RuneCountInString(text[groupStart:sp.end])
			if groupCount >= maxSentences || joined > limit {
				flush()
			}
		}
		if groupCount == 0 {
			groupStart = sp.start
		}
		groupEnd = sp.end
		groupCount++
	}
	flush()

	return chunks, nil
}

type span struct {
	start, end int
}

func isBoundary(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ':', '\n', '。', '！', '？':
		return true
	}
	return false
}

// sentenceSpans scans text into trimmed sentence byte ranges. A sentence
// ends at a boundary rune plus any immediately following run of boundary
// runes; the final span may be unterminated.
func sentenceSpans(text string) []span {
	var spans []span
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			i += size
			continue
		}

		start := i
		terminated := false
		for i < len(text) {
			r, size = utf8.DecodeRuneInString(text[i:])
			i += size
			if isBoundary(r) {
				terminated = true
				continue
			}
			if terminated {
				i -= size
				break
			}
		}

		if s, e := trimRange(text, start, i); s < e {
			spans = append(spans, span{start: s, end: e})
		}
	}
	return spans
}

// hardSplit emits pieces of an oversized sentence, preferring the last
// whitespace before the rune limit as the cut point.
func hardSplit(text string, sp span, limit int, emit func(start, end int)) {
	start := sp.start
	for start < sp.end {
		start, _ = trimRange(text, start, sp.end)
		if start >= sp.end {
			return
		}

		cut := advanceRunes(text, start, sp.end, limit)
		if cut >= sp.end {
			emit(start, sp.end)
			return
		}

		end := lastSpaceBefore(text, start, cut)
		if end <= start {
			end = cut
		}
		emit(start, end)
		start = end
	}
}

// advanceRunes returns the byte offset after at most n runes from start,
// never past end.
func advanceRunes(text string, start, end, n int) int {
	i := start
	for ; n > 0 && i < end; n-- {
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return i
}

// lastSpaceBefore returns the byte offset of the last whitespace rune in
// text[start:end], or start when there is none.
func lastSpaceBefore(text string, start, end int) int {
	last := start
	for i := start; i < end; {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			last = i
		}
		i += size
	}
	return last
}

// trimRange shrinks [start, end) past surrounding whitespace runes.
func trimRange(text string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}
