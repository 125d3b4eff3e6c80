package ingest

import "strings"

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 100
)

// Split cuts text into chunks of at most maxChars characters, preferring
// paragraph then sentence boundaries over hard cuts. Consecutive chunks
// overlap by roughly overlap characters so boundary-straddling statements
// stay retrievable.
func Split(text string, maxChars, overlap int) []string {
	if maxChars <= 0 {
		maxChars = defaultChunkSize
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = defaultChunkOverlap
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxChars {
			chunks = append(chunks, text)
			break
		}

		cut := boundary(text, maxChars)
		chunk := strings.TrimSpace(text[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - overlap
		if next <= 0 {
			next = cut
		}
		text = strings.TrimSpace(text[next:])
	}
	return chunks
}

// boundary picks the best cut position at or before limit: the last blank
// line, else the last sentence end, else the last space, else a hard cut.
func boundary(text string, limit int) int {
	window := text[:limit]

	if i := strings.LastIndex(window, "\n\n"); i > limit/2 {
		return i
	}
	for _, sep := range []string{". ", "? ", "! ", ".\n"} {
		if i := strings.LastIndex(window, sep); i > limit/2 {
			return i + len(sep)
		}
	}
	if i := strings.LastIndexByte(window, ' '); i > limit/2 {
		return i
	}
	return limit
}
