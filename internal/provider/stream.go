package provider

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/kalambet/gentable/internal/table"
)

// ChunkStream is the receive side of a streaming completion. Recv returns
// io.EOF after the final chunk.
type ChunkStream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Stream decodes server-sent completion chunks from a streaming response
// body. Recv returns io.EOF after the terminating [DONE] event.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: body, scanner: sc}
}

// Recv returns the next decoded chunk. Lines that are not data events
// (comments, empty keep-alives) are skipped.
func (s *Stream) Recv() (StreamChunk, error) {
	if s.done {
		return StreamChunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			return StreamChunk{}, io.EOF
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return StreamChunk{}, table.Generationf(err, "decoding stream chunk")
		}

		out := StreamChunk{Usage: chunk.Usage}
		if len(chunk.Choices) > 0 {
			out.Content = chunk.Choices[0].Delta.Content
			out.FinishReason = chunk.Choices[0].FinishReason
		}
		return out, nil
	}

	if err := s.scanner.Err(); err != nil {
		return StreamChunk{}, table.Generationf(err, "reading stream")
	}
	// Upstream closed without [DONE]; treat a clean EOF as end of stream.
	s.done = true
	return StreamChunk{}, io.EOF
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
