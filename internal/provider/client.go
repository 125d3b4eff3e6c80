// Package provider implements an OpenAI-compatible model API client used for
// chat completions, embeddings, reranking and image generation.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/gentable/internal/table"
)

const (
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// Client communicates with an OpenAI-compatible model API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // per-request timeouts via context
		},
	}
}

// Chat sends a non-streaming chat completion request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	body, err := c.postWithRetry(ctx, "/chat/completions", req, defaultTimeout)
	if err != nil {
		return ChatResponse{}, err
	}
	defer body.Close()

	var cc chatCompletion
	if err := json.NewDecoder(body).Decode(&cc); err != nil {
		return ChatResponse{}, table.Generationf(err, "decoding completion")
	}
	if len(cc.Choices) == 0 {
		return ChatResponse{}, table.Generationf(nil, "completion has no choices")
	}
	return ChatResponse{
		Content:      cc.Choices[0].Message.Content,
		FinishReason: cc.Choices[0].FinishReason,
		Usage:        cc.Usage,
	}, nil
}

// ChatStream sends a streaming chat completion request and returns a stream
// of decoded deltas. The caller must Close the stream.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest) (ChunkStream, error) {
	req.Stream = true
	body, err := c.postWithRetry(ctx, "/chat/completions", req, streamingTimeout)
	if err != nil {
		return nil, err
	}
	return newStream(body), nil
}

// Embed returns one embedding vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := c.postWithRetry(ctx, "/embeddings", embedRequest{Model: model, Input: texts}, defaultTimeout)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var er embedResponse
	if err := json.NewDecoder(body).Decode(&er); err != nil {
		return nil, table.Generationf(err, "decoding embeddings")
	}
	if len(er.Data) != len(texts) {
		return nil, table.Generationf(nil, "embeddings: got %d vectors for %d inputs", len(er.Data), len(texts))
	}

	// The API is allowed to return entries out of order.
	vecs := make([][]float32, len(texts))
	for _, d := range er.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, table.Generationf(nil, "embeddings: index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Rerank scores documents against the query and returns them ordered most
// relevant first. Indices refer to positions in the documents slice.
func (c *Client) Rerank(ctx context.Context, model, query string, documents []string, topN int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	req := rerankRequest{Model: model, Query: query, Documents: documents, TopN: topN}
	body, err := c.postWithRetry(ctx, "/rerank", req, defaultTimeout)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var rr rerankResponse
	if err := json.NewDecoder(body).Decode(&rr); err != nil {
		return nil, table.Generationf(err, "decoding rerank response")
	}
	for _, r := range rr.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, table.Generationf(nil, "rerank: index %d out of range", r.Index)
		}
	}
	return rr.Results, nil
}

// GenerateImage produces a single image for the prompt and returns its URL,
// or a data URI when the provider responds with inline base64 content.
func (c *Client) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	body, err := c.postWithRetry(ctx, "/images/generations", imageRequest{Model: model, Prompt: prompt, N: 1}, streamingTimeout)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var ir imageResponse
	if err := json.NewDecoder(body).Decode(&ir); err != nil {
		return "", table.Generationf(err, "decoding image response")
	}
	if len(ir.Data) == 0 {
		return "", table.Generationf(nil, "image generation returned no data")
	}
	if ir.Data[0].URL != "" {
		return ir.Data[0].URL, nil
	}
	return "data:image/png;base64," + ir.Data[0].B64JSON, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

// postWithRetry POSTs the payload, retrying with exponential backoff when the
// upstream answers 429. Any other failure is returned immediately.
func (c *Client) postWithRetry(ctx context.Context, path string, payload any, timeout time.Duration) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.post(ctx, path, body, timeout)
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, table.Generationf(lastErr, "rate limited after %d retries", maxRetries)
}

func (c *Client) post(ctx context.Context, path string, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, table.Generationf(err, "executing request")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, table.Generationf(nil, "unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	// The timeout context must outlive this call while the caller reads the
	// body; cancel fires on Close instead.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
