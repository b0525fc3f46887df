package ai

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// StubClient is a deterministic implementation of Client used in tests and
// in offline/dry-run modes. Embeddings are hash-derived vectors with
// components in [0, 1) (not normalised) so that repeated calls with the
// same text are stable and comparable.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 8
	}
	return &StubClient{dim: dim}
}

// Embed returns a deterministic pseudo-embedding derived from a SHA-256 hash
// of text, so identical inputs always produce identical vectors.
func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, s.dim)
	for i := range out {
		b := sum[i%len(sum):]
		if len(b) < 4 {
			b = sum[:4]
		}
		v := binary.BigEndian.Uint32(b[:4])
		out[i] = float32(v%1000) / 1000.0
	}
	return out, nil
}

// Summarize implements a simple heuristic summary for testing.
func (s *StubClient) Summarize(ctx context.Context, filePath, language, content string) (string, error) {
	lines := strings.Split(content, "\n")
	for _, line := range lines[:min(5, len(lines))] {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if len(line) > 10 {
				return line, nil
			}
		}
	}
	return "Article: " + filePath, nil
}

// Complete returns the request's last user message verbatim, with no tool
// calls, so that callers exercising the synthesis path in tests get
// predictable, inspectable output.
func (s *StubClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return CompletionResult{Content: last}, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
