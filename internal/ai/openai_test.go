package ai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/light/lightopedia/internal/apperrors"
)

// mockTransport implements http.RoundTripper so OpenAIClient's HTTP calls
// can be exercised without a real network connection.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]mockResponse
	requests  []*http.Request
}

type mockResponse struct {
	status int
	body   string
}

func newMockTransport() *mockTransport {
	return &mockTransport{responses: make(map[string]mockResponse)}
}

func (m *mockTransport) addResponse(method, url string, status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[fmt.Sprintf("%s %s", method, url)] = mockResponse{status: status, body: body}
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	resp, ok := m.responses[fmt.Sprintf("%s %s", req.Method, req.URL.String())]
	m.mu.Unlock()

	if !ok {
		return &http.Response{
			StatusCode: 500,
			Status:     "500 Internal Server Error",
			Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"mock not configured"}}`)),
			Header:     make(http.Header),
		}, nil
	}
	return &http.Response{
		StatusCode: resp.status,
		Status:     fmt.Sprintf("%d %s", resp.status, http.StatusText(resp.status)),
		Body:       io.NopCloser(strings.NewReader(resp.body)),
		Header:     make(http.Header),
	}, nil
}

func newTestOpenAIClient(t *testing.T, transport http.RoundTripper) *OpenAIClient {
	t.Helper()
	c := NewOpenAIClient(&ClientConfig{APIKey: "test-key", Dim: 4})
	c.http.Transport = transport
	c.retry.MaxRetries = 0
	return c
}

func TestOpenAIClientDefaults(t *testing.T) {
	c := NewOpenAIClient(&ClientConfig{APIKey: "k"})
	if c.config.EmbedModel != "text-embedding-3-small" {
		t.Errorf("embed model default = %q", c.config.EmbedModel)
	}
	if c.config.Dim != 1536 {
		t.Errorf("dim default = %d", c.config.Dim)
	}
	if c.Dim() != 1536 {
		t.Errorf("Dim() = %d", c.Dim())
	}
}

func TestOpenAIClientEmbedRequiresAPIKey(t *testing.T) {
	c := NewOpenAIClient(&ClientConfig{Dim: 4})
	_, err := c.Embed(context.Background(), "hello")
	if apperrors.KindOf(err) != apperrors.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestOpenAIClientEmbedSuccess(t *testing.T) {
	transport := newMockTransport()
	transport.addResponse(http.MethodPost, "https://api.openai.com/v1/embeddings", 200,
		`{"data":[{"embedding":[0.1,0.2,0.3,0.4]}]}`)
	c := newTestOpenAIClient(t, transport)

	vec, err := c.Embed(context.Background(), "how do refunds work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("expected 4 dims, got %d", len(vec))
	}
}

func TestOpenAIClientEmbedUpstreamFailureIsClassified(t *testing.T) {
	transport := newMockTransport()
	transport.addResponse(http.MethodPost, "https://api.openai.com/v1/embeddings", 503, `{"error":{"message":"overloaded"}}`)
	c := newTestOpenAIClient(t, transport)

	_, err := c.Embed(context.Background(), "query")
	if apperrors.KindOf(err) != apperrors.KindUpstreamFailure {
		t.Fatalf("expected upstream failure kind, got %v", err)
	}
}

func TestOpenAIClientCompleteParsesToolCalls(t *testing.T) {
	transport := newMockTransport()
	transport.addResponse(http.MethodPost, "https://api.openai.com/v1/chat/completions", 200, `{
		"choices": [{
			"message": {
				"content": "",
				"tool_calls": [{"id":"call_1","function":{"name":"knowledge_base","arguments":"{\"query\":\"refunds\"}"}}]
			}
		}]
	}`)
	c := newTestOpenAIClient(t, transport)

	result, err := c.Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "how do refunds work?"}},
		Tools:    []ToolSpec{{Name: "knowledge_base", Description: "search help articles"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Name != "knowledge_base" {
		t.Errorf("tool call name = %q", result.ToolCalls[0].Name)
	}
}

func TestOpenAIClientSetHeadersUsesProjectOnlyForProjectKeys(t *testing.T) {
	c := NewOpenAIClient(&ClientConfig{APIKey: "sk-proj-abc", ProjectID: "proj_123"})
	req, _ := http.NewRequest(http.MethodGet, "https://api.openai.com/v1/models", nil)
	c.setHeaders(req)
	if req.Header.Get("OpenAI-Project") != "proj_123" {
		t.Error("expected OpenAI-Project header for a sk-proj- key")
	}

	c2 := NewOpenAIClient(&ClientConfig{APIKey: "sk-abc", ProjectID: "proj_123"})
	req2, _ := http.NewRequest(http.MethodGet, "https://api.openai.com/v1/models", nil)
	c2.setHeaders(req2)
	if req2.Header.Get("OpenAI-Project") != "" {
		t.Error("expected no OpenAI-Project header for a non-project key")
	}
}
