package ai

import (
	"context"
	"errors"
)

// Message is one turn in a chat-style completion request.
type Message struct {
	Role    string // "system", "user", "assistant", or "tool"
	Content string
}

// ToolCall is a single function-call request emitted by the model during a
// tool-calling completion.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// CompletionRequest is a chat/tool-calling completion call.
type CompletionRequest struct {
	Messages    []Message
	Tools       []ToolSpec
	Temperature float32
	MaxTokens   int
}

// ToolSpec describes one callable tool a completion may invoke.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any // JSON schema for the tool's arguments
}

// CompletionResult is the model's response to a CompletionRequest.
type CompletionResult struct {
	Content   string
	ToolCalls []ToolCall
}

// Client provides embedding, summarization, and tool-calling completions.
// The three providers (OpenAI, Vertex/Gemini, and the deterministic stub)
// all satisfy this interface.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Summarize(ctx context.Context, filePath, language, content string) (string, error)
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	Dim() int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey       string
	EmbedModel   string
	SummaryModel string
	RouterModel  string
	RerankModel  string
	Dim          int
	ProjectID    string
	Provider     Provider
	Location     string
}

// NewClient creates a new AI client based on configuration
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}
