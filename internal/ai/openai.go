package ai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/light/lightopedia/internal/apperrors"
)

type OpenAIClient struct {
	config *ClientConfig
	http   *http.Client
	retry  apperrors.RetryConfig
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.SummaryModel == "" {
		config.SummaryModel = "gpt-4o-mini"
	}
	if config.RouterModel == "" {
		config.RouterModel = config.SummaryModel
	}
	if config.RerankModel == "" {
		config.RerankModel = config.SummaryModel
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-small":
			config.Dim = 1536
		case "text-embedding-3-large":
			config.Dim = 3072
		case "text-embedding-ada-002":
			config.Dim = 1536
		default:
			config.Dim = 1536
		}
	}

	transport := &http.Transport{}
	if skipTLS, _ := strconv.ParseBool(os.Getenv("LIGHTOPEDIA_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	httpClient := &http.Client{
		Timeout:   20 * time.Second,
		Transport: transport,
	}

	return &OpenAIClient{
		config: config,
		http:   httpClient,
		retry:  apperrors.DefaultRetryConfig(),
	}
}

// Embed implements the embedding functionality, retrying transient upstream
// failures with backoff.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.config.APIKey == "" {
		return nil, apperrors.Auth("PROVIDER_API_KEY unset", nil)
	}

	return apperrors.RetryWithResult(ctx, c.retry, func() ([]float32, error) {
		payload := map[string]string{
			"input": text,
			"model": c.config.EmbedModel,
		}

		b, _ := json.Marshal(payload)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			"https://api.openai.com/v1/embeddings", bytes.NewReader(b))
		if err != nil {
			return nil, apperrors.Internal("building embed request", err)
		}
		c.setHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperrors.UpstreamTimeout("openai embed request failed", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Printf("failed to close response body: %v", err)
			}
		}()

		if resp.StatusCode >= 500 {
			return nil, apperrors.UpstreamFailure("openai embedding returned "+resp.Status, nil)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, apperrors.UpstreamFailure("openai embedding returned "+resp.Status, nil)
		}

		var out struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, apperrors.Parse("decoding openai embedding response", err)
		}
		if len(out.Data) == 0 {
			return nil, apperrors.UpstreamFailure("openai returned no embedding", nil)
		}
		return out.Data[0].Embedding, nil
	})
}

// Summarize implements the summarization functionality
func (c *OpenAIClient) Summarize(ctx context.Context, filePath, language, content string) (string, error) {
	if c.config.APIKey == "" {
		return "", apperrors.Auth("PROVIDER_API_KEY unset", nil)
	}

	const maxInput = 8000
	if len(content) > maxInput {
		content = content[:maxInput]
	}

	sys := "You summarize internal help articles in at most 240 characters, 1-2 sentences, no code blocks, no backticks. State what the article explains or configures."
	user := "Path: " + filePath + "\nSource: " + language + "\n---\n" + content

	result, err := c.chatComplete(ctx, c.config.SummaryModel, []Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: user},
	}, nil, 0.2, 120)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// Complete issues a tool-calling-capable chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if c.config.APIKey == "" {
		return CompletionResult{}, apperrors.Auth("PROVIDER_API_KEY unset", nil)
	}
	temp := req.Temperature
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 600
	}
	return c.chatComplete(ctx, c.config.RouterModel, req.Messages, req.Tools, temp, maxTokens)
}

func (c *OpenAIClient) chatComplete(ctx context.Context, model string, messages []Message, tools []ToolSpec, temperature float32, maxTokens int) (CompletionResult, error) {
	return apperrors.RetryWithResult(ctx, c.retry, func() (CompletionResult, error) {
		wireMessages := make([]map[string]string, 0, len(messages))
		for _, m := range messages {
			wireMessages = append(wireMessages, map[string]string{"role": m.Role, "content": m.Content})
		}

		payload := map[string]any{
			"model":       model,
			"messages":    wireMessages,
			"temperature": temperature,
			"max_tokens":  maxTokens,
		}
		if len(tools) > 0 {
			var wireTools []map[string]any
			for _, t := range tools {
				wireTools = append(wireTools, map[string]any{
					"type": "function",
					"function": map[string]any{
						"name":        t.Name,
						"description": t.Description,
						"parameters":  t.Schema,
					},
				})
			}
			payload["tools"] = wireTools
		}

		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(payload)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			"https://api.openai.com/v1/chat/completions", &buf)
		if err != nil {
			return CompletionResult{}, apperrors.Internal("building completion request", err)
		}
		c.setHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return CompletionResult{}, apperrors.UpstreamTimeout("openai completion request failed", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Printf("failed to close response body: %v", err)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var e struct {
				Error struct{ Message string } `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&e)
			msg := e.Error.Message
			if msg == "" {
				msg = resp.Status
			}
			if resp.StatusCode >= 500 {
				return CompletionResult{}, apperrors.UpstreamFailure(msg, nil)
			}
			return CompletionResult{}, apperrors.UpstreamFailure(msg, nil)
		}

		var out struct {
			Choices []struct {
				Message struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return CompletionResult{}, apperrors.Parse("decoding openai completion response", err)
		}
		if len(out.Choices) == 0 {
			return CompletionResult{}, apperrors.UpstreamFailure("openai returned no choices", nil)
		}

		msg := out.Choices[0].Message
		result := CompletionResult{Content: strings.TrimSpace(strings.ReplaceAll(msg.Content, "\n", " "))}
		for _, tc := range msg.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return result, nil
	})
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

// setHeaders sets common headers for OpenAI requests
func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	if strings.HasPrefix(c.config.APIKey, "sk-proj-") && c.config.ProjectID != "" {
		req.Header.Set("OpenAI-Project", c.config.ProjectID)
	}
}
